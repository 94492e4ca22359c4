package main

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type statusSnapshot struct {
	HeadHeight   int64            `json:"head_height"`
	HeadHash     string           `json:"head_hash"`
	MerkleRoot   string           `json:"merkle_root"`
	BlockTime    time.Time        `json:"block_time"`
	PendingCount int64            `json:"pending_count"`
	DeviceCount  int64            `json:"device_count"`
	Recent       []submissionView `json:"recent_submissions"`
	GeneratedAt  time.Time        `json:"generated_at"`
}

// statusCache memoizes the status snapshot for a short TTL so reads never
// amplify into per-request storage scans. When a refresh fails and a prior
// snapshot exists, the stale snapshot is served instead of an error.
type statusCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	build   func() (*statusSnapshot, error)
	logger  zerolog.Logger
	cached  *statusSnapshot
	expires time.Time
}

func newStatusCache(ttl time.Duration, logger zerolog.Logger, build func() (*statusSnapshot, error)) *statusCache {
	if ttl <= 0 || ttl > time.Minute {
		ttl = 30 * time.Second
	}
	return &statusCache{ttl: ttl, build: build, logger: logger}
}

func (sc *statusCache) Get() (*statusSnapshot, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	now := time.Now()
	if sc.cached != nil && now.Before(sc.expires) {
		return sc.cached, nil
	}

	snapshot, err := sc.build()
	if err != nil {
		if sc.cached != nil {
			sc.logger.Warn().Err(err).Msg("Status refresh failed, serving stale snapshot")
			return sc.cached, nil
		}
		return nil, err
	}
	snapshot.GeneratedAt = now.UTC()
	sc.cached = snapshot
	sc.expires = now.Add(sc.ttl)
	return snapshot, nil
}

// Invalidate forces the next Get to rebuild.
func (sc *statusCache) Invalidate() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.expires = time.Time{}
}

// buildStatusSnapshot assembles the status payload from the ledger and the
// submission table.
func (s *Server) buildStatusSnapshot() (*statusSnapshot, error) {
	head, err := s.ledger.Head()
	if err != nil {
		return nil, err
	}
	pending, err := s.ledger.PendingCount()
	if err != nil {
		return nil, err
	}
	var deviceCount int64
	if err := s.db.Model(&Device{}).Count(&deviceCount).Error; err != nil {
		return nil, err
	}
	var recent []Submission
	if err := s.db.Order("id desc").Limit(s.cfg.Status.RecentDigests).Find(&recent).Error; err != nil {
		return nil, err
	}
	views := make([]submissionView, len(recent))
	for i, sub := range recent {
		views[i] = submissionView{
			Digest:      sub.Digest,
			Status:      sub.Status,
			BlockHeight: sub.BlockHeight,
			ReceivedAt:  sub.ReceivedAt,
		}
	}

	return &statusSnapshot{
		HeadHeight:   head.Height,
		HeadHash:     head.BlockHash,
		MerkleRoot:   head.MerkleRoot,
		BlockTime:    head.CreatedAt,
		PendingCount: pending,
		DeviceCount:  deviceCount,
		Recent:       views,
	}, nil
}
