package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/proofwork/ledger/pkg/merkle"
)

// GenesisPreviousHash is the previous_hash sentinel carried by block 0.
const GenesisPreviousHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrBlockNotFound is returned for lookups past the head or before genesis.
var ErrBlockNotFound = errors.New("block not found")

// Ledger is the single-writer block producer for one partition. Pending
// submissions are claimed, folded into a merkle root, and committed as a new
// block in one transaction with their status updates. Height only advances
// when at least one submission is committed; empty cycles produce no block.
type Ledger struct {
	db       *gorm.DB
	logger   zerolog.Logger
	notify   chan struct{}
	interval time.Duration
	lease    time.Duration

	// buildMu enforces single-writer discipline even if triggers fire
	// concurrently.
	buildMu sync.Mutex

	// beforeCommit runs inside the commit transaction after the block row
	// is written. Test seam for injected storage failures.
	beforeCommit func(tx *gorm.DB) error
}

func NewLedger(db *gorm.DB, interval, lease time.Duration, logger zerolog.Logger) *Ledger {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if lease <= 0 {
		lease = time.Minute
	}
	return &Ledger{
		db:       db,
		logger:   logger.With().Str("component", "ledger").Logger(),
		notify:   make(chan struct{}, 1),
		interval: interval,
		lease:    lease,
	}
}

// Notify signals that new pending submissions exist. Non-blocking; a signal
// that arrives while one is already queued is coalesced.
func (l *Ledger) Notify() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Start runs the producer loop until ctx is done. Crash recovery happens
// first: submissions left claimed by a previous process revert to claimable.
func (l *Ledger) Start(ctx context.Context) error {
	if err := l.EnsureGenesis(); err != nil {
		return err
	}
	if released, err := l.ReleaseStaleClaims(); err != nil {
		return err
	} else if released > 0 {
		l.logger.Warn().Int64("released", released).Msg("Released stale submission claims from previous run")
	}

	go func() {
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.notify:
			case <-ticker.C:
			}
			if _, err := l.BuildBlock(); err != nil {
				l.logger.Error().Err(err).Msg("Block build failed, submissions remain pending")
			}
		}
	}()
	return nil
}

// EnsureGenesis writes block 0 if the chain is empty.
func (l *Ledger) EnsureGenesis() error {
	var count int64
	if err := l.db.Model(&Block{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	now := time.Now().UTC()
	genesis := Block{
		Height:       0,
		PreviousHash: GenesisPreviousHash,
		MerkleRoot:   merkle.EmptyRootHex,
		CreatedAt:    now,
	}
	genesis.BlockHash = computeBlockHash(genesis.Height, genesis.PreviousHash, genesis.MerkleRoot, now)
	if err := l.db.Create(&genesis).Error; err != nil {
		return err
	}
	l.logger.Info().Str("hash", genesis.BlockHash).Msg("Genesis block created")
	return nil
}

// BuildBlock runs one produce cycle: claim all pending submissions, build
// and commit the next block, mark the claims accepted. Returns (nil, nil)
// when there was nothing to commit. On any commit failure the claims are
// released and the head does not advance.
func (l *Ledger) BuildBlock() (*Block, error) {
	l.buildMu.Lock()
	defer l.buildMu.Unlock()

	claimed, token, err := l.claimPending()
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	block, err := l.commit(claimed)
	if err != nil {
		if relErr := l.releaseClaims(token); relErr != nil {
			l.logger.Error().Err(relErr).Msg("Failed to release claims after aborted commit")
		}
		return nil, err
	}
	l.logger.Info().
		Int64("height", block.Height).
		Str("hash", block.BlockHash).
		Int("submissions", block.SubmissionCount).
		Msg("Block committed")
	return block, nil
}

// claimPending atomically stamps every unclaimed pending submission with a
// fresh claim token and returns them in claim order.
func (l *Ledger) claimPending() ([]Submission, string, error) {
	token := xid.New().String()
	now := time.Now().UTC()

	res := l.db.Model(&Submission{}).
		Where("status = ? AND claim_token IS NULL", StatusPending).
		Updates(map[string]interface{}{"claim_token": token, "claimed_at": now})
	if res.Error != nil {
		return nil, "", res.Error
	}
	if res.RowsAffected == 0 {
		return nil, token, nil
	}

	var claimed []Submission
	if err := l.db.Where("claim_token = ?", token).Order("id asc").Find(&claimed).Error; err != nil {
		if relErr := l.releaseClaims(token); relErr != nil {
			l.logger.Error().Err(relErr).Msg("Failed to release claims after fetch error")
		}
		return nil, "", err
	}
	return claimed, token, nil
}

func (l *Ledger) releaseClaims(token string) error {
	return l.db.Model(&Submission{}).
		Where("claim_token = ?", token).
		Updates(map[string]interface{}{"claim_token": nil, "claimed_at": nil}).Error
}

// commit writes the block and flips the claimed submissions to Accepted in
// one transaction. Either both land or neither does.
func (l *Ledger) commit(claimed []Submission) (*Block, error) {
	digests := make([]string, len(claimed))
	for i, sub := range claimed {
		digests[i] = sub.Digest
	}
	root, err := merkle.RootHex(digests)
	if err != nil {
		return nil, fmt.Errorf("merkle root: %w", err)
	}

	head, err := l.Head()
	if err != nil {
		return nil, fmt.Errorf("read head: %w", err)
	}

	now := time.Now().UTC()
	block := Block{
		Height:          head.Height + 1,
		PreviousHash:    head.BlockHash,
		MerkleRoot:      root,
		SubmissionCount: len(claimed),
		CreatedAt:       now,
	}
	block.BlockHash = computeBlockHash(block.Height, block.PreviousHash, block.MerkleRoot, now)

	err = l.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&block).Error; err != nil {
			return err
		}
		if l.beforeCommit != nil {
			if err := l.beforeCommit(tx); err != nil {
				return err
			}
		}
		for i := range claimed {
			position := i
			if err := tx.Model(&Submission{}).
				Where("id = ?", claimed[i].ID).
				Updates(map[string]interface{}{
					"status":         StatusAccepted,
					"block_height":   block.Height,
					"block_position": position,
					"claim_token":    nil,
					"claimed_at":     nil,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &block, nil
}

// ReleaseStaleClaims frees submissions whose claim outlived the lease,
// typically after a crash mid-build.
func (l *Ledger) ReleaseStaleClaims() (int64, error) {
	cutoff := time.Now().UTC().Add(-l.lease)
	res := l.db.Model(&Submission{}).
		Where("status = ? AND claimed_at IS NOT NULL AND claimed_at < ?", StatusPending, cutoff).
		Updates(map[string]interface{}{"claim_token": nil, "claimed_at": nil})
	return res.RowsAffected, res.Error
}

// Head returns the highest committed block.
func (l *Ledger) Head() (*Block, error) {
	var block Block
	if err := l.db.Order("height desc").First(&block).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBlockNotFound
		}
		return nil, err
	}
	return &block, nil
}

// BlockByHeight is a point lookup.
func (l *Ledger) BlockByHeight(height int64) (*Block, error) {
	var block Block
	if err := l.db.Where("height = ?", height).First(&block).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBlockNotFound
		}
		return nil, err
	}
	return &block, nil
}

// RecentBlocks lists up to limit blocks, newest first.
func (l *Ledger) RecentBlocks(limit int) ([]Block, error) {
	if limit <= 0 {
		limit = 10
	}
	var blocks []Block
	if err := l.db.Order("height desc").Limit(limit).Find(&blocks).Error; err != nil {
		return nil, err
	}
	return blocks, nil
}

// BlockSubmissions returns a committed block's submissions in claim order.
func (l *Ledger) BlockSubmissions(height int64) ([]Submission, error) {
	var subs []Submission
	err := l.db.Where("block_height = ?", height).Order("block_position asc").Find(&subs).Error
	return subs, err
}

// PendingCount counts submissions not yet folded into a block.
func (l *Ledger) PendingCount() (int64, error) {
	var count int64
	err := l.db.Model(&Submission{}).Where("status = ?", StatusPending).Count(&count).Error
	return count, err
}

// computeBlockHash binds a block's position, parent, content, and time into
// its identity.
func computeBlockHash(height int64, previousHash, merkleRoot string, createdAt time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s|%d", height, previousHash, merkleRoot, createdAt.UnixMilli())))
	return hex.EncodeToString(sum[:])
}

// VerifyChain walks the committed chain and checks parent linkage and
// merkle consistency against the stored submissions. Operator tool, also
// exercised heavily in tests.
func (l *Ledger) VerifyChain() error {
	var blocks []Block
	if err := l.db.Order("height asc").Find(&blocks).Error; err != nil {
		return err
	}
	for i, block := range blocks {
		if block.Height != int64(i) {
			return fmt.Errorf("height gap: block %d at position %d", block.Height, i)
		}
		if i == 0 {
			if block.PreviousHash != GenesisPreviousHash {
				return fmt.Errorf("genesis previous_hash = %s, want sentinel", block.PreviousHash)
			}
		} else if block.PreviousHash != blocks[i-1].BlockHash {
			return fmt.Errorf("broken chain at height %d", block.Height)
		}

		if block.SubmissionCount == 0 {
			continue
		}
		subs, err := l.BlockSubmissions(block.Height)
		if err != nil {
			return err
		}
		digests := make([]string, len(subs))
		for j, sub := range subs {
			digests[j] = sub.Digest
		}
		root, err := merkle.RootHex(digests)
		if err != nil {
			return err
		}
		if root != block.MerkleRoot {
			return fmt.Errorf("merkle mismatch at height %d", block.Height)
		}
	}
	return nil
}
