package main

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/proofwork/ledger/pkg/digest"
	"github.com/proofwork/ledger/pkg/signing"
)

type submissionRequest struct {
	DeviceID         string `json:"device_id"`
	PublicKey        string `json:"public_key"`
	Digest           string `json:"digest"`
	Signature        string `json:"signature"`
	AttestationToken string `json:"attestation_token,omitempty"`
	Timestamp        int64  `json:"timestamp"`
}

type submissionReceipt struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
	BlockHeight  *int64 `json:"block_height"`
}

// handleSubmit is the ingestion pipeline. Checks run cheapest-first and in a
// fixed order so a request always fails the same way: credential, structure,
// device pin, rate limit, signature, duplicate, attestation, persist.
func (s *Server) handleSubmit(c *gin.Context) {
	if !s.authorized(c) {
		respondError(c, http.StatusUnauthorized, "missing or invalid ingest token", s.logger)
		return
	}

	var req submissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "malformed request body", s.logger)
		return
	}
	c.Set(requestDeviceContextKey, req.DeviceID)

	pubKey, why := s.validateStructure(&req)
	if why != "" {
		respondError(c, http.StatusBadRequest, why, s.logger)
		return
	}

	device, err := s.registerDevice(req.DeviceID, pubKey)
	if err != nil {
		if errors.Is(err, errPublicKeyMismatch) {
			respondError(c, http.StatusBadRequest, "public key does not match registered device", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "device registration failed", s.logger)
		return
	}

	limit := s.cfg.RateLimit.MaxRequests
	window := time.Duration(s.cfg.RateLimit.WindowS) * time.Second
	if allowed, retryAfter := s.rateLimiter.Allow(req.DeviceID, limit, window); !allowed {
		seconds := int(retryAfter.Seconds()) + 1
		c.Header("Retry-After", strconv.Itoa(seconds))
		respondError(c, http.StatusTooManyRequests, "rate limit exceeded", s.logger)
		return
	}

	digestBytes, _ := hex.DecodeString(req.Digest)
	sigBytes, _ := hex.DecodeString(req.Signature)
	if !signing.Verify(digestBytes, sigBytes, pubKey) {
		respondError(c, http.StatusBadRequest, "signature verification failed", s.logger)
		return
	}

	if done := s.resolveDuplicate(c, &req); done {
		return
	}

	if s.verifier != nil {
		valid, err := s.verifier.Verify(c.Request.Context(), req.DeviceID, req.AttestationToken)
		if err != nil {
			logger := requestLogger(c, s.logger)
			logger.Error().Err(err).Msg("Attestation verifier unreachable")
			respondError(c, http.StatusBadGateway, "attestation service unavailable", s.logger)
			return
		}
		if !valid {
			respondError(c, http.StatusBadRequest, "attestation token rejected", s.logger)
			return
		}
	}

	sub := Submission{
		Digest:           req.Digest,
		DeviceID:         req.DeviceID,
		Signature:        req.Signature,
		AttestationToken: req.AttestationToken,
		ClientTimestamp:  req.Timestamp,
		ReceivedAt:       time.Now().UTC(),
		Status:           StatusPending,
	}
	if err := s.db.Create(&sub).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost a race with an identical concurrent request; re-run
			// the duplicate resolution against the winning row.
			if done := s.resolveDuplicate(c, &req); done {
				return
			}
		}
		logger := requestLogger(c, s.logger)
		logger.Error().Err(err).Msg("Failed to persist submission")
		respondError(c, http.StatusInternalServerError, "storage failure", s.logger)
		return
	}

	s.db.Model(device).Updates(map[string]interface{}{
		"last_seen":   time.Now().UTC(),
		"submissions": gorm.Expr("submissions + 1"),
	})
	s.ledger.Notify()

	acceptLogger := requestLogger(c, s.logger)
	acceptLogger.Info().
		Str("device_id", req.DeviceID).
		Str("digest", req.Digest).
		Msg("Submission accepted for ledger inclusion")
	c.JSON(http.StatusAccepted, submissionReceipt{
		SubmissionID: sub.Digest,
		Status:       StatusPending,
	})
}

func (s *Server) authorized(c *gin.Context) bool {
	if s.cfg.IngestToken == "" {
		return true
	}
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.IngestToken)) == 1
}

// validateStructure checks field shape only. Returns the decoded public key
// and an empty reason on success.
func (s *Server) validateStructure(req *submissionRequest) (ed25519.PublicKey, string) {
	if req.DeviceID == "" {
		return nil, "device_id is required"
	}
	if len(req.DeviceID) > 128 {
		return nil, "device_id too long"
	}
	if !digest.Valid(req.Digest) {
		return nil, "digest must be a hex-encoded sha256 value"
	}
	rawKey, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil || len(rawKey) != ed25519.PublicKeySize {
		return nil, "public_key must be a base64-encoded ed25519 key"
	}
	rawSig, err := hex.DecodeString(req.Signature)
	if err != nil || len(rawSig) != ed25519.SignatureSize {
		return nil, "signature must be a hex-encoded ed25519 signature"
	}
	if req.Timestamp <= 0 {
		return nil, "timestamp is required"
	}
	skew := time.Duration(s.cfg.ClockSkewS) * time.Second
	submitted := time.UnixMilli(req.Timestamp)
	if submitted.After(time.Now().Add(skew)) {
		return nil, "timestamp is too far in the future"
	}
	return ed25519.PublicKey(rawKey), ""
}

var errPublicKeyMismatch = errors.New("public key mismatch")

// registerDevice creates the device row on first contact and pins its public
// key. Later submissions must present the same key.
func (s *Server) registerDevice(deviceID string, pubKey ed25519.PublicKey) (*Device, error) {
	var device Device
	err := s.db.Where("device_id = ?", deviceID).First(&device).Error
	if err == nil {
		if subtle.ConstantTimeCompare(device.PublicKey, pubKey) != 1 {
			return nil, errPublicKeyMismatch
		}
		return &device, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	device = Device{DeviceID: deviceID, PublicKey: pubKey, FirstSeen: now, LastSeen: now}
	if err := s.db.Create(&device).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Concurrent first contact; defer to whichever row won.
			if err := s.db.Where("device_id = ?", deviceID).First(&device).Error; err != nil {
				return nil, err
			}
			if subtle.ConstantTimeCompare(device.PublicKey, pubKey) != 1 {
				return nil, errPublicKeyMismatch
			}
			return &device, nil
		}
		return nil, err
	}
	s.logger.Info().Str("device_id", deviceID).Msg("New device registered on first contact")
	return &device, nil
}

// resolveDuplicate handles a digest that is already on file. A byte-identical
// resubmission is acknowledged with the stored state so clients can retry
// safely; a differing payload for the same digest is a conflict. Returns true
// when it wrote the response.
func (s *Server) resolveDuplicate(c *gin.Context, req *submissionRequest) bool {
	var existing Submission
	err := s.db.Where("digest = ?", req.Digest).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if err != nil {
		logger := requestLogger(c, s.logger)
		logger.Error().Err(err).Msg("Duplicate lookup failed")
		respondError(c, http.StatusInternalServerError, "storage failure", s.logger)
		return true
	}

	same := existing.DeviceID == req.DeviceID &&
		existing.Signature == req.Signature &&
		existing.ClientTimestamp == req.Timestamp
	if !same {
		respondError(c, http.StatusConflict, "digest already recorded with a different payload", s.logger)
		return true
	}
	c.JSON(http.StatusAccepted, submissionReceipt{
		SubmissionID: existing.Digest,
		Status:       existing.Status,
		BlockHeight:  existing.BlockHeight,
	})
	return true
}

func (s *Server) handleStatus(c *gin.Context) {
	status, err := s.statusCache.Get()
	if err != nil {
		respondError(c, http.StatusInternalServerError, "status unavailable", s.logger)
		return
	}
	c.JSON(http.StatusOK, status)
}

type blockView struct {
	Height          int64     `json:"height"`
	BlockHash       string    `json:"block_hash"`
	PreviousHash    string    `json:"previous_hash"`
	MerkleRoot      string    `json:"merkle_root"`
	SubmissionCount int       `json:"submission_count"`
	CreatedAt       time.Time `json:"created_at"`
	Submissions     []string  `json:"submissions,omitempty"`
}

func newBlockView(b *Block) blockView {
	return blockView{
		Height:          b.Height,
		BlockHash:       b.BlockHash,
		PreviousHash:    b.PreviousHash,
		MerkleRoot:      b.MerkleRoot,
		SubmissionCount: b.SubmissionCount,
		CreatedAt:       b.CreatedAt,
	}
}

// handleBlocks serves ?height=N for a point lookup (with member digests) and
// ?limit=K for a newest-first listing.
func (s *Server) handleBlocks(c *gin.Context) {
	if raw := c.Query("height"); raw != "" {
		height, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || height < 0 {
			respondError(c, http.StatusBadRequest, "height must be a non-negative integer", s.logger)
			return
		}
		block, err := s.ledger.BlockByHeight(height)
		if errors.Is(err, ErrBlockNotFound) {
			respondError(c, http.StatusNotFound, fmt.Sprintf("no block at height %d", height), s.logger)
			return
		}
		if err != nil {
			respondError(c, http.StatusInternalServerError, "storage failure", s.logger)
			return
		}
		view := newBlockView(block)
		subs, err := s.ledger.BlockSubmissions(height)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "storage failure", s.logger)
			return
		}
		for _, sub := range subs {
			view.Submissions = append(view.Submissions, sub.Digest)
		}
		c.JSON(http.StatusOK, view)
		return
	}

	limit := 10
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 100 {
			respondError(c, http.StatusBadRequest, "limit must be between 1 and 100", s.logger)
			return
		}
		limit = parsed
	}
	blocks, err := s.ledger.RecentBlocks(limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "storage failure", s.logger)
		return
	}
	views := make([]blockView, len(blocks))
	for i := range blocks {
		views[i] = newBlockView(&blocks[i])
	}
	c.JSON(http.StatusOK, gin.H{"blocks": views})
}

type deviceView struct {
	DeviceID    string    `json:"device_id"`
	PublicKey   string    `json:"public_key"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Submissions int64     `json:"submissions"`
}

func newDeviceView(d *Device) deviceView {
	return deviceView{
		DeviceID:    d.DeviceID,
		PublicKey:   base64.StdEncoding.EncodeToString(d.PublicKey),
		FirstSeen:   d.FirstSeen,
		LastSeen:    d.LastSeen,
		Submissions: d.Submissions,
	}
}

func (s *Server) handleDevices(c *gin.Context) {
	var devices []Device
	if err := s.db.Order("last_seen desc").Limit(100).Find(&devices).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "storage failure", s.logger)
		return
	}
	views := make([]deviceView, len(devices))
	for i := range devices {
		views[i] = newDeviceView(&devices[i])
	}
	c.JSON(http.StatusOK, gin.H{"devices": views})
}

type submissionView struct {
	Digest      string    `json:"digest"`
	Status      string    `json:"status"`
	BlockHeight *int64    `json:"block_height"`
	ReceivedAt  time.Time `json:"received_at"`
}

// handleDevice returns one device plus its most recent submissions.
func (s *Server) handleDevice(c *gin.Context) {
	deviceID := c.Param("id")
	var device Device
	if err := s.db.Where("device_id = ?", deviceID).First(&device).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(c, http.StatusNotFound, "unknown device", s.logger)
			return
		}
		respondError(c, http.StatusInternalServerError, "storage failure", s.logger)
		return
	}

	var recent []Submission
	if err := s.db.Where("device_id = ?", deviceID).
		Order("id desc").Limit(s.cfg.Status.RecentDigests).
		Find(&recent).Error; err != nil {
		respondError(c, http.StatusInternalServerError, "storage failure", s.logger)
		return
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

	c.JSON(http.StatusOK, gin.H{
		"device":      newDeviceView(&device),
		"submissions": views,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.Ping()
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
