package main

import "time"

// Submission lifecycle states. A submission is created Pending and moves to
// Accepted exactly once, at block-commit time. Rows are never deleted; they
// are the audit trail.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// Device caches the identity of a submitting device, registered on first
// contact. The public key pins all later submissions from that device_id.
type Device struct {
	ID          uint   `gorm:"primaryKey"`
	DeviceID    string `gorm:"uniqueIndex"`
	PublicKey   []byte
	FirstSeen   time.Time
	LastSeen    time.Time
	Submissions int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Submission is a validated proof submission. Digest doubles as the
// submission ID: the unique index is the atomic duplicate check, so two
// concurrent requests for the same digest cannot both insert.
type Submission struct {
	ID               uint   `gorm:"primaryKey"`
	Digest           string `gorm:"uniqueIndex"`
	DeviceID         string `gorm:"index"`
	Signature        string
	AttestationToken string
	ClientTimestamp  int64
	ReceivedAt       time.Time
	Status           string `gorm:"index"`
	BlockHeight      *int64 `gorm:"index"`
	BlockPosition    *int
	ClaimedAt        *time.Time `gorm:"index"`
	ClaimToken       *string    `gorm:"index"`
}

// Block is one link of the hash chain. Submission membership and order are
// recorded on the Submission rows (BlockHeight, BlockPosition), committed in
// the same transaction as the block itself.
type Block struct {
	ID              uint  `gorm:"primaryKey"`
	Height          int64 `gorm:"uniqueIndex"`
	BlockHash       string
	PreviousHash    string
	MerkleRoot      string
	SubmissionCount int
	CreatedAt       time.Time
}

// AccessLogEntry records one gateway request, successful or not. Written
// off the response path by the buffered access recorder.
type AccessLogEntry struct {
	ID        uint `gorm:"primaryKey"`
	Endpoint  string
	Method    string
	Outcome   int
	DeviceID  string
	RequestID string
	CreatedAt time.Time `gorm:"index"`
}
