package main

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/proofwork/ledger/pkg/digest"
	"github.com/proofwork/ledger/pkg/merkle"
)

func newLedgerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ledger-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Device{}, &Submission{}, &Block{}))
	return db
}

func newTestLedger(t *testing.T, db *gorm.DB) *Ledger {
	t.Helper()
	ledger := NewLedger(db, time.Second, time.Minute, zerolog.Nop())
	require.NoError(t, ledger.EnsureGenesis())
	return ledger
}

func seedPending(t *testing.T, db *gorm.DB, deviceID string, n int) []Submission {
	t.Helper()
	subs := make([]Submission, n)
	for i := range subs {
		subs[i] = Submission{
			Digest:          digest.ComputeHex([]byte(fmt.Sprintf("input-%d", i)), deviceID, int64(i+1)),
			DeviceID:        deviceID,
			Signature:       fmt.Sprintf("sig-%d", i),
			ClientTimestamp: int64(i + 1),
			ReceivedAt:      time.Now().UTC(),
			Status:          StatusPending,
		}
		require.NoError(t, db.Create(&subs[i]).Error)
	}
	return subs
}

func TestEnsureGenesis_WritesSentinelBlock(t *testing.T) {
	db := newLedgerTestDB(t)
	ledger := newTestLedger(t, db)

	head, err := ledger.Head()
	require.NoError(t, err)
	require.EqualValues(t, 0, head.Height)
	require.Equal(t, GenesisPreviousHash, head.PreviousHash)
	require.Equal(t, merkle.EmptyRootHex, head.MerkleRoot)

	// Idempotent.
	require.NoError(t, ledger.EnsureGenesis())
	var count int64
	require.NoError(t, db.Model(&Block{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestBuildBlock_CommitsPendingInClaimOrder(t *testing.T) {
	db := newLedgerTestDB(t)
	ledger := newTestLedger(t, db)
	seeded := seedPending(t, db, "device-1", 3)

	block, err := ledger.BuildBlock()
	require.NoError(t, err)
	require.NotNil(t, block)
	require.EqualValues(t, 1, block.Height)
	require.Equal(t, 3, block.SubmissionCount)

	genesis, err := ledger.BlockByHeight(0)
	require.NoError(t, err)
	require.Equal(t, genesis.BlockHash, block.PreviousHash)

	digests := make([]string, len(seeded))
	for i, sub := range seeded {
		digests[i] = sub.Digest
	}
	root, err := merkle.RootHex(digests)
	require.NoError(t, err)
	require.Equal(t, root, block.MerkleRoot)

	committed, err := ledger.BlockSubmissions(block.Height)
	require.NoError(t, err)
	require.Len(t, committed, 3)
	for i, sub := range committed {
		require.Equal(t, seeded[i].Digest, sub.Digest, "claim order must match insertion order")
		require.Equal(t, StatusAccepted, sub.Status)
		require.NotNil(t, sub.BlockPosition)
		require.Equal(t, i, *sub.BlockPosition)
		require.Nil(t, sub.ClaimToken)
		require.Nil(t, sub.ClaimedAt)
	}

	pending, err := ledger.PendingCount()
	require.NoError(t, err)
	require.EqualValues(t, 0, pending)
}

func TestBuildBlock_EmptyCycleProducesNoBlock(t *testing.T) {
	db := newLedgerTestDB(t)
	ledger := newTestLedger(t, db)

	block, err := ledger.BuildBlock()
	require.NoError(t, err)
	require.Nil(t, block)

	head, err := ledger.Head()
	require.NoError(t, err)
	require.EqualValues(t, 0, head.Height)
}

func TestBuildBlock_FailedCommitReleasesClaims(t *testing.T) {
	db := newLedgerTestDB(t)
	ledger := newTestLedger(t, db)
	seedPending(t, db, "device-1", 2)

	ledger.beforeCommit = func(tx *gorm.DB) error {
		return fmt.Errorf("injected storage failure")
	}

	_, err := ledger.BuildBlock()
	require.Error(t, err)

	// Head unchanged, submissions back to claimable pending.
	head, headErr := ledger.Head()
	require.NoError(t, headErr)
	require.EqualValues(t, 0, head.Height)

	var subs []Submission
	require.NoError(t, db.Find(&subs).Error)
	for _, sub := range subs {
		require.Equal(t, StatusPending, sub.Status)
		require.Nil(t, sub.ClaimToken)
		require.Nil(t, sub.BlockHeight)
	}

	// The next healthy cycle picks them up.
	ledger.beforeCommit = nil
	block, err := ledger.BuildBlock()
	require.NoError(t, err)
	require.NotNil(t, block)
	require.EqualValues(t, 1, block.Height)
	require.Equal(t, 2, block.SubmissionCount)
}

func TestBuildBlock_ChainVerifiesAcrossCycles(t *testing.T) {
	db := newLedgerTestDB(t)
	ledger := newTestLedger(t, db)

	for cycle := 0; cycle < 4; cycle++ {
		seedPending(t, db, fmt.Sprintf("device-%d", cycle), cycle+1)
		block, err := ledger.BuildBlock()
		require.NoError(t, err)
		require.NotNil(t, block)
		require.EqualValues(t, cycle+1, block.Height)
	}

	require.NoError(t, ledger.VerifyChain())

	// Tampering with a stored digest breaks verification.
	require.NoError(t, db.Model(&Submission{}).
		Where("block_height = ?", 2).
		Where("block_position = ?", 0).
		Update("digest", digest.ComputeHex([]byte("tampered"), "x", 1)).Error)
	require.Error(t, ledger.VerifyChain())
}

func TestBuildBlock_ConcurrentTriggersKeepHeightMonotonic(t *testing.T) {
	db := newLedgerTestDB(t)
	ledger := newTestLedger(t, db)
	seedPending(t, db, "device-1", 10)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.BuildBlock()
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// All ten land in exactly one block; the racing triggers see nothing left.
	head, err := ledger.Head()
	require.NoError(t, err)
	require.EqualValues(t, 1, head.Height)
	require.Equal(t, 10, head.SubmissionCount)
	require.NoError(t, ledger.VerifyChain())
}

func TestReleaseStaleClaims_FreesExpiredLeases(t *testing.T) {
	db := newLedgerTestDB(t)
	ledger := newTestLedger(t, db)
	seedPending(t, db, "device-1", 2)

	// Simulate a crash mid-build: claims held past the lease.
	stale := time.Now().UTC().Add(-2 * time.Minute)
	token := "dead-process-claim"
	require.NoError(t, db.Model(&Submission{}).
		Where("status = ?", StatusPending).
		Updates(map[string]interface{}{"claim_token": token, "claimed_at": stale}).Error)

	released, err := ledger.ReleaseStaleClaims()
	require.NoError(t, err)
	require.EqualValues(t, 2, released)

	block, err := ledger.BuildBlock()
	require.NoError(t, err)
	require.NotNil(t, block)
	require.Equal(t, 2, block.SubmissionCount)
}

func TestReleaseStaleClaims_LeavesFreshClaimsAlone(t *testing.T) {
	db := newLedgerTestDB(t)
	ledger := newTestLedger(t, db)
	seedPending(t, db, "device-1", 1)

	now := time.Now().UTC()
	require.NoError(t, db.Model(&Submission{}).
		Where("status = ?", StatusPending).
		Updates(map[string]interface{}{"claim_token": "live-claim", "claimed_at": now}).Error)

	released, err := ledger.ReleaseStaleClaims()
	require.NoError(t, err)
	require.EqualValues(t, 0, released)
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	rl := NewRateLimiter()
	window := 50 * time.Millisecond

	for i := 0; i < 3; i++ {
		allowed, _ := rl.Allow("key", 3, window)
		require.True(t, allowed, "request %d", i)
	}
	allowed, retryAfter := rl.Allow("key", 3, window)
	require.False(t, allowed)
	require.Greater(t, retryAfter, time.Duration(0))
	require.LessOrEqual(t, retryAfter, window)

	// Independent keys.
	allowed, _ = rl.Allow("other", 3, window)
	require.True(t, allowed)

	// Window expiry resets the budget.
	time.Sleep(window + 10*time.Millisecond)
	allowed, _ = rl.Allow("key", 3, window)
	require.True(t, allowed)

	rl.Prune()
	require.LessOrEqual(t, rl.Stats().Keys, 2)
}
