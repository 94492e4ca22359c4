package main

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/proofwork/ledger/pkg/resource"
	"github.com/proofwork/ledger/pkg/signing"
)

// countingSigner fails every Sign with the unrecoverable key error and
// records how often it was asked.
type countingSigner struct {
	calls int
}

func (s *countingSigner) Sign([]byte) ([]byte, error) {
	s.calls++
	return nil, signing.ErrKeyUnavailable
}

func (s *countingSigner) PublicKey() ed25519.PublicKey { return nil }

// A key that is already unusable when the scheduler starts must stop the
// agent on the first cycle, not after another full interval.
func TestRunSchedulerStopsOnFirstCycleKeyFailure(t *testing.T) {
	snap := eligibleSnapshot()
	client := newTestClient(t, "http://unreachable.invalid", snap)
	signer := &countingSigner{}
	client.signer = signer

	cfg := client.cfg
	cfg.Schedule.IntervalS = 1
	cfg.Schedule.JitterS = 0

	done := make(chan struct{})
	go func() {
		runScheduler(context.Background(), cfg, client, &resource.StaticReader{Snapshot: snap}, "device-test")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("scheduler kept running after unrecoverable signing failure")
	}
	if signer.calls != 1 {
		t.Fatalf("Sign attempted %d times, want 1", signer.calls)
	}
}

// A transient submission failure must not stop the scheduler.
func TestRunSchedulerSurvivesTransientFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	snap := eligibleSnapshot()
	client := newTestClient(t, srv.URL, snap)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := client.cfg
	cfg.Schedule.IntervalS = 60
	cfg.Schedule.JitterS = 0

	done := make(chan struct{})
	go func() {
		runScheduler(ctx, cfg, client, &resource.StaticReader{Snapshot: snap}, "device-test")
		close(done)
	}()

	// The first cycle fails on transport; the scheduler should move on to
	// waiting out the interval rather than exit.
	select {
	case <-done:
		t.Fatal("scheduler stopped on a transient failure")
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("scheduler did not stop on context cancellation")
	}
}
