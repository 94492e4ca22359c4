package config

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/proofwork/ledger/pkg/admission"
)

// PolicyStore hands out the current energy policy and hot-reloads it when
// the backing file changes. Readers get an immutable copy through an atomic
// pointer swap, so an in-flight admission check can never observe a
// half-updated policy.
type PolicyStore struct {
	path    string
	current atomic.Pointer[admission.EnergyPolicy]
	modTime atomic.Int64
}

func NewPolicyStore(path string) (*PolicyStore, error) {
	s := &PolicyStore{path: path}
	policy, err := LoadPolicyFile(path)
	if err != nil {
		return nil, err
	}
	s.current.Store(&policy)
	if info, err := os.Stat(path); err == nil {
		s.modTime.Store(info.ModTime().UnixNano())
	}
	return s, nil
}

// Current returns the active policy. Safe for concurrent use.
func (s *PolicyStore) Current() admission.EnergyPolicy {
	return *s.current.Load()
}

// Reload re-reads the policy file unconditionally.
func (s *PolicyStore) Reload() error {
	policy, err := LoadPolicyFile(s.path)
	if err != nil {
		return err
	}
	s.current.Store(&policy)
	if info, err := os.Stat(s.path); err == nil {
		s.modTime.Store(info.ModTime().UnixNano())
	}
	return nil
}

// Watch polls the file's mtime and reloads on change until ctx is done.
// Reload failures keep the previous policy and are logged, not fatal.
func (s *PolicyStore) Watch(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(s.path)
			if err != nil {
				continue
			}
			if info.ModTime().UnixNano() == s.modTime.Load() {
				continue
			}
			if err := s.Reload(); err != nil {
				logger.Warn().Err(err).Str("path", s.path).Msg("Policy reload failed, keeping previous policy")
				continue
			}
			logger.Info().Str("path", s.path).Msg("Energy policy reloaded")
		}
	}
}
