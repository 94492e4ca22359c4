// Package signing wraps the device keypair behind an interface that never
// exposes private key material. The production implementation is backed by
// the provisioned identity file; tests use an in-memory module with the same
// no-export guarantee.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"github.com/proofwork/ledger/pkg/identity"
)

// ErrKeyUnavailable means the key was never generated or has been
// invalidated. Callers must treat it as fatal for the current attempt and
// escalate to re-provisioning; retrying cannot succeed.
var ErrKeyUnavailable = errors.New("signing key unavailable")

// Module signs digests with a non-exportable device key.
type Module interface {
	Sign(digest []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// Verify checks a digest signature against a device public key.
func Verify(digest, signature []byte, publicKey ed25519.PublicKey) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, digest, signature)
}

type identityModule struct {
	id *identity.Identity
}

// FromIdentity binds a signing module to a provisioned identity.
func FromIdentity(id *identity.Identity) Module {
	return &identityModule{id: id}
}

func (m *identityModule) Sign(digest []byte) ([]byte, error) {
	if m.id == nil || len(m.id.PrivateKey) != ed25519.PrivateKeySize {
		return nil, ErrKeyUnavailable
	}
	return ed25519.Sign(m.id.PrivateKey, digest), nil
}

func (m *identityModule) PublicKey() ed25519.PublicKey {
	if m.id == nil {
		return nil
	}
	return m.id.PublicKey
}

// MemoryModule holds a keypair in process memory only. Invalidate simulates
// an OS-level credential change dropping the key.
type MemoryModule struct {
	pub         ed25519.PublicKey
	priv        ed25519.PrivateKey
	invalidated bool
}

func NewMemoryModule() (*MemoryModule, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &MemoryModule{pub: pub, priv: priv}, nil
}

func (m *MemoryModule) Sign(digest []byte) ([]byte, error) {
	if m.invalidated || len(m.priv) != ed25519.PrivateKeySize {
		return nil, ErrKeyUnavailable
	}
	return ed25519.Sign(m.priv, digest), nil
}

func (m *MemoryModule) PublicKey() ed25519.PublicKey {
	return m.pub
}

// Invalidate wipes the private key. Subsequent Sign calls fail with
// ErrKeyUnavailable.
func (m *MemoryModule) Invalidate() {
	for i := range m.priv {
		m.priv[i] = 0
	}
	m.priv = nil
	m.invalidated = true
}
