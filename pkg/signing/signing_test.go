package signing

import (
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/proofwork/ledger/pkg/identity"
)

func TestMemoryModuleSignVerify(t *testing.T) {
	mod, err := NewMemoryModule()
	if err != nil {
		t.Fatalf("NewMemoryModule() error: %v", err)
	}

	d := sha256.Sum256([]byte("digest"))
	sig, err := mod.Sign(d[:])
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if !Verify(d[:], sig, mod.PublicKey()) {
		t.Fatal("signature did not verify")
	}

	other := sha256.Sum256([]byte("other"))
	if Verify(other[:], sig, mod.PublicKey()) {
		t.Fatal("signature verified against wrong digest")
	}
}

func TestMemoryModuleInvalidate(t *testing.T) {
	mod, err := NewMemoryModule()
	if err != nil {
		t.Fatalf("NewMemoryModule() error: %v", err)
	}
	mod.Invalidate()

	d := sha256.Sum256([]byte("digest"))
	if _, err := mod.Sign(d[:]); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("Sign() after invalidate = %v, want ErrKeyUnavailable", err)
	}
	// The public key stays readable so operators can still identify the
	// device that needs re-provisioning.
	if mod.PublicKey() == nil {
		t.Fatal("public key should survive invalidation")
	}
}

func TestFromIdentity(t *testing.T) {
	id, err := identity.Generate("device-test")
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	mod := FromIdentity(id)

	d := sha256.Sum256([]byte("digest"))
	sig, err := mod.Sign(d[:])
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if !Verify(d[:], sig, id.PublicKey) {
		t.Fatal("identity-backed signature did not verify")
	}
}

func TestFromIdentityMissingKey(t *testing.T) {
	mod := FromIdentity(nil)
	if _, err := mod.Sign([]byte("x")); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("Sign() = %v, want ErrKeyUnavailable", err)
	}
}

func TestVerifyRejectsBadKey(t *testing.T) {
	if Verify([]byte("d"), []byte("sig"), []byte("short-key")) {
		t.Fatal("Verify() accepted a malformed public key")
	}
}
