package identity

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	id, err := Generate("device-roundtrip")
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "keys", "device_key")
	if err := id.Save(path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if loaded.DeviceID != id.DeviceID {
		t.Errorf("DeviceID = %q, want %q", loaded.DeviceID, id.DeviceID)
	}
	if !loaded.PublicKey.Equal(id.PublicKey) {
		t.Error("public key did not round-trip")
	}
	if !loaded.PrivateKey.Equal(id.PrivateKey) {
		t.Error("private key did not round-trip")
	}
}

func TestSaveRestrictsPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}
	id, err := Generate("device-perms")
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "device_key")
	if err := id.Save(path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("key file mode = %o, want 0600", perm)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	dir := t.TempDir()

	cases := map[string]string{
		"not-json":       `{{{`,
		"missing-device": `{"public_key":"", "private_key":""}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, []byte(content), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load() accepted malformed identity file")
			}
		})
	}
}
