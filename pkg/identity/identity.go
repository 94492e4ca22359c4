package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Identity is the stable device identity: an opaque device ID bound to an
// Ed25519 keypair. Provisioned once, immutable thereafter. The private key
// only ever touches disk through Save, with 0600 permissions.
type Identity struct {
	DeviceID   string             `json:"device_id"`
	PublicKey  ed25519.PublicKey  `json:"-"`
	PrivateKey ed25519.PrivateKey `json:"-"`
}

// Generate provisions a fresh identity with a new keypair.
func Generate(deviceID string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{DeviceID: deviceID, PublicKey: pub, PrivateKey: priv}, nil
}

// Save writes the identity to disk with restricted permissions.
func (i *Identity) Save(path string) error {
	data := map[string]string{
		"device_id":   i.DeviceID,
		"public_key":  base64.StdEncoding.EncodeToString(i.PublicKey),
		"private_key": base64.StdEncoding.EncodeToString(i.PrivateKey),
	}
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, jsonData, 0600)
}

// Load reads a previously provisioned identity from disk.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var stored map[string]string
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}

	pubBytes, err := base64.StdEncoding.DecodeString(stored["public_key"])
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	privBytes, err := base64.StdEncoding.DecodeString(stored["private_key"])
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(pubBytes) != ed25519.PublicKeySize || len(privBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity file %s has malformed key material", path)
	}
	if stored["device_id"] == "" {
		return nil, fmt.Errorf("identity file %s missing device_id", path)
	}

	return &Identity{
		DeviceID:   stored["device_id"],
		PublicKey:  ed25519.PublicKey(pubBytes),
		PrivateKey: ed25519.PrivateKey(privBytes),
	}, nil
}

// PublicKeyB64 returns the base64 wire encoding of the public key.
func (i *Identity) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(i.PublicKey)
}
