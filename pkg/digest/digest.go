// Package digest derives the content-addressed submission ID. The digest is
// the submission's identity: two devices (or one device retrying) that hash
// the same input at the same timestamp produce the same ID, which is what
// makes resubmission idempotent at the gateway.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Size is the digest length in bytes.
const Size = sha256.Size

// Compute hashes input bound to the producing device and timestamp. The
// input is hex-encoded before concatenation so the field separator cannot
// occur inside it; device IDs must not contain '|'.
func Compute(input []byte, deviceID string, unixMilli int64) []byte {
	var b strings.Builder
	b.WriteString(hex.EncodeToString(input))
	b.WriteByte('|')
	b.WriteString(deviceID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(unixMilli, 10))
	sum := sha256.Sum256([]byte(b.String()))
	return sum[:]
}

// ComputeHex is Compute with hex output, the wire encoding.
func ComputeHex(input []byte, deviceID string, unixMilli int64) string {
	return hex.EncodeToString(Compute(input, deviceID, unixMilli))
}

// Valid reports whether s parses as a hex digest of the expected length.
func Valid(s string) bool {
	raw, err := hex.DecodeString(s)
	return err == nil && len(raw) == Size
}
