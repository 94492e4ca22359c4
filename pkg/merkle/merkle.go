// Package merkle computes the per-block merkle root over submission digests.
// The root is a deterministic function of the digests in claim order, so any
// reader can refetch a block's submissions and recompute it.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// EmptyRootHex is the root of a block with no leaves: SHA-256 of nothing.
// Only the genesis block carries it.
var EmptyRootHex = func() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}()

// Root folds the leaves pairwise until one node remains. Leaves are hashed
// once on entry so interior nodes can never be confused with leaves. An odd
// node at any level is paired with itself.
func Root(leaves [][]byte) []byte {
	if len(leaves) == 0 {
		sum := sha256.Sum256(nil)
		return sum[:]
	}

	level := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		sum := sha256.Sum256(leaf)
		level[i] = sum[:]
	}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			sum := sha256.Sum256(append(append([]byte{}, left...), right...))
			next = append(next, sum[:])
		}
		level = next
	}
	return level[0]
}

// RootHex computes the root over hex-encoded digests, the form submissions
// carry on the wire and in storage.
func RootHex(digests []string) (string, error) {
	leaves := make([][]byte, len(digests))
	for i, d := range digests {
		raw, err := hex.DecodeString(d)
		if err != nil {
			return "", fmt.Errorf("leaf %d is not hex: %w", i, err)
		}
		leaves[i] = raw
	}
	return hex.EncodeToString(Root(leaves)), nil
}
