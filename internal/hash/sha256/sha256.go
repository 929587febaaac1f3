// Package sha256 computes artifact body digests announced with each saved
// artifact, so downstream consumers can verify what they fetch.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Prefix names the algorithm in every digest.
const Prefix = "sha256:"

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns "sha256:" followed by the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:]), nil
}
