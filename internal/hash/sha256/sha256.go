// Package sha256 derives content-addressed keys for cold storage objects.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements render.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Sum(data), nil
}

// Sum returns the lowercase hex SHA-256 digest of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
