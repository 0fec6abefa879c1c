// Package sha256 provides the digests used for natural keys and snapshot
// object names.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher produces hex-encoded SHA-256 digests. The zero value is ready to use.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Sum returns the full 64-character hex digest of data.
func (*Hasher) Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Short returns the first n hex characters of the digest, or all of them
// when n is out of range.
func (h *Hasher) Short(data []byte, n int) string {
	full := h.Sum(data)
	if n <= 0 || n > len(full) {
		return full
	}
	return full[:n]
}
