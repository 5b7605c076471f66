// Package sha256 derives stable identifiers from SHA-256 digests.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher produces hex digests truncated to Length characters.
type Hasher struct {
	Length int
}

// New returns a Hasher. A length <= 0 or > 64 keeps the full digest.
func New(length int) *Hasher {
	if length <= 0 || length > sha256.Size*2 {
		length = sha256.Size * 2
	}
	return &Hasher{Length: length}
}

// Hash returns the (possibly truncated) hex digest of data.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:h.Length]
}

// HashParts hashes parts separated by a NUL byte so ("ab","c") and ("a","bc")
// differ.
func (h *Hasher) HashParts(parts ...string) string {
	d := sha256.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = d.Write([]byte{0})
		}
		_, _ = d.Write([]byte(p))
	}
	return hex.EncodeToString(d.Sum(nil))[:h.Length]
}
