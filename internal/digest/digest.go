// Package digest turns face descriptors into one-way SHA-256 evidence strings.
//
// Encoding: every element is written as an IEEE-754 float32 in little-endian
// order, back to back, with no header. The SHA-256 of that byte string is
// returned as 64 lowercase hex characters. There is no decode path.
package digest

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/andresmejia3/facegate/internal/types"
)

// Sentinel is shown in place of a digest when hashing fails for a frame.
const Sentinel = "SHA256_ERROR"

// PrefixLen is the number of hex characters shown on the display channel.
const PrefixLen = 12

// ErrShapeMismatch is returned when a descriptor does not have the expected length.
var ErrShapeMismatch = errors.New("digest input shape mismatch")

// Digester hashes descriptors of a fixed dimension.
type Digester struct {
	Dim int
}

// New returns a Digester for descriptors of length dim.
func New(dim int) *Digester {
	return &Digester{Dim: dim}
}

// Digest returns the hex SHA-256 of the descriptor's canonical byte encoding.
// A descriptor of any other length than Dim is rejected, never truncated or padded.
func (d *Digester) Digest(desc types.Descriptor) (string, error) {
	if len(desc) != d.Dim {
		return "", fmt.Errorf("%w: got %d elements, want %d", ErrShapeMismatch, len(desc), d.Dim)
	}

	buf := make([]byte, 4*len(desc))
	for i, v := range desc {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

// Prefix returns the first n characters of a digest (or the whole string if shorter).
func Prefix(hexDigest string, n int) string {
	if len(hexDigest) <= n {
		return hexDigest
	}
	return hexDigest[:n]
}
