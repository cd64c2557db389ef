// Package amplify compresses a reconciled key into a shorter final
// key, washing out any partial knowledge an eavesdropper may have
// gathered from the parity exchange during reconciliation.
//
// Amplification is a deterministic hash chain: both parties feed the
// same public seed and their identical reconciled keys through
// SHA-256 with an incrementing counter and truncate the concatenated
// digests to the requested length. Only the seed is ever transmitted.
package amplify

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// SeedSize is the length in bytes of a generated amplification seed.
const SeedSize = 32

// MinOutputLength is the smallest final key DefaultOutputLength will
// suggest.
const MinOutputLength = 16

// ErrNoKeyMaterial is returned when the reconciled key is empty.
var ErrNoKeyMaterial = errors.New("no key material to amplify")

// DefaultOutputLength returns the conventional final key length for a
// reconciled key of rawLen bytes: half the input, but never less than
// MinOutputLength.
func DefaultOutputLength(rawLen int) int {
	half := rawLen / 2
	if half < MinOutputLength {
		return MinOutputLength
	}
	return half
}

// NewSeed generates a random amplification seed.
func NewSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generating amplification seed: %w", err)
	}
	return seed, nil
}

// Amplify derives a final key of outputLength bytes from the
// reconciled key and the shared seed. The derivation is a SHA-256
// chain over seed, key and a big-endian 32-bit block counter, so both
// parties obtain identical output from identical inputs.
func Amplify(rawKey []byte, outputLength int, seed []byte) ([]byte, error) {
	if len(rawKey) == 0 {
		return nil, ErrNoKeyMaterial
	}
	if outputLength <= 0 {
		return nil, fmt.Errorf("output length must be positive, got %d", outputLength)
	}
	if len(seed) == 0 {
		return nil, errors.New("amplification seed is empty")
	}

	out := make([]byte, 0, outputLength+sha256.Size)
	var counter [4]byte

	for block := uint32(0); len(out) < outputLength; block++ {
		binary.BigEndian.PutUint32(counter[:], block)

		h := sha256.New()
		h.Write(seed)
		h.Write(rawKey)
		h.Write(counter[:])
		out = h.Sum(out)
	}

	return out[:outputLength], nil
}
