package amplify

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"
)

func TestAmplifyDeterministic(t *testing.T) {
	key := []byte("reconciled key material bytes")
	seed := bytes.Repeat([]byte{0x42}, SeedSize)

	first, err := Amplify(key, 32, seed)
	if err != nil {
		t.Fatalf("Amplify failed: %v", err)
	}
	second, err := Amplify(key, 32, seed)
	if err != nil {
		t.Fatalf("Amplify failed: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Error("identical inputs produced different final keys")
	}
}

func TestAmplifyChainStructure(t *testing.T) {
	key := []byte{0x01, 0x02, 0x03, 0x04}
	seed := bytes.Repeat([]byte{0xAB}, SeedSize)

	// The first digest of the chain is SHA-256 over seed, key and a
	// zero counter; the second increments the counter.
	h := sha256.New()
	h.Write(seed)
	h.Write(key)
	h.Write([]byte{0, 0, 0, 0})
	block0 := h.Sum(nil)

	h = sha256.New()
	h.Write(seed)
	h.Write(key)
	h.Write([]byte{0, 0, 0, 1})
	block1 := h.Sum(nil)

	out, err := Amplify(key, 48, seed)
	if err != nil {
		t.Fatalf("Amplify failed: %v", err)
	}

	if !bytes.Equal(out[:32], block0) {
		t.Error("first chain block mismatch")
	}
	if !bytes.Equal(out[32:], block1[:16]) {
		t.Error("second chain block mismatch")
	}
}

func TestAmplifyOutputLengths(t *testing.T) {
	key := bytes.Repeat([]byte{0x5A}, 64)
	seed := bytes.Repeat([]byte{0x01}, SeedSize)

	for _, length := range []int{1, 16, 31, 32, 33, 64, 100} {
		out, err := Amplify(key, length, seed)
		if err != nil {
			t.Fatalf("Amplify(length=%d) failed: %v", length, err)
		}
		if len(out) != length {
			t.Errorf("output length = %d, want %d", len(out), length)
		}
	}
}

func TestAmplifySensitivity(t *testing.T) {
	seed := bytes.Repeat([]byte{0x77}, SeedSize)
	key := bytes.Repeat([]byte{0x10}, 32)

	base, err := Amplify(key, 32, seed)
	if err != nil {
		t.Fatalf("Amplify failed: %v", err)
	}

	flipped := bytes.Repeat([]byte{0x10}, 32)
	flipped[7] ^= 0x01
	changedKey, err := Amplify(flipped, 32, seed)
	if err != nil {
		t.Fatalf("Amplify failed: %v", err)
	}
	if bytes.Equal(base, changedKey) {
		t.Error("flipping a key bit did not change the final key")
	}

	otherSeed := bytes.Repeat([]byte{0x78}, SeedSize)
	changedSeed, err := Amplify(key, 32, otherSeed)
	if err != nil {
		t.Fatalf("Amplify failed: %v", err)
	}
	if bytes.Equal(base, changedSeed) {
		t.Error("changing the seed did not change the final key")
	}
}

func TestAmplifyValidation(t *testing.T) {
	seed := bytes.Repeat([]byte{0x01}, SeedSize)

	if _, err := Amplify(nil, 16, seed); !errors.Is(err, ErrNoKeyMaterial) {
		t.Errorf("empty key error = %v, want ErrNoKeyMaterial", err)
	}
	if _, err := Amplify([]byte{1}, 0, seed); err == nil {
		t.Error("zero output length should be rejected")
	}
	if _, err := Amplify([]byte{1}, -5, seed); err == nil {
		t.Error("negative output length should be rejected")
	}
	if _, err := Amplify([]byte{1}, 16, nil); err == nil {
		t.Error("empty seed should be rejected")
	}
}

func TestDefaultOutputLength(t *testing.T) {
	tests := []struct {
		rawLen int
		want   int
	}{
		{0, MinOutputLength},
		{16, MinOutputLength},
		{31, MinOutputLength},
		{32, MinOutputLength},
		{64, 32},
		{100, 50},
	}

	for _, tt := range tests {
		if got := DefaultOutputLength(tt.rawLen); got != tt.want {
			t.Errorf("DefaultOutputLength(%d) = %d, want %d", tt.rawLen, got, tt.want)
		}
	}
}

func TestNewSeed(t *testing.T) {
	a, err := NewSeed()
	if err != nil {
		t.Fatalf("NewSeed failed: %v", err)
	}
	b, err := NewSeed()
	if err != nil {
		t.Fatalf("NewSeed failed: %v", err)
	}

	if len(a) != SeedSize {
		t.Errorf("seed length = %d, want %d", len(a), SeedSize)
	}
	if bytes.Equal(a, b) {
		t.Error("two generated seeds are identical")
	}
}

func BenchmarkAmplify(b *testing.B) {
	key := bytes.Repeat([]byte{0x5A}, 64)
	seed := bytes.Repeat([]byte{0x42}, SeedSize)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Amplify(key, 32, seed); err != nil {
			b.Fatal(err)
		}
	}
}
