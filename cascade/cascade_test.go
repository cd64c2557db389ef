package cascade

import (
	"bytes"
	"errors"
	"testing"

	"github.com/opd-ai/qkd/bitvec"
	"github.com/opd-ai/qkd/reconcile"
)

// flipBits returns a copy of key with the given bit positions
// inverted.
func flipBits(key []byte, positions ...int) []byte {
	out := make([]byte, len(key))
	copy(out, key)
	for _, p := range positions {
		out[p/8] ^= 1 << (p % 8)
	}
	return out
}

func testKey(n int) []byte {
	key := make([]byte, n)
	for i := range key {
		key[i] = byte(i*31 + 7)
	}
	return key
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name      string
		blockSize int
		numPasses int
		wantErr   bool
	}{
		{"defaults", DefaultBlockSize, DefaultNumPasses, false},
		{"minimum", 1, 1, false},
		{"zero block size", 0, 4, true},
		{"negative block size", -8, 4, true},
		{"zero passes", 8, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.blockSize, tt.numPasses)
			if (err != nil) != tt.wantErr {
				t.Errorf("New(%d, %d) error = %v, wantErr %v",
					tt.blockSize, tt.numPasses, err, tt.wantErr)
			}
		})
	}
}

func TestReconcileIdenticalKeys(t *testing.T) {
	engine, err := New(DefaultBlockSize, DefaultNumPasses)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	key := testKey(32)
	result, err := engine.Reconcile(key, key, 0.0)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if !result.Converged {
		t.Error("identical keys should converge")
	}
	if result.ErrorsCorrected != 0 {
		t.Errorf("ErrorsCorrected = %d, want 0", result.ErrorsCorrected)
	}
	if result.RemainingErrors != 0 {
		t.Errorf("RemainingErrors = %d, want 0", result.RemainingErrors)
	}
	if !bytes.Equal(result.CorrectedA, result.CorrectedB) {
		t.Error("corrected keys differ")
	}
}

func TestReconcileSingleError(t *testing.T) {
	engine, _ := New(DefaultBlockSize, DefaultNumPasses)

	keyA := testKey(16)
	keyB := flipBits(keyA, 42)

	result, err := engine.Reconcile(keyA, keyB, 0.01)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if !result.Converged {
		t.Fatal("single error should converge")
	}
	if result.ErrorsCorrected != 1 {
		t.Errorf("ErrorsCorrected = %d, want 1", result.ErrorsCorrected)
	}
	if !bytes.Equal(result.CorrectedB, keyA) {
		t.Error("corrected key does not match the reference")
	}
}

func TestReconcileSpreadErrors(t *testing.T) {
	engine, _ := New(DefaultBlockSize, DefaultNumPasses)

	// Three isolated errors in a 256-bit key, each in its own
	// first-pass block.
	keyA := testKey(32)
	keyB := flipBits(keyA, 10, 100, 200)

	result, err := engine.Reconcile(keyA, keyB, 0.012)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if !result.Converged {
		t.Fatal("spread errors should converge")
	}
	if result.ErrorsCorrected != 3 {
		t.Errorf("ErrorsCorrected = %d, want 3", result.ErrorsCorrected)
	}
	if result.RemainingErrors != 0 {
		t.Errorf("RemainingErrors = %d, want 0", result.RemainingErrors)
	}
	if !bytes.Equal(result.CorrectedA, keyA) {
		t.Error("reference key must not be modified")
	}
	if !bytes.Equal(result.CorrectedB, keyA) {
		t.Error("corrected key does not match the reference")
	}
}

func TestReconcileMaskedPair(t *testing.T) {
	engine, _ := New(DefaultBlockSize, DefaultNumPasses)

	// Bits 3 and 4 disagree inside the same first-pass block, so its
	// parity check passes and the pair survives pass 1. The isolated
	// error at bit 100 keeps the loop alive; pass 2 splits the pair
	// across two 4-bit blocks and corrects both.
	keyA := testKey(16)
	keyB := flipBits(keyA, 3, 4, 100)

	result, err := engine.Reconcile(keyA, keyB, 0.02)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if !result.Converged {
		t.Fatal("masked pair with an isolated companion should converge")
	}
	if result.ErrorsCorrected != 3 {
		t.Errorf("ErrorsCorrected = %d, want 3", result.ErrorsCorrected)
	}
}

func TestReconcileMaskedPairAloneDiverges(t *testing.T) {
	engine, _ := New(DefaultBlockSize, DefaultNumPasses)

	// With the disagreeing pair masking each other and nothing else to
	// correct, pass 1 finds no work and the loop exits early.
	keyA := testKey(16)
	keyB := flipBits(keyA, 0, 1)

	result, err := engine.Reconcile(keyA, keyB, 0.02)
	if !errors.Is(err, reconcile.ErrDivergence) {
		t.Fatalf("error = %v, want ErrDivergence", err)
	}
	if result == nil {
		t.Fatal("best-effort result must accompany ErrDivergence")
	}
	if result.Converged {
		t.Error("Converged = true on divergence")
	}
	if result.RemainingErrors != 2 {
		t.Errorf("RemainingErrors = %d, want 2", result.RemainingErrors)
	}
}

func TestReconcileTruncatesToShorter(t *testing.T) {
	engine, _ := New(DefaultBlockSize, DefaultNumPasses)

	keyA := testKey(4)
	keyB := append(flipBits(keyA, 9), 0xAA, 0xBB)

	result, err := engine.Reconcile(keyA, keyB, 0.03)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if len(result.CorrectedA) != 4 || len(result.CorrectedB) != 4 {
		t.Errorf("corrected lengths = %d, %d, want 4, 4",
			len(result.CorrectedA), len(result.CorrectedB))
	}
	if !result.Converged {
		t.Error("truncated keys should converge")
	}
	if !bytes.Equal(result.CorrectedB, keyA) {
		t.Error("corrected key does not match the reference")
	}
}

func TestReconcileEmptyKey(t *testing.T) {
	engine, _ := New(DefaultBlockSize, DefaultNumPasses)

	if _, err := engine.Reconcile(nil, testKey(8), 0.0); !errors.Is(err, reconcile.ErrEmptyKey) {
		t.Errorf("error = %v, want ErrEmptyKey", err)
	}
	if _, err := engine.Reconcile(testKey(8), []byte{}, 0.0); !errors.Is(err, reconcile.ErrEmptyKey) {
		t.Errorf("error = %v, want ErrEmptyKey", err)
	}
}

func TestReconcileManyIsolatedErrors(t *testing.T) {
	engine, _ := New(DefaultBlockSize, DefaultNumPasses)

	// One error every 16 bits keeps every first-pass block at a single
	// disagreement, which the binary search always isolates.
	keyA := testKey(256)
	positions := make([]int, 0, 128)
	for p := 5; p < 256*8; p += 16 {
		positions = append(positions, p)
	}
	keyB := flipBits(keyA, positions...)

	result, err := engine.Reconcile(keyA, keyB, 0.06)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if !result.Converged {
		t.Fatal("isolated errors should all converge")
	}
	if result.ErrorsCorrected != len(positions) {
		t.Errorf("ErrorsCorrected = %d, want %d", result.ErrorsCorrected, len(positions))
	}
	if diff := bitvec.CountDiff(bitvec.FromBytes(result.CorrectedA), bitvec.FromBytes(result.CorrectedB)); diff != 0 {
		t.Errorf("corrected keys still differ at %d positions", diff)
	}
}
