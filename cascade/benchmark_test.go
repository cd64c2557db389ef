package cascade

import (
	"testing"
)

// BenchmarkReconcileCleanKeys measures the no-correction fast path.
func BenchmarkReconcileCleanKeys(b *testing.B) {
	engine, err := New(DefaultBlockSize, DefaultNumPasses)
	if err != nil {
		b.Fatal(err)
	}
	key := testKey(256)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.Reconcile(key, key, 0.0); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkReconcileIsolatedErrors measures reconciliation of a
// 2048-bit key pair with one disagreement every 16 bits.
func BenchmarkReconcileIsolatedErrors(b *testing.B) {
	engine, err := New(DefaultBlockSize, DefaultNumPasses)
	if err != nil {
		b.Fatal(err)
	}

	keyA := testKey(256)
	positions := make([]int, 0, 128)
	for p := 5; p < 256*8; p += 16 {
		positions = append(positions, p)
	}
	keyB := flipBits(keyA, positions...)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.Reconcile(keyA, keyB, 0.06); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkReconcileSparseErrors measures the common case of a few
// errors in a large key.
func BenchmarkReconcileSparseErrors(b *testing.B) {
	engine, err := New(DefaultBlockSize, DefaultNumPasses)
	if err != nil {
		b.Fatal(err)
	}

	keyA := testKey(1024)
	keyB := flipBits(keyA, 100, 2000, 5000, 8000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.Reconcile(keyA, keyB, 0.001); err != nil {
			b.Fatal(err)
		}
	}
}
