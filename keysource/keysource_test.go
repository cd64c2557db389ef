package keysource

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opd-ai/qkd/bitvec"
)

func TestSimulatedSourceGenerate(t *testing.T) {
	source := NewSimulatedSource(32)

	first, err := source.Generate(context.Background(), 100, false)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	second, err := source.Generate(context.Background(), 100, false)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(first.Bytes) != 32 {
		t.Errorf("key length = %d, want 32", len(first.Bytes))
	}
	if first.SourceID != "simulator" {
		t.Errorf("SourceID = %q, want simulator", first.SourceID)
	}
	if first.Fidelity != DefaultFidelity {
		t.Errorf("Fidelity = %v, want %v", first.Fidelity, DefaultFidelity)
	}
	if bytes.Equal(first.Bytes, second.Bytes) {
		t.Error("two independent generations produced identical keys")
	}
}

func TestSimulatedSourceInvalidLength(t *testing.T) {
	source := &SimulatedSource{KeyLength: 0}

	if _, err := source.Generate(context.Background(), 1, false); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("error = %v, want ErrSourceUnavailable", err)
	}
}

func TestSimulatedSourceHardwareFallback(t *testing.T) {
	source := NewSimulatedSource(16)

	// Hardware is never available in the simulator; the call must
	// still succeed.
	raw, err := source.Generate(context.Background(), 10, true)
	if err != nil {
		t.Fatalf("Generate with hardware request failed: %v", err)
	}
	if raw.SourceID != "simulator" {
		t.Errorf("SourceID = %q, want simulator", raw.SourceID)
	}
}

func TestSimulatedSourceCancellation(t *testing.T) {
	source := NewSimulatedSource(16)
	source.Delay = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := source.Generate(ctx, 1, false)
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("error = %v, want ErrSourceUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancelled Generate took %v", elapsed)
	}
}

func TestSimulatedSourceTimeout(t *testing.T) {
	source := NewSimulatedSource(16)
	source.Delay = 5 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := source.Generate(ctx, 1, false); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("error = %v, want ErrSourceUnavailable", err)
	}
}

func TestPairedSourceDisagreement(t *testing.T) {
	source := NewPairedSource(32, 3)

	first, err := source.Generate(context.Background(), 100, false)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	second, err := source.Generate(context.Background(), 100, false)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	diff := bitvec.CountDiff(bitvec.FromBytes(first.Bytes), bitvec.FromBytes(second.Bytes))
	if diff != 3 {
		t.Errorf("halves disagree at %d positions, want 3", diff)
	}

	wantFidelity := 1.0 - 3.0/256.0
	if second.Fidelity != wantFidelity {
		t.Errorf("Fidelity = %v, want %v", second.Fidelity, wantFidelity)
	}
}

func TestPairedSourceZeroFlips(t *testing.T) {
	source := NewPairedSource(16, 0)

	first, _ := source.Generate(context.Background(), 1, false)
	second, err := source.Generate(context.Background(), 1, false)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if !bytes.Equal(first.Bytes, second.Bytes) {
		t.Error("zero-flip halves should be identical")
	}
}

func TestPairedSourceNewRound(t *testing.T) {
	source := NewPairedSource(16, 1)

	first, _ := source.Generate(context.Background(), 1, false)
	if _, err := source.Generate(context.Background(), 1, false); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	third, err := source.Generate(context.Background(), 1, false)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	// A fresh round draws fresh material.
	if bytes.Equal(first.Bytes, third.Bytes) {
		t.Error("new round reused the previous reference key")
	}
}

func TestPairedSourceExcessiveFlips(t *testing.T) {
	source := NewPairedSource(2, 17)

	if _, err := source.Generate(context.Background(), 1, false); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("error = %v, want ErrSourceUnavailable", err)
	}
}
