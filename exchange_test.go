package qkd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/qkd/keysource"
	"github.com/opd-ai/qkd/session"
	"github.com/opd-ai/qkd/transport"
)

var exchangeSecret = []byte("facade test pre-shared secret")

func testOptions() *Options {
	opts := NewOptions()
	opts.SharedSecret = exchangeSecret
	opts.OutputLength = 32
	// A budget of three lets cascade halve all the way to single-bit
	// blocks, which settle any flip pattern a paired source can plant.
	opts.RetryBudget = 3
	return opts
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// fixedPair hands out two fixed keys in alternation, giving tests full
// control over where the parties disagree.
type fixedPair struct {
	mu   sync.Mutex
	a, b []byte
	next int
}

func (f *fixedPair) Generate(_ context.Context, _ int, _ bool) (*keysource.RawKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := f.a
	if f.next%2 == 1 {
		key = f.b
	}
	f.next++
	return &keysource.RawKey{
		Bytes:    append([]byte(nil), key...),
		Fidelity: 0.99,
		SourceID: "fixed",
	}, nil
}

func flipBits(key []byte, positions ...int) []byte {
	out := append([]byte(nil), key...)
	for _, pos := range positions {
		out[pos/8] ^= 1 << (pos % 8)
	}
	return out
}

func TestExchangeEndToEnd(t *testing.T) {
	// Three disagreeing bits in 256, the canonical demo scenario.
	source := keysource.NewPairedSource(32, 3)

	key, report, err := Exchange(testContext(t), "alice", "bob", source, testOptions())
	require.NoError(t, err)

	assert.Len(t, key, 32)
	assert.Equal(t, 32, report.KeyLength)
	assert.Equal(t, session.StateConfirmed, report.State)
	assert.Equal(t, EngineCascade, report.Engine)
	assert.NotEmpty(t, report.SessionID)
	assert.True(t, report.Converged)
	assert.Zero(t, report.RemainingErrors)
	// Sampling may discard some of the three planted errors before the
	// engine sees them.
	assert.LessOrEqual(t, report.ErrorsCorrected, 3)
}

func TestExchangeOverPipe(t *testing.T) {
	a, b := transport.Pipe()
	defer a.Close()

	source := keysource.NewPairedSource(32, 2)
	key, report, err := ExchangeOver(testContext(t), "alice", "bob", source, testOptions(), a, b)
	require.NoError(t, err)

	assert.Len(t, key, 32)
	assert.Equal(t, session.StateConfirmed, report.State)
	assert.True(t, report.Converged)
}

func TestExchangeLDPCEngine(t *testing.T) {
	opts := testOptions()
	opts.Engine = EngineLDPC

	// Identical raw keys keep the LDPC channel simulation noiseless, so
	// the facade wiring is what is under test here; the engine's error
	// correction has its own coverage.
	source := keysource.NewPairedSource(32, 0)
	key, report, err := Exchange(testContext(t), "alice", "bob", source, opts)
	require.NoError(t, err)

	assert.Len(t, key, 32)
	assert.Equal(t, EngineLDPC, report.Engine)
	assert.True(t, report.Converged)
	assert.Zero(t, report.ErrorsCorrected)
	assert.Equal(t, session.StateConfirmed, report.State)
}

func TestExchangeRecoversAdjacentFlips(t *testing.T) {
	// Two flipped bits inside one first-pass parity block cancel out
	// and stall cascade at the starting block size; the exchange must
	// shrink the block until the pair splits.
	base := make([]byte, 256)
	for i := range base {
		base[i] = byte(i * 31)
	}
	source := &fixedPair{a: base, b: flipBits(base, 3, 4)}

	opts := testOptions()
	opts.SampleSize = 4
	opts.ErrorRateThreshold = 0.5

	key, report, err := Exchange(testContext(t), "alice", "bob", source, opts)
	require.NoError(t, err)

	assert.Len(t, key, 32)
	assert.True(t, report.Converged)
	assert.Zero(t, report.RemainingErrors)
	assert.LessOrEqual(t, report.Retries, 3)
	assert.Equal(t, session.StateConfirmed, report.State)
}

func TestExchangeHighErrorRateAborts(t *testing.T) {
	// Half the bits disagree; the estimated rate lands far above the
	// default threshold and the exchange must abort during detection.
	source := keysource.NewPairedSource(32, 128)

	_, report, err := Exchange(testContext(t), "alice", "bob", source, testOptions())
	require.ErrorIs(t, err, session.ErrHighErrorRate)
	require.NotNil(t, report)
	assert.Equal(t, session.StateAborted, report.State)
	assert.Greater(t, report.ErrorRate, 0.15)
}

func TestExchangeUnknownEngine(t *testing.T) {
	opts := testOptions()
	opts.Engine = "turbo"

	_, report, err := Exchange(testContext(t), "alice", "bob", keysource.NewPairedSource(32, 0), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown reconciliation engine")
	require.NotNil(t, report)
	assert.Equal(t, session.StateAborted, report.State)
}

func TestExchangeValidation(t *testing.T) {
	ctx := testContext(t)
	source := keysource.NewPairedSource(32, 0)

	_, _, err := Exchange(ctx, "alice", "bob", nil, testOptions())
	require.Error(t, err, "nil source")

	opts := NewOptions()
	_, _, err = Exchange(ctx, "alice", "bob", source, opts)
	require.Error(t, err, "missing shared secret")

	_, _, err = Exchange(ctx, "", "bob", source, testOptions())
	require.Error(t, err, "empty party id")

	_, _, err = ExchangeOver(ctx, "alice", "bob", source, testOptions(), nil, nil)
	require.Error(t, err, "missing channels")
}

func TestExchangeReportsDistinctSessions(t *testing.T) {
	ctx := testContext(t)

	_, first, err := Exchange(ctx, "alice", "bob", keysource.NewPairedSource(32, 1), testOptions())
	require.NoError(t, err)
	_, second, err := Exchange(ctx, "alice", "bob", keysource.NewPairedSource(32, 1), testOptions())
	require.NoError(t, err)

	assert.NotEqual(t, first.SessionID, second.SessionID, "session ids must never be reused")
}
