// Package keysource abstracts the quantum layer that produces raw key
// material.
//
// The post-processing pipeline never talks to quantum hardware
// directly; it asks a Source for raw bits and receives them together
// with the claimed preparation fidelity. SimulatedSource stands in
// for real hardware with uniformly random bits. PairedSource models a
// shared entangled generation round: it hands out two copies of the
// same key that disagree in a configured number of bit positions,
// which is what the reconciliation stages exist to repair.
package keysource

import (
	"context"
	cryptorand "crypto/rand"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultFidelity is the preparation fidelity claimed by the
// simulated sources.
const DefaultFidelity = 0.98

// ErrSourceUnavailable is returned when the underlying source cannot
// deliver key material, including cancellation while waiting for it.
var ErrSourceUnavailable = errors.New("key source unavailable")

// RawKey is one batch of raw key material as delivered by a source,
// before any error detection or reconciliation.
type RawKey struct {
	// Bytes is the raw key material.
	Bytes []byte
	// Fidelity is the source's claimed preparation fidelity in [0, 1].
	Fidelity float64
	// SourceID names the producing backend.
	SourceID string
}

// Source produces raw key material. Shots is the number of
// measurement rounds the backend should average over; useHardware
// requests a physical backend where one is available.
type Source interface {
	Generate(ctx context.Context, shots int, useHardware bool) (*RawKey, error)
}

// SimulatedSource produces uniformly random key material, optionally
// delayed to mimic hardware latency.
type SimulatedSource struct {
	// KeyLength is the size in bytes of each generated key.
	KeyLength int
	// Fidelity is the claimed preparation fidelity.
	Fidelity float64
	// Delay is an artificial generation latency. Generate honours
	// context cancellation while waiting.
	Delay time.Duration
}

var _ Source = (*SimulatedSource)(nil)

// NewSimulatedSource creates a source that yields keyLength random
// bytes per call at the default fidelity.
func NewSimulatedSource(keyLength int) *SimulatedSource {
	return &SimulatedSource{KeyLength: keyLength, Fidelity: DefaultFidelity}
}

// Generate returns fresh random key material.
func (s *SimulatedSource) Generate(ctx context.Context, shots int, useHardware bool) (*RawKey, error) {
	if s.KeyLength <= 0 {
		return nil, fmt.Errorf("%w: key length %d", ErrSourceUnavailable, s.KeyLength)
	}
	if useHardware {
		logrus.WithFields(logrus.Fields{
			"function": "Generate",
			"source":   "simulator",
		}).Warn("hardware backend requested, falling back to simulator")
	}

	if err := wait(ctx, s.Delay); err != nil {
		return nil, err
	}

	key := make([]byte, s.KeyLength)
	if _, err := cryptorand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Generate",
		"source":     "simulator",
		"key_length": s.KeyLength,
		"shots":      shots,
	}).Debug("generated simulated key material")

	return &RawKey{Bytes: key, Fidelity: s.Fidelity, SourceID: "simulator"}, nil
}

// PairedSource hands the two halves of one correlated generation
// round to two cooperating parties. The first Generate call returns
// the reference key; the second returns a copy with FlipCount bit
// positions inverted. A third call starts a new round.
type PairedSource struct {
	// KeyLength is the size in bytes of each generated key.
	KeyLength int
	// FlipCount is the number of bit positions on which the two
	// halves of a round disagree.
	FlipCount int
	// Delay is an artificial generation latency.
	Delay time.Duration

	mu      sync.Mutex
	pending []byte
	rng     *rand.Rand
}

var _ Source = (*PairedSource)(nil)

// NewPairedSource creates a paired source whose two halves disagree
// on flipCount bit positions.
func NewPairedSource(keyLength, flipCount int) *PairedSource {
	return &PairedSource{
		KeyLength: keyLength,
		FlipCount: flipCount,
		rng:       rand.New(rand.NewSource(rand.Int63())),
	}
}

// Generate returns the next half of the current round.
func (p *PairedSource) Generate(ctx context.Context, shots int, useHardware bool) (*RawKey, error) {
	if p.KeyLength <= 0 {
		return nil, fmt.Errorf("%w: key length %d", ErrSourceUnavailable, p.KeyLength)
	}
	totalBits := p.KeyLength * 8
	if p.FlipCount < 0 || p.FlipCount > totalBits {
		return nil, fmt.Errorf("%w: cannot flip %d of %d bits", ErrSourceUnavailable, p.FlipCount, totalBits)
	}

	if err := wait(ctx, p.Delay); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var key []byte
	if p.pending == nil {
		key = make([]byte, p.KeyLength)
		if _, err := cryptorand.Read(key); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		p.pending = make([]byte, p.KeyLength)
		copy(p.pending, key)
	} else {
		key = p.pending
		p.pending = nil
		for _, pos := range p.rng.Perm(totalBits)[:p.FlipCount] {
			key[pos/8] ^= 1 << (pos % 8)
		}
	}

	fidelity := 1.0 - float64(p.FlipCount)/float64(totalBits)

	return &RawKey{Bytes: key, Fidelity: fidelity, SourceID: "paired-simulator"}, nil
}

// wait sleeps for the configured latency, aborting early when the
// context is cancelled.
func wait(ctx context.Context, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, ctx.Err())
	}
}
