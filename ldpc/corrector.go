package ldpc

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/qkd/bitvec"
	"github.com/opd-ai/qkd/reconcile"
)

// Corrector reconciles key pairs block by block through an LDPC code.
// Each key is split into message-sized blocks, encoded, passed through
// a simulated binary symmetric channel at the estimated error rate,
// and decoded back. Blocks whose decoder fails to converge are flagged
// and the whole attempt reported as divergent.
type Corrector struct {
	code          *Code
	maxIterations int

	mu  sync.Mutex
	rng *rand.Rand
}

var _ reconcile.Reconciler = (*Corrector)(nil)

// NewCorrector creates a Corrector around the given code. A
// maxIterations value of zero or less selects DefaultMaxIterations.
func NewCorrector(code *Code, maxIterations int) *Corrector {
	return NewCorrectorWithRand(code, maxIterations, rand.New(rand.NewSource(rand.Int63())))
}

// NewCorrectorWithRand creates a Corrector that draws channel noise
// positions from rng. Supplying a fixed-seed source makes the
// simulated channel reproducible.
func NewCorrectorWithRand(code *Code, maxIterations int, rng *rand.Rand) *Corrector {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Corrector{code: code, maxIterations: maxIterations, rng: rng}
}

// Code returns the underlying LDPC code.
func (c *Corrector) Code() *Code { return c.code }

// Reconcile encodes both keys block by block, disturbs the second
// key's codewords at the estimated channel error rate, and decodes
// both sides. Keys of different lengths are truncated to the shorter
// before processing; the last block is zero-padded up to the message
// length and the padding removed again after decoding.
//
// The wrapped reconcile.ErrDivergence is returned alongside the
// best-effort result when any block fails to decode or the decoded
// keys still differ.
func (c *Corrector) Reconcile(keyA, keyB []byte, errorRate float64) (*reconcile.Result, error) {
	if len(keyA) == 0 || len(keyB) == 0 {
		return nil, reconcile.ErrEmptyKey
	}

	byteLen := len(keyA)
	if len(keyB) < byteLen {
		byteLen = len(keyB)
	}
	bitsA := bitvec.FromBytes(keyA[:byteLen])
	bitsB := bitvec.FromBytes(keyB[:byteLen])

	k := c.code.K()
	blocks := (len(bitsA) + k - 1) / k

	logrus.WithFields(logrus.Fields{
		"function":   "Reconcile",
		"key_bits":   len(bitsA),
		"blocks":     blocks,
		"error_rate": errorRate,
	}).Debug("starting LDPC reconciliation")

	outA := make(bitvec.Bits, 0, blocks*k)
	outB := make(bitvec.Bits, 0, blocks*k)
	errorsCorrected := 0
	failedBlocks := 0

	for b := 0; b < blocks; b++ {
		start := b * k
		end := start + k
		if end > len(bitsA) {
			end = len(bitsA)
		}

		blockA := padBlock(bitsA[start:end], k)
		blockB := padBlock(bitsB[start:end], k)

		decodedA, decodedB, corrected, ok, err := c.reconcileBlock(blockA, blockB, errorRate)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", b, err)
		}
		if !ok {
			failedBlocks++
			logrus.WithFields(logrus.Fields{
				"function": "Reconcile",
				"block":    b,
			}).Warn("LDPC block failed to decode")
		}

		errorsCorrected += corrected
		outA = append(outA, decodedA...)
		outB = append(outB, decodedB...)
	}

	outA = outA[:byteLen*8]
	outB = outB[:byteLen*8]
	remaining := bitvec.CountDiff(outA, outB)

	result := &reconcile.Result{
		CorrectedA:      outA.Bytes(),
		CorrectedB:      outB.Bytes(),
		ErrorsCorrected: errorsCorrected,
		RemainingErrors: remaining,
		Converged:       failedBlocks == 0 && remaining == 0,
	}

	if !result.Converged {
		return result, fmt.Errorf("ldpc: %d of %d blocks failed, %d bit disagreements remain: %w",
			failedBlocks, blocks, remaining, reconcile.ErrDivergence)
	}
	return result, nil
}

// reconcileBlock encodes one message-sized block from each key, flips
// errorRate*n random bits of the second codeword to model the noisy
// channel, and decodes both. It returns the decoded blocks, the
// number of bit corrections the decoder applied, and whether both
// decodes converged.
func (c *Corrector) reconcileBlock(blockA, blockB bitvec.Bits, errorRate float64) (bitvec.Bits, bitvec.Bits, int, bool, error) {
	codewordA, err := c.code.Encode(blockA)
	if err != nil {
		return nil, nil, 0, false, err
	}
	codewordB, err := c.code.Encode(blockB)
	if err != nil {
		return nil, nil, 0, false, err
	}

	received := c.disturb(codewordB, errorRate)

	decodedA, okA, err := c.code.Decode(codewordA, c.maxIterations)
	if err != nil {
		return nil, nil, 0, false, err
	}
	decodedB, okB, err := c.code.Decode(received, c.maxIterations)
	if err != nil {
		return nil, nil, 0, false, err
	}

	corrected := 0
	if okB {
		// Count the positions the decoder actually repaired by
		// re-encoding its output.
		repaired, err := c.code.Encode(decodedB)
		if err != nil {
			return nil, nil, 0, false, err
		}
		corrected = bitvec.CountDiff(received, repaired)
	}

	return decodedA, decodedB, corrected, okA && okB, nil
}

// disturb returns a copy of the codeword with errorRate*n distinct
// random positions inverted.
func (c *Corrector) disturb(codeword bitvec.Bits, errorRate float64) bitvec.Bits {
	out := codeword.Clone()

	flips := int(errorRate * float64(c.code.N()))
	if flips <= 0 {
		return out
	}
	if flips > c.code.N() {
		flips = c.code.N()
	}

	c.mu.Lock()
	positions := c.rng.Perm(c.code.N())[:flips]
	c.mu.Unlock()

	for _, p := range positions {
		out[p] ^= 1
	}
	return out
}

// padBlock extends a block to the full message length with zero bits.
// Blocks already at full length are returned as is.
func padBlock(block bitvec.Bits, k int) bitvec.Bits {
	if len(block) == k {
		return block
	}
	padded := make(bitvec.Bits, k)
	copy(padded, block)
	return padded
}
