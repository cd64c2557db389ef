// Package cascade implements iterative parity-based key
// reconciliation.
//
// The engine runs a fixed number of passes over the two keys. Each
// pass partitions the keys into blocks, compares block parities, and
// binary-searches any block whose parities disagree until individual
// error positions are isolated. The block size halves every pass so
// that errors masked by even-count disagreements in one pass are
// exposed in a later one. The first key is the reference copy; all
// corrections are applied to the second.
//
// Example:
//
//	engine, err := cascade.New(cascade.DefaultBlockSize, cascade.DefaultNumPasses)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := engine.Reconcile(keyA, keyB, 0.03)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("corrected %d errors", result.ErrorsCorrected)
package cascade

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/qkd/bitvec"
	"github.com/opd-ai/qkd/reconcile"
)

const (
	// DefaultBlockSize is the initial block size for the first pass.
	DefaultBlockSize = 8
	// DefaultNumPasses is the maximum number of passes before the
	// engine gives up.
	DefaultNumPasses = 4

	// directScanThreshold is the block size at or below which the
	// binary search switches to comparing individual bits.
	directScanThreshold = 4
)

// Engine reconciles key pairs with the cascade parity protocol. An
// Engine is stateless between calls and safe for concurrent use.
type Engine struct {
	blockSize int
	numPasses int
}

// Compile-time check that Engine satisfies the reconciler contract.
var _ reconcile.Reconciler = (*Engine)(nil)

// New creates an Engine with the given initial block size and pass
// count. Both must be at least 1.
func New(blockSize, numPasses int) (*Engine, error) {
	if blockSize < 1 {
		return nil, fmt.Errorf("block size must be at least 1, got %d", blockSize)
	}
	if numPasses < 1 {
		return nil, fmt.Errorf("pass count must be at least 1, got %d", numPasses)
	}
	return &Engine{blockSize: blockSize, numPasses: numPasses}, nil
}

// BlockSize returns the initial block size used in the first pass.
func (e *Engine) BlockSize() int { return e.blockSize }

// NumPasses returns the maximum number of passes.
func (e *Engine) NumPasses() int { return e.numPasses }

// Reconcile runs the cascade protocol over the two keys and returns
// the corrected pair. Keys of different lengths are truncated to the
// shorter before any pass runs. The estimated error rate is recorded
// for diagnostics only; the protocol measures disagreement directly
// through parities.
//
// When disagreements survive all passes the best-effort result is
// returned together with a wrapped reconcile.ErrDivergence.
func (e *Engine) Reconcile(keyA, keyB []byte, errorRate float64) (*reconcile.Result, error) {
	if len(keyA) == 0 || len(keyB) == 0 {
		return nil, reconcile.ErrEmptyKey
	}

	bitsA := bitvec.FromBytes(keyA)
	bitsB := bitvec.FromBytes(keyB)
	if len(bitsB) < len(bitsA) {
		bitsA = bitsA[:len(bitsB)]
	} else {
		bitsB = bitsB[:len(bitsA)]
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Reconcile",
		"key_bits":   len(bitsA),
		"block_size": e.blockSize,
		"max_passes": e.numPasses,
		"error_rate": errorRate,
	}).Debug("starting cascade reconciliation")

	corrected := make(map[int]struct{})
	totalCorrected := 0
	passesRun := 0

	for pass := 1; pass <= e.numPasses; pass++ {
		blockSize := e.blockSize >> (pass - 1)
		if blockSize < 1 {
			blockSize = 1
		}

		passCorrections := e.runPass(bitsA, bitsB, blockSize, corrected)
		totalCorrected += passCorrections
		passesRun = pass

		logrus.WithFields(logrus.Fields{
			"function":    "Reconcile",
			"pass":        pass,
			"block_size":  blockSize,
			"corrections": passCorrections,
		}).Debug("cascade pass complete")

		if passCorrections == 0 {
			break
		}
	}

	remaining := bitvec.CountDiff(bitsA, bitsB)
	result := &reconcile.Result{
		CorrectedA:      bitsA.Bytes(),
		CorrectedB:      bitsB.Bytes(),
		ErrorsCorrected: totalCorrected,
		RemainingErrors: remaining,
		Converged:       remaining == 0,
	}

	if !result.Converged {
		logrus.WithFields(logrus.Fields{
			"function":  "Reconcile",
			"remaining": remaining,
			"passes":    passesRun,
		}).Warn("cascade reconciliation did not converge")
		return result, fmt.Errorf("cascade: %d bit disagreements remain after %d passes: %w",
			remaining, passesRun, reconcile.ErrDivergence)
	}

	return result, nil
}

// runPass walks both keys block by block, isolating and flipping error
// positions in bitsB wherever the block parities disagree. It returns
// the number of bits corrected during this pass.
func (e *Engine) runPass(bitsA, bitsB bitvec.Bits, blockSize int, corrected map[int]struct{}) int {
	corrections := 0
	n := len(bitsA)

	for start := 0; start < n; start += blockSize {
		end := start + blockSize
		if end > n {
			end = n
		}

		blockA := bitsA[start:end]
		blockB := bitsB[start:end]
		if blockA.Parity() == blockB.Parity() {
			continue
		}

		for _, pos := range findErrors(blockA, blockB, start, corrected) {
			bitsB[pos] ^= 1
			corrected[pos] = struct{}{}
			corrections++
		}
	}

	return corrections
}

// findErrors locates disagreeing bit positions inside a block whose
// parities differ. Blocks at or below the direct-scan threshold are
// compared bit by bit; larger blocks are bisected, descending into
// each half whose parities disagree. Offset translates block-local
// indices into absolute key positions.
func findErrors(blockA, blockB bitvec.Bits, offset int, corrected map[int]struct{}) []int {
	size := len(blockA)

	if size <= directScanThreshold {
		var errs []int
		for i := 0; i < size; i++ {
			if blockA[i] == blockB[i] {
				continue
			}
			if _, done := corrected[offset+i]; done {
				continue
			}
			errs = append(errs, offset+i)
		}
		return errs
	}

	if blockA.Parity() == blockB.Parity() {
		return nil
	}

	mid := size / 2
	errs := findErrors(blockA[:mid], blockB[:mid], offset, corrected)
	errs = append(errs, findErrors(blockA[mid:], blockB[mid:], offset+mid, corrected)...)
	return errs
}
