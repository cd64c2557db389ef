// Package ldpc implements forward error correction for key
// reconciliation with low-density parity-check codes.
//
// A Code pairs a sparse parity-check matrix H in systematic form
// [P^T | I] with the matching generator matrix G = [I | P], so that
// every generated pair satisfies G·H^T = 0 over GF(2). Decoding runs
// sum-product belief propagation with a hard-decision syndrome test
// after every iteration.
package ldpc

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/qkd/bitvec"
)

const (
	// DefaultCodeLength is the codeword size in bits used when no
	// explicit geometry is configured.
	DefaultCodeLength = 256
	// DefaultMessageLength is the message size in bits matching
	// DefaultCodeLength at rate 1/2.
	DefaultMessageLength = 128
	// DefaultMaxIterations bounds the belief propagation loop.
	DefaultMaxIterations = 50

	// parityRowWeight is the number of message columns set per
	// parity-check row during sparse generation.
	parityRowWeight = 3
)

// Code is a binary LDPC code with codeword length N and message
// length K. A Code is immutable after construction and safe for
// concurrent use.
type Code struct {
	n, k, m int

	h [][]uint8 // m x n parity-check matrix
	g [][]uint8 // k x n generator matrix

	// Sparse adjacency of h, precomputed for decoding.
	rowCols [][]int // per check row, the variable columns it touches
	colRows [][]int // per variable column, the check rows touching it
}

// NewCode constructs a rate k/n code with randomly placed parity
// connections. It is equivalent to NewCodeWithRand with an
// unpredictable source.
func NewCode(n, k int) (*Code, error) {
	return NewCodeWithRand(n, k, rand.New(rand.NewSource(rand.Int63())))
}

// NewCodeWithRand constructs a rate k/n code using rng to place the
// sparse parity connections. Supplying a fixed-seed source yields a
// reproducible code.
func NewCodeWithRand(n, k int, rng *rand.Rand) (*Code, error) {
	if k < 1 {
		return nil, fmt.Errorf("message length must be at least 1, got %d", k)
	}
	if n <= k {
		return nil, fmt.Errorf("code length %d must exceed message length %d", n, k)
	}

	c := &Code{n: n, k: k, m: n - k}
	c.buildParityCheck(rng)
	c.buildGenerator()

	if !c.orthogonal() {
		// Random placement produced an inconsistent pair; rebuild the
		// sparse part of H deterministically and derive G again.
		logrus.WithFields(logrus.Fields{
			"function": "NewCodeWithRand",
			"n":        n,
			"k":        k,
		}).Warn("random parity matrix failed orthogonality check, using deterministic layout")

		c.buildParityCheckDeterministic()
		c.buildGenerator()
		if !c.orthogonal() {
			return nil, fmt.Errorf("cannot construct consistent LDPC code for n=%d k=%d", n, k)
		}
	}

	c.buildAdjacency()

	logrus.WithFields(logrus.Fields{
		"function": "NewCodeWithRand",
		"n":        n,
		"k":        k,
		"rate":     float64(k) / float64(n),
	}).Debug("LDPC code constructed")

	return c, nil
}

// N returns the codeword length in bits.
func (c *Code) N() int { return c.n }

// K returns the message length in bits.
func (c *Code) K() int { return c.k }

// M returns the number of parity checks.
func (c *Code) M() int { return c.m }

// buildParityCheck fills h with the systematic form [P^T | I]: an
// identity block over the parity columns and parityRowWeight message
// columns per row. Rows take consecutive windows of a random column
// permutation so the connection count stays balanced across columns;
// a column left unconnected would make errors at that position
// undetectable.
func (c *Code) buildParityCheck(rng *rand.Rand) {
	c.h = zeroMatrix(c.m, c.n)

	weight := parityRowWeight
	if weight > c.k {
		weight = c.k
	}

	perm := rng.Perm(c.k)
	for i := 0; i < c.m; i++ {
		c.h[i][c.k+i] = 1
		for w := 0; w < weight; w++ {
			c.h[i][perm[(i*weight+w)%c.k]] = 1
		}
	}
}

// buildParityCheckDeterministic fills h with the same systematic
// shape as buildParityCheck but places the message columns at fixed
// positions.
func (c *Code) buildParityCheckDeterministic() {
	c.h = zeroMatrix(c.m, c.n)

	weight := parityRowWeight
	if weight > c.k {
		weight = c.k
	}

	for i := 0; i < c.m; i++ {
		c.h[i][c.k+i] = 1
		for w := 0; w < weight; w++ {
			c.h[i][(i*parityRowWeight+w)%c.k] = 1
		}
	}
}

// buildGenerator derives G = [I | P] from the current h, where
// P[j][i] mirrors the message part of the parity-check rows.
func (c *Code) buildGenerator() {
	c.g = zeroMatrix(c.k, c.n)
	for j := 0; j < c.k; j++ {
		c.g[j][j] = 1
		for i := 0; i < c.m; i++ {
			c.g[j][c.k+i] = c.h[i][j]
		}
	}
}

// orthogonal reports whether G·H^T is the zero matrix over GF(2).
func (c *Code) orthogonal() bool {
	for j := 0; j < c.k; j++ {
		for i := 0; i < c.m; i++ {
			var dot uint8
			for l := 0; l < c.n; l++ {
				dot ^= c.g[j][l] & c.h[i][l]
			}
			if dot != 0 {
				return false
			}
		}
	}
	return true
}

// buildAdjacency precomputes the sparse row and column index lists
// used by the decoder.
func (c *Code) buildAdjacency() {
	c.rowCols = make([][]int, c.m)
	c.colRows = make([][]int, c.n)

	for i := 0; i < c.m; i++ {
		for j := 0; j < c.n; j++ {
			if c.h[i][j] != 0 {
				c.rowCols[i] = append(c.rowCols[i], j)
				c.colRows[j] = append(c.colRows[j], i)
			}
		}
	}
}

// Encode multiplies the k-bit message by the generator matrix and
// returns the n-bit codeword.
func (c *Code) Encode(message bitvec.Bits) (bitvec.Bits, error) {
	if len(message) != c.k {
		return nil, fmt.Errorf("message length %d does not match code dimension %d", len(message), c.k)
	}

	codeword := make(bitvec.Bits, c.n)
	for i, bit := range message {
		if bit == 0 {
			continue
		}
		for j := 0; j < c.n; j++ {
			codeword[j] ^= c.g[i][j]
		}
	}
	return codeword, nil
}

// Decode runs belief propagation over the received codeword and
// returns the recovered message bits together with a convergence
// flag. The flag is true when the final hard decision satisfies every
// parity check; when false the message bits are the decoder's best
// guess. A maxIterations value of zero or less selects
// DefaultMaxIterations.
func (c *Code) Decode(received bitvec.Bits, maxIterations int) (bitvec.Bits, bool, error) {
	if len(received) != c.n {
		return nil, false, fmt.Errorf("received length %d does not match code length %d", len(received), c.n)
	}
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	// Channel log-likelihoods: +1 for a received 0, -1 for a received 1.
	channel := make([]float64, c.n)
	for j, bit := range received {
		if bit == 0 {
			channel[j] = 1.0
		} else {
			channel[j] = -1.0
		}
	}

	llr := make([]float64, c.n)
	copy(llr, channel)

	decision := make(bitvec.Bits, c.n)
	sums := make([]float64, c.n)
	converged := false

	for iter := 0; iter < maxIterations; iter++ {
		// Check-node update: each check sends every neighbouring bit
		// the tanh-domain product of the other neighbours' beliefs.
		for j := range sums {
			sums[j] = 0
		}
		for i := 0; i < c.m; i++ {
			cols := c.rowCols[i]
			for t, j := range cols {
				prod := 1.0
				for u, l := range cols {
					if u == t {
						continue
					}
					prod *= math.Tanh(llr[l] / 2)
				}
				sums[j] += 2 * prod
			}
		}

		// Variable-node update: channel belief plus incoming check
		// messages, then a hard decision.
		for j := 0; j < c.n; j++ {
			llr[j] = channel[j] + sums[j]
			if llr[j] < 0 {
				decision[j] = 1
			} else {
				decision[j] = 0
			}
		}

		if c.syndromeZero(decision) {
			converged = true
			break
		}
	}

	message := make(bitvec.Bits, c.k)
	copy(message, decision[:c.k])
	return message, converged, nil
}

// syndromeZero reports whether the hard decision satisfies every
// parity check.
func (c *Code) syndromeZero(decision bitvec.Bits) bool {
	for i := 0; i < c.m; i++ {
		var parity uint8
		for _, j := range c.rowCols[i] {
			parity ^= decision[j]
		}
		if parity != 0 {
			return false
		}
	}
	return true
}

func zeroMatrix(rows, cols int) [][]uint8 {
	m := make([][]uint8, rows)
	for i := range m {
		m[i] = make([]uint8, cols)
	}
	return m
}
