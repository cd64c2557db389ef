// Package reconcile defines the contract shared by the key
// reconciliation engines.
//
// A reconciliation engine takes the two raw keys produced by a
// quantum exchange, removes the disagreements between them, and
// reports how much work that took. The cascade package implements the
// contract with an interactive parity protocol; the ldpc package
// implements it with a forward error correcting code. Both treat the
// first key as the reference copy: corrections are always applied to
// the second key.
package reconcile

import "errors"

// ErrDivergence is returned when an engine exhausts its configured
// budget without making the two keys identical. Callers may retry
// with different engine parameters before giving up.
var ErrDivergence = errors.New("key reconciliation failed to converge")

// ErrEmptyKey is returned when either input key holds no data.
var ErrEmptyKey = errors.New("key material is empty")

// Result describes the outcome of one reconciliation attempt.
type Result struct {
	// CorrectedA and CorrectedB are the two keys after reconciliation,
	// truncated to a common length. When Converged is true they are
	// identical.
	CorrectedA []byte
	CorrectedB []byte

	// ErrorsCorrected is the number of bit flips applied.
	ErrorsCorrected int

	// RemainingErrors is the number of bit positions still in
	// disagreement after the engine finished.
	RemainingErrors int

	// Converged is true when the corrected keys are identical and no
	// block was flagged as undecodable.
	Converged bool
}

// Reconciler removes disagreements between two raw keys. The estimated
// channel error rate guides engines that model noise explicitly;
// engines that measure disagreement directly may ignore it.
//
// Implementations return ErrDivergence (wrapped) together with the
// best-effort Result when the keys could not be made identical.
type Reconciler interface {
	Reconcile(keyA, keyB []byte, errorRate float64) (*Result, error)
}
