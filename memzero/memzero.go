// Package memzero erases sensitive byte buffers.
//
// Key material handled by the reconciliation pipeline (raw keys, sifted
// keys, per-hop masks) must not linger in memory after a session ends.
// The helpers here overwrite buffers in a way the compiler is unlikely
// to elide.
package memzero

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// Wipe overwrites the contents of data with zeros. It returns an error
// if the slice is nil so callers can distinguish "nothing to wipe" from
// a successful erase.
func Wipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	zeros := make([]byte, len(data))
	// Route through a constant-time primitive so the overwrite is not
	// optimized away as a dead store.
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)

	runtime.KeepAlive(data)
	runtime.KeepAlive(zeros)

	return nil
}

// Zero erases the contents of data, ignoring the nil-slice error.
func Zero(data []byte) {
	_ = Wipe(data)
}
