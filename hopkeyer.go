package qkd

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/qkd/keysource"
	"github.com/opd-ai/qkd/network"
)

// Raw material drawn for each nested hop exchange: 64 bytes leaves
// comfortable margin above the 32 byte hop key after sampling discards
// and amplification.
const (
	hopSourceKeyLength = 64
	hopSourceFlipCount = 2
)

// SessionHopKeyer produces relay hop keys by running a complete nested
// two-party exchange between the hop's endpoints, authenticated by
// their link secret. Install it on a network.Layer to upgrade relay
// masking from derived keys to session-agreed ones; the layer falls
// back to derivation on any nested failure.
type SessionHopKeyer struct {
	// NewSource supplies the correlated raw material for each hop
	// exchange. Left nil, every hop draws from a fresh simulated
	// paired source.
	NewSource func() keysource.Source

	opts *Options
}

var _ network.HopKeyer = (*SessionHopKeyer)(nil)

// NewSessionHopKeyer creates a hop keyer running nested exchanges with
// the given options. A nil opts selects NewOptions defaults. The
// options' shared secret and output length are overridden per hop: the
// link secret authenticates the nested exchange and the output is
// always network.HopKeySize bytes.
func NewSessionHopKeyer(opts *Options) *SessionHopKeyer {
	if opts == nil {
		opts = NewOptions()
	}
	return &SessionHopKeyer{opts: opts}
}

// HopKey runs one nested exchange between the hop endpoints and
// returns the confirmed key.
func (h *SessionHopKeyer) HopKey(ctx context.Context, local, remote string, secret []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("hop exchange requires a link secret")
	}

	newSource := h.NewSource
	if newSource == nil {
		newSource = func() keysource.Source {
			return keysource.NewPairedSource(hopSourceKeyLength, hopSourceFlipCount)
		}
	}

	opts := *h.opts
	opts.SharedSecret = secret
	opts.OutputLength = network.HopKeySize

	key, report, err := Exchange(ctx, local, remote, newSource(), &opts)
	if err != nil {
		return nil, fmt.Errorf("nested hop exchange %s: %w", info, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "HopKey",
		"local":      local,
		"remote":     remote,
		"hop":        info,
		"session_id": report.SessionID,
		"error_rate": report.ErrorRate,
	}).Debug("hop key agreed through nested exchange")

	return key, nil
}
