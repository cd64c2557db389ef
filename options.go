package qkd

import (
	"fmt"
	"time"

	"github.com/opd-ai/qkd/cascade"
	"github.com/opd-ai/qkd/ldpc"
	"github.com/opd-ai/qkd/network"
	"github.com/opd-ai/qkd/reconcile"
	"github.com/opd-ai/qkd/session"
)

// Reconciliation engine names accepted by Options.Engine.
const (
	EngineCascade = "cascade"
	EngineLDPC    = "ldpc"
)

// DefaultRetryBudget is the number of additional reconciliation
// attempts an exchange makes after a divergent run, each with gentler
// engine parameters.
const DefaultRetryBudget = 2

// Options configures exchanges and relay layers built through this
// package.
type Options struct {
	// SharedSecret authenticates every protocol message between the
	// two parties. It must be provisioned out of band and match on
	// both sides.
	SharedSecret []byte

	// Engine selects the reconciliation engine, EngineCascade or
	// EngineLDPC.
	Engine string

	// CascadeBlockSize and CascadePasses tune the cascade engine.
	CascadeBlockSize int
	CascadePasses    int

	// LDPCCodeLength, LDPCMessageLength and LDPCMaxIterations tune the
	// LDPC engine geometry and its decoding budget.
	LDPCCodeLength    int
	LDPCMessageLength int
	LDPCMaxIterations int

	// SampleSize is the number of bit positions compared during error
	// detection. The sampled positions are discarded from the key.
	SampleSize int

	// OutputLength is the final key length in bytes after privacy
	// amplification. Zero derives the conventional default from the
	// reconciled length.
	OutputLength int

	// Shots is the generation effort requested from the raw-key
	// source; UseHardware asks for physical rather than simulated
	// generation.
	Shots       int
	UseHardware bool

	// SourceTimeout bounds each raw-key generation call.
	SourceTimeout time.Duration

	// ErrorRateThreshold aborts sessions whose estimated error rate
	// exceeds it.
	ErrorRateThreshold float64

	// RetryBudget is how many times a divergent reconciliation is
	// retried with reduced block size (cascade) or code rate (LDPC)
	// before the exchange gives up.
	RetryBudget int

	// KeyTTL, MaxHops and PathCacheSize tune relay layers created with
	// NewRelayLayer.
	KeyTTL        time.Duration
	MaxHops       int
	PathCacheSize int
}

// NewOptions returns the conventional defaults: cascade
// reconciliation, 100 sampled bits, a 30 second source timeout and two
// reconciliation retries.
func NewOptions() *Options {
	return &Options{
		Engine:             EngineCascade,
		CascadeBlockSize:   cascade.DefaultBlockSize,
		CascadePasses:      cascade.DefaultNumPasses,
		LDPCCodeLength:     ldpc.DefaultCodeLength,
		LDPCMessageLength:  ldpc.DefaultMessageLength,
		LDPCMaxIterations:  ldpc.DefaultMaxIterations,
		SampleSize:         session.DefaultSampleSize,
		SourceTimeout:      session.DefaultSourceTimeout,
		ErrorRateThreshold: session.DefaultErrorRateThreshold,
		RetryBudget:        DefaultRetryBudget,
		KeyTTL:             network.DefaultKeyTTL,
		MaxHops:            network.DefaultMaxHops,
		PathCacheSize:      network.DefaultPathCacheSize,
	}
}

// engineParams is the per-attempt tuning the divergence retry loop
// adjusts between runs.
type engineParams struct {
	blockSize int
	msgLen    int
}

func (o *Options) initialParams() engineParams {
	return engineParams{blockSize: o.CascadeBlockSize, msgLen: o.LDPCMessageLength}
}

// reduce returns the next attempt's parameters: half the cascade block
// size, or half the LDPC message length (doubling redundancy), floored
// at 1. It reports false when the parameters cannot shrink further.
func (o *Options) reduce(p engineParams) (engineParams, bool) {
	switch o.Engine {
	case EngineLDPC:
		if p.msgLen <= 1 {
			return p, false
		}
		p.msgLen /= 2
		if p.msgLen < 1 {
			p.msgLen = 1
		}
	default:
		if p.blockSize <= 1 {
			return p, false
		}
		p.blockSize /= 2
		if p.blockSize < 1 {
			p.blockSize = 1
		}
	}
	return p, true
}

// newReconciler builds the configured engine with the given attempt
// parameters.
func (o *Options) newReconciler(p engineParams) (reconcile.Reconciler, error) {
	switch o.Engine {
	case EngineCascade, "":
		return cascade.New(p.blockSize, o.CascadePasses)
	case EngineLDPC:
		code, err := ldpc.NewCode(o.LDPCCodeLength, p.msgLen)
		if err != nil {
			return nil, fmt.Errorf("building LDPC code: %w", err)
		}
		return ldpc.NewCorrector(code, o.LDPCMaxIterations), nil
	default:
		return nil, fmt.Errorf("unknown reconciliation engine %q", o.Engine)
	}
}

// NewRelayLayer builds a key relay layer using the options' cache
// size.
func (o *Options) NewRelayLayer() (*network.Layer, error) {
	return network.NewLayer(o.PathCacheSize)
}
