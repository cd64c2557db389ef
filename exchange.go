package qkd

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/qkd/keysource"
	"github.com/opd-ai/qkd/reconcile"
	"github.com/opd-ai/qkd/session"
	"github.com/opd-ai/qkd/transport"
)

// ErrProtocolViolation is returned when a party produces a reply of
// the wrong kind, or none, for the phase the exchange is in.
var ErrProtocolViolation = errors.New("unexpected protocol reply")

// ExchangeReport summarizes a finished exchange. It never carries key
// bytes; the key itself is returned separately to the caller that ran
// the exchange.
type ExchangeReport struct {
	SessionID       string
	Engine          string
	ErrorRate       float64
	ErrorsCorrected int
	RemainingErrors int
	Converged       bool
	Retries         int
	KeyLength       int
	State           session.State
}

// Exchange runs the complete key agreement between two co-resident
// parties: negotiation, authentication, raw key generation, error
// detection, reconciliation with divergence retries, privacy
// amplification, verification and confirmation. Messages are delivered
// directly between the two sessions.
//
// Both parties draw from the same source, which is expected to produce
// correlated material the way cooperating hardware would;
// keysource.PairedSource does this for simulations. On success the
// confirmed key is returned with a report; on failure both sessions
// are aborted and the report carries the state reached.
func Exchange(ctx context.Context, aliceID, bobID string, source keysource.Source, opts *Options) ([]byte, *ExchangeReport, error) {
	return runExchange(ctx, aliceID, bobID, source, opts, nil, nil)
}

// ExchangeOver runs the same protocol as Exchange but routes every
// message through the given channel pair, exercising the wire codec
// and whatever security the channels provide. aliceCh and bobCh must
// be the two ends of one connection, for example transport.Pipe or a
// pair of NoiseChannels.
func ExchangeOver(ctx context.Context, aliceID, bobID string, source keysource.Source, opts *Options, aliceCh, bobCh transport.Channel) ([]byte, *ExchangeReport, error) {
	if aliceCh == nil || bobCh == nil {
		return nil, nil, errors.New("both channel ends are required")
	}
	return runExchange(ctx, aliceID, bobID, source, opts, aliceCh, bobCh)
}

func runExchange(ctx context.Context, aliceID, bobID string, source keysource.Source, opts *Options, aliceCh, bobCh transport.Channel) ([]byte, *ExchangeReport, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if len(opts.SharedSecret) == 0 {
		return nil, nil, errors.New("options carry no shared secret")
	}
	if source == nil {
		return nil, nil, errors.New("key source is required")
	}

	alice, err := session.New(aliceID, opts.SharedSecret, source)
	if err != nil {
		return nil, nil, fmt.Errorf("creating initiator session: %w", err)
	}
	bob, err := session.New(bobID, opts.SharedSecret, source)
	if err != nil {
		return nil, nil, fmt.Errorf("creating responder session: %w", err)
	}
	for _, s := range []*session.Session{alice, bob} {
		if opts.SourceTimeout > 0 {
			s.SourceTimeout = opts.SourceTimeout
		}
		if opts.ErrorRateThreshold > 0 {
			s.ErrorRateThreshold = opts.ErrorRateThreshold
		}
	}

	c := &conductor{
		opts:    opts,
		alice:   alice,
		bob:     bob,
		aliceCh: aliceCh,
		bobCh:   bobCh,
		report:  &ExchangeReport{},
	}

	key, err := c.run(ctx)
	c.report.SessionID = alice.SessionID()
	c.report.Engine = alice.Status().Engine
	c.report.State = alice.State()
	if err != nil {
		alice.Abort(err)
		bob.Abort(err)
		c.report.State = alice.State()
		return nil, c.report, err
	}
	c.report.KeyLength = len(key)
	return key, c.report, nil
}

// conductor drives one exchange: operations on the initiating session,
// HandleMessage on the responding one, every message optionally
// crossing a channel pair.
type conductor struct {
	opts    *Options
	alice   *session.Session
	bob     *session.Session
	aliceCh transport.Channel
	bobCh   transport.Channel
	report  *ExchangeReport
}

func (c *conductor) run(ctx context.Context) ([]byte, error) {
	if err := c.negotiate(ctx); err != nil {
		return nil, err
	}
	if err := c.authenticate(ctx); err != nil {
		return nil, err
	}
	rawA, rawB, err := c.generateKeys(ctx)
	if err != nil {
		return nil, err
	}
	rate, err := c.detectErrors(ctx, rawA, rawB)
	if err != nil {
		return nil, err
	}
	if err := c.reconcile(ctx, rate); err != nil {
		return nil, err
	}
	finalA, finalB, err := c.amplify(ctx)
	if err != nil {
		return nil, err
	}
	return c.verify(ctx, finalA, finalB)
}

func (c *conductor) negotiate(ctx context.Context) error {
	propose, err := c.alice.ProposeSession(c.opts.Engine)
	if err != nil {
		return err
	}
	accept, err := c.toBob(ctx, propose)
	if err != nil {
		return err
	}
	if err := expectKind(accept, session.KindInitResponse); err != nil {
		return err
	}
	_, err = c.alice.HandleMessage(ctx, accept)
	return err
}

func (c *conductor) authenticate(ctx context.Context) error {
	_, challengeMsg, err := c.alice.GenerateAuthChallenge()
	if err != nil {
		return err
	}
	authReply, err := c.toBob(ctx, challengeMsg)
	if err != nil {
		return err
	}
	if err := expectKind(authReply, session.KindAuthResponse); err != nil {
		return err
	}
	if _, err := c.alice.HandleMessage(ctx, authReply); err != nil {
		return err
	}
	return c.alice.VerifyAuthResponse(nil, nil)
}

func (c *conductor) generateKeys(ctx context.Context) ([]byte, []byte, error) {
	request, err := c.alice.RequestKeyGeneration(c.opts.Shots, c.opts.UseHardware)
	if err != nil {
		return nil, nil, err
	}
	bobAnnounce, err := c.toBob(ctx, request)
	if err != nil {
		return nil, nil, err
	}
	if err := expectKind(bobAnnounce, session.KindKeyGenResponse); err != nil {
		return nil, nil, err
	}
	if _, err := c.alice.HandleMessage(ctx, bobAnnounce); err != nil {
		return nil, nil, err
	}

	rawA, aliceAnnounce, err := c.alice.GenerateKey(ctx, c.opts.Shots, c.opts.UseHardware)
	if err != nil {
		return nil, nil, err
	}
	if _, err := c.toBob(ctx, aliceAnnounce); err != nil {
		return nil, nil, err
	}

	rawB := c.bob.RetainedKey()
	if rawB == nil {
		return nil, nil, fmt.Errorf("%w: responder produced no raw key", session.ErrKeyGeneration)
	}
	return rawA, rawB, nil
}

func (c *conductor) detectErrors(ctx context.Context, rawA, rawB []byte) (float64, error) {
	rate, detectMsg, err := c.alice.DetectErrors(rawA, rawB, c.opts.SampleSize)
	c.report.ErrorRate = rate
	if err != nil {
		return rate, err
	}
	_, err = c.toBob(ctx, detectMsg)
	return rate, err
}

// reconcile runs the configured engine over the sifted keys, retrying
// divergent runs with reduced parameters up to the retry budget. The
// sessions only see the final outcome: divergence inside the budget is
// the engine's business, not a protocol failure.
func (c *conductor) reconcile(ctx context.Context, rate float64) error {
	params := c.opts.initialParams()

	var res *reconcile.Result
	for {
		engine, err := c.opts.newReconciler(params)
		if err != nil {
			return err
		}

		res, err = engine.Reconcile(c.alice.RetainedKey(), c.bob.RetainedKey(), rate)
		if err == nil && res != nil && res.Converged {
			break
		}
		if err != nil && !errors.Is(err, reconcile.ErrDivergence) {
			return err
		}

		if c.report.Retries >= c.opts.RetryBudget {
			return fmt.Errorf("reconciliation gave up after %d attempts: %w",
				c.report.Retries+1, reconcile.ErrDivergence)
		}
		next, ok := c.opts.reduce(params)
		if !ok {
			return fmt.Errorf("reconciliation parameters exhausted: %w", reconcile.ErrDivergence)
		}

		logrus.WithFields(logrus.Fields{
			"function":   "Exchange",
			"session_id": c.alice.SessionID(),
			"engine":     c.opts.Engine,
			"attempt":    c.report.Retries + 1,
			"block_size": next.blockSize,
			"msg_len":    next.msgLen,
		}).Warn("reconciliation diverged, retrying with reduced parameters")

		params = next
		c.report.Retries++
	}

	c.report.ErrorsCorrected = res.ErrorsCorrected
	c.report.RemainingErrors = res.RemainingErrors
	c.report.Converged = res.Converged

	msgA, err := c.alice.CompleteReconciliation(res.CorrectedA, res)
	if err != nil {
		return err
	}
	if _, err := c.toBob(ctx, msgA); err != nil {
		return err
	}
	msgB, err := c.bob.CompleteReconciliation(res.CorrectedB, res)
	if err != nil {
		return err
	}
	if _, err := c.toAlice(ctx, msgB); err != nil {
		return err
	}
	return nil
}

func (c *conductor) amplify(ctx context.Context) ([]byte, []byte, error) {
	finalA, ampMsg, err := c.alice.AmplifyKey(c.opts.OutputLength, nil)
	if err != nil {
		return nil, nil, err
	}

	// The seed travels to the responder in the open; both sides must
	// amplify with identical parameters.
	arrived, err := c.carryToBob(ctx, ampMsg)
	if err != nil {
		return nil, nil, err
	}
	amp, ok := arrived.Payload.(*session.PrivacyAmp)
	if !ok {
		return nil, nil, fmt.Errorf("%w: amplification message carried %T", ErrProtocolViolation, arrived.Payload)
	}
	finalB, _, err := c.bob.AmplifyKey(amp.OutputLength, amp.Seed)
	if err != nil {
		return nil, nil, err
	}
	return finalA, finalB, nil
}

func (c *conductor) verify(ctx context.Context, finalA, finalB []byte) ([]byte, error) {
	ok, verifyMsg, err := c.alice.VerifyKey(finalA, finalB)
	if err != nil {
		if verifyMsg != nil {
			// Let the responder learn about the mismatch so it aborts
			// too instead of idling in the verification phase.
			if _, derr := c.toBob(ctx, verifyMsg); derr != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Exchange",
					"error":    derr,
				}).Debug("responder mismatch delivery failed")
			}
		}
		return nil, err
	}
	if !ok {
		return nil, session.ErrKeyMismatch
	}

	confirm, err := c.toBob(ctx, verifyMsg)
	if err != nil {
		return nil, err
	}
	if err := expectKind(confirm, session.KindKeyConfirm); err != nil {
		return nil, err
	}
	if _, err := c.alice.HandleMessage(ctx, confirm); err != nil {
		return nil, err
	}

	keyA, err := c.alice.SessionKey()
	if err != nil {
		return nil, err
	}
	keyB, err := c.bob.SessionKey()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(keyA, keyB) {
		return nil, session.ErrKeyMismatch
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Exchange",
		"session_id": c.alice.SessionID(),
		"key_length": len(keyA),
		"retries":    c.report.Retries,
	}).Info("exchange complete")

	return keyA, nil
}

// toBob delivers one of the initiator's messages to the responder and
// returns the responder's reply, transported back when channels are in
// play.
func (c *conductor) toBob(ctx context.Context, msg *session.Message) (*session.Message, error) {
	arrived, err := c.carryToBob(ctx, msg)
	if err != nil {
		return nil, err
	}
	reply, err := c.bob.HandleMessage(ctx, arrived)
	if err != nil || reply == nil {
		return reply, err
	}
	return c.carryToAlice(ctx, reply)
}

// toAlice is toBob with the roles swapped.
func (c *conductor) toAlice(ctx context.Context, msg *session.Message) (*session.Message, error) {
	arrived, err := c.carryToAlice(ctx, msg)
	if err != nil {
		return nil, err
	}
	reply, err := c.alice.HandleMessage(ctx, arrived)
	if err != nil || reply == nil {
		return reply, err
	}
	return c.carryToBob(ctx, reply)
}

func (c *conductor) carryToBob(ctx context.Context, msg *session.Message) (*session.Message, error) {
	if c.aliceCh == nil {
		return msg, nil
	}
	return crossChannel(ctx, c.aliceCh, c.bobCh, msg)
}

func (c *conductor) carryToAlice(ctx context.Context, msg *session.Message) (*session.Message, error) {
	if c.bobCh == nil {
		return msg, nil
	}
	return crossChannel(ctx, c.bobCh, c.aliceCh, msg)
}

// crossChannel pushes a message into one channel end and collects it
// from the other. Send runs concurrently so unbuffered transports
// cannot deadlock a single-goroutine conductor.
func crossChannel(ctx context.Context, from, to transport.Channel, msg *session.Message) (*session.Message, error) {
	errCh := make(chan error, 1)
	go func() { errCh <- from.Send(ctx, msg) }()

	got, err := to.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return got, nil
}

func expectKind(msg *session.Message, kind session.Kind) error {
	if msg == nil {
		return fmt.Errorf("%w: wanted %s, got no reply", ErrProtocolViolation, kind)
	}
	if msg.Kind != kind {
		return fmt.Errorf("%w: wanted %s, got %s", ErrProtocolViolation, kind, msg.Kind)
	}
	return nil
}
