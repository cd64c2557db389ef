// Package session implements the classical post-processing protocol
// that turns raw quantum key material into a verified shared secret.
//
// A Session is one party's view of the exchange. It walks a fixed
// sequence of phases - authentication, key generation, error
// detection, reconciliation, privacy amplification and verification -
// and refuses to skip ahead or fall back. Each phase emits a signed
// protocol message for the peer; HandleMessage consumes the peer's
// messages, advances the local state and produces replies where the
// protocol calls for them.
//
// All key material stays local. Messages carry digests, parities,
// sample indices and seeds, never key bytes, and every message is
// authenticated with HMAC-SHA256 under the pre-shared secret.
package session

import (
	"context"
	"crypto/hmac"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/qkd/amplify"
	"github.com/opd-ai/qkd/bitvec"
	"github.com/opd-ai/qkd/keysource"
	"github.com/opd-ai/qkd/memzero"
	"github.com/opd-ai/qkd/reconcile"
)

// Defaults for session tuning knobs.
const (
	// DefaultSourceTimeout bounds a single key generation call.
	DefaultSourceTimeout = 30 * time.Second
	// DefaultMaxMessageAge is the freshness window for inbound
	// messages.
	DefaultMaxMessageAge = 5 * time.Minute
	// DefaultErrorRateThreshold is the estimated error rate above
	// which a session aborts: disagreement that heavy points at an
	// eavesdropper or an unusable channel.
	DefaultErrorRateThreshold = 0.15
	// DefaultSampleSize is the number of bit positions compared
	// during error detection when the caller does not choose one.
	DefaultSampleSize = 100

	// DefaultEngine names the reconciliation engine assumed when none
	// is negotiated.
	DefaultEngine = "cascade"
)

// Protocol failure classes. Operations wrap these so callers can
// classify failures with errors.Is.
var (
	// ErrAuthenticationFailed is returned when a challenge response
	// does not match the shared secret.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrKeyGeneration is returned when the quantum source cannot
	// deliver raw key material.
	ErrKeyGeneration = errors.New("key generation failed")
	// ErrHighErrorRate is returned when the estimated error rate
	// exceeds the configured threshold.
	ErrHighErrorRate = errors.New("estimated error rate exceeds threshold")
	// ErrKeyMismatch is returned when final key digests disagree.
	ErrKeyMismatch = errors.New("final key digests do not match")
	// ErrSignatureInvalid is returned when an inbound message fails
	// signature verification.
	ErrSignatureInvalid = errors.New("message signature verification failed")
	// ErrSessionMismatch is returned when a message carries a foreign
	// session id.
	ErrSessionMismatch = errors.New("message belongs to a different session")
	// ErrStaleMessage is returned when a message timestamp falls
	// outside the freshness window.
	ErrStaleMessage = errors.New("message timestamp outside freshness window")
	// ErrInvalidTransition is returned when an operation is attempted
	// out of phase order.
	ErrInvalidTransition = errors.New("invalid protocol state transition")
	// ErrSessionAborted is returned by any operation on an aborted
	// session.
	ErrSessionAborted = errors.New("session aborted")
	// ErrNoKeyMaterial is returned when an operation needs key
	// material that has not been produced yet.
	ErrNoKeyMaterial = errors.New("no key material available")
	// ErrKeyNotEstablished is returned by SessionKey before the
	// session reaches the confirmed state.
	ErrKeyNotEstablished = errors.New("session key not established")
)

// State is the phase a session is currently in.
type State uint8

// Session phases in protocol order. Aborted is terminal and reachable
// from every other state.
const (
	StateIdle State = iota
	StateAuthenticating
	StateKeyGenerating
	StateErrorDetecting
	StateReconciling
	StatePrivacyAmplifying
	StateVerifying
	StateConfirmed
	StateAborted
)

var stateNames = map[State]string{
	StateIdle:              "idle",
	StateAuthenticating:    "authenticating",
	StateKeyGenerating:     "key_generating",
	StateErrorDetecting:    "error_detecting",
	StateReconciling:       "reconciling",
	StatePrivacyAmplifying: "privacy_amplifying",
	StateVerifying:         "verifying",
	StateConfirmed:         "confirmed",
	StateAborted:           "aborted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Status is a point-in-time snapshot of a session. It never exposes
// key material; KeyLength is populated only once the key is
// confirmed.
type Status struct {
	PartyID   string
	PeerID    string
	SessionID string
	State     State
	Engine    string
	ErrorRate float64
	KeyLength int
}

// Session is one party's protocol state machine. All methods are safe
// for concurrent use; the tuning fields must be set before the first
// operation.
type Session struct {
	// SourceTimeout bounds each key generation call. Zero disables
	// the bound.
	SourceTimeout time.Duration
	// MaxMessageAge is the freshness window applied to inbound
	// messages. Zero disables the check.
	MaxMessageAge time.Duration
	// ErrorRateThreshold is the estimated error rate above which the
	// session aborts during error detection.
	ErrorRateThreshold float64

	mu sync.Mutex

	partyID string
	secret  []byte
	source  keysource.Source
	rng     *rand.Rand

	id     string
	engine string
	state  State

	challenge    []byte
	peerResponse []byte
	peerID       string
	peerDigest   []byte
	peerFidelity float64

	rawKey        []byte
	siftedKey     []byte
	reconciledKey []byte
	finalKey      []byte

	errorRate float64
	result    *reconcile.Result

	abortCause error
}

// New creates a session for one party. The shared secret
// authenticates every protocol message and must match the peer's. The
// source may be nil for sessions that never generate key material
// locally.
func New(partyID string, sharedSecret []byte, source keysource.Source) (*Session, error) {
	if partyID == "" {
		return nil, errors.New("party id is empty")
	}
	if len(sharedSecret) == 0 {
		return nil, errors.New("shared secret is empty")
	}

	return &Session{
		SourceTimeout:      DefaultSourceTimeout,
		MaxMessageAge:      DefaultMaxMessageAge,
		ErrorRateThreshold: DefaultErrorRateThreshold,
		partyID:            partyID,
		secret:             append([]byte(nil), sharedSecret...),
		source:             source,
		rng:                rand.New(rand.NewSource(rand.Int63())),
		engine:             DefaultEngine,
		state:              StateIdle,
	}, nil
}

// PartyID returns the local party identifier.
func (s *Session) PartyID() string { return s.partyID }

// SessionID returns the exchange identifier, empty until established.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the current phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ErrorRate returns the estimated error rate measured during error
// detection, zero before that phase.
func (s *Session) ErrorRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorRate
}

// Result returns a copy of the reconciliation summary, nil before
// reconciliation completes.
func (s *Session) Result() *reconcile.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return nil
	}
	r := *s.result
	return &r
}

// AbortCause returns the error that aborted the session, nil while it
// is live.
func (s *Session) AbortCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortCause
}

// Status returns a snapshot safe to expose to monitoring. The final
// key length is reported only after confirmation; the key itself is
// never included.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		PartyID:   s.partyID,
		PeerID:    s.peerID,
		SessionID: s.id,
		State:     s.state,
		Engine:    s.engine,
		ErrorRate: s.errorRate,
	}
	if s.state == StateConfirmed {
		st.KeyLength = len(s.finalKey)
	}
	return st
}

// RetainedKey returns a copy of the most processed key material the
// session currently holds: reconciled if present, otherwise sifted,
// otherwise raw. It returns nil before key generation. The copy is
// working material for driving the reconciliation engines, not the
// final key.
func (s *Session) RetainedKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range [][]byte{s.reconciledKey, s.siftedKey, s.rawKey} {
		if len(key) > 0 {
			return append([]byte(nil), key...)
		}
	}
	return nil
}

// SessionKey returns a copy of the final key. It fails until the
// session reaches the confirmed state.
func (s *Session) SessionKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConfirmed {
		return nil, fmt.Errorf("%w: session is %s", ErrKeyNotEstablished, s.state)
	}
	return append([]byte(nil), s.finalKey...), nil
}

// Abort terminates the session and wipes all key material.
func (s *Session) Abort(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortLocked(cause)
}

// abortLocked moves the session to the terminal aborted state and
// erases every piece of key material it holds.
func (s *Session) abortLocked(cause error) {
	if s.state == StateAborted {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Abort",
		"party_id":   s.partyID,
		"session_id": s.id,
		"from_state": s.state.String(),
		"cause":      fmt.Sprint(cause),
	}).Warn("session aborted")

	for _, key := range [][]byte{s.rawKey, s.siftedKey, s.reconciledKey, s.finalKey} {
		memzero.Zero(key)
	}
	s.rawKey = nil
	s.siftedKey = nil
	s.reconciledKey = nil
	s.finalKey = nil

	s.state = StateAborted
	s.abortCause = cause
}

// ensurePhaseLocked moves the session into the target phase. Being
// already there is fine; advancing by exactly one phase is fine;
// anything else is a protocol violation.
func (s *Session) ensurePhaseLocked(target State) error {
	if s.state == target {
		return nil
	}
	if s.state+1 == target && s.state < StateConfirmed {
		logrus.WithFields(logrus.Fields{
			"function":   "ensurePhase",
			"party_id":   s.partyID,
			"session_id": s.id,
			"from":       s.state.String(),
			"to":         target.String(),
		}).Debug("session phase advanced")
		s.state = target
		return nil
	}
	if s.state == StateAborted {
		return fmt.Errorf("%w: %v", ErrSessionAborted, s.abortCause)
	}
	return fmt.Errorf("%w: cannot enter %s from %s", ErrInvalidTransition, target, s.state)
}

// newSignedMessageLocked wraps a payload into a message for this
// session and signs it with the shared secret.
func (s *Session) newSignedMessageLocked(payload Payload) (*Message, error) {
	msg, err := NewMessage(s.id, payload)
	if err != nil {
		return nil, err
	}
	if err := msg.Sign(s.secret); err != nil {
		return nil, err
	}
	return msg, nil
}

// authDigest computes the keyed response to an authentication
// challenge.
func authDigest(secret, challenge []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(challenge)
	return mac.Sum(nil)
}

// ProposeSession emits an InitRequest naming the reconciliation
// engine this party wants to use. It may only be called before the
// protocol starts and does not advance the phase.
func (s *Session) ProposeSession(engine string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return nil, fmt.Errorf("%w: propose requires %s, session is %s",
			ErrInvalidTransition, StateIdle, s.state)
	}
	if engine != "" {
		s.engine = engine
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}

	return s.newSignedMessageLocked(&InitRequest{PartyID: s.partyID, Engine: s.engine})
}

// GenerateAuthChallenge opens the exchange: it assigns the session id,
// draws a random challenge and moves the session into the
// authenticating phase.
func (s *Session) GenerateAuthChallenge() ([]byte, *Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return nil, nil, fmt.Errorf("%w: challenge requires %s, session is %s",
			ErrInvalidTransition, StateIdle, s.state)
	}

	challenge := make([]byte, ChallengeSize)
	if _, err := cryptorand.Read(challenge); err != nil {
		return nil, nil, fmt.Errorf("generating challenge: %w", err)
	}

	if s.id == "" {
		s.id = uuid.NewString()
	}
	s.challenge = append([]byte(nil), challenge...)
	s.state = StateAuthenticating

	msg, err := s.newSignedMessageLocked(&AuthChallenge{Challenge: challenge})
	if err != nil {
		return nil, nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "GenerateAuthChallenge",
		"party_id":   s.partyID,
		"session_id": s.id,
	}).Debug("authentication challenge issued")

	return challenge, msg, nil
}

// Authenticate answers a challenge with the keyed digest of the
// shared secret. A nil challenge answers the most recently received
// one.
func (s *Session) Authenticate(challenge []byte) ([]byte, *Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if challenge == nil {
		challenge = s.challenge
	}
	if len(challenge) != ChallengeSize {
		return nil, nil, fmt.Errorf("%w: no valid challenge to answer", ErrAuthenticationFailed)
	}
	if err := s.ensurePhaseLocked(StateAuthenticating); err != nil {
		return nil, nil, err
	}

	response := authDigest(s.secret, challenge)
	msg, err := s.newSignedMessageLocked(&AuthResponse{Response: response})
	if err != nil {
		return nil, nil, err
	}
	return response, msg, nil
}

// VerifyAuthResponse checks the peer's challenge response. Nil
// arguments fall back to the challenge this session issued and the
// response it received. A mismatch aborts the session.
func (s *Session) VerifyAuthResponse(challenge, response []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAuthenticating {
		return fmt.Errorf("%w: verification requires %s, session is %s",
			ErrInvalidTransition, StateAuthenticating, s.state)
	}
	if challenge == nil {
		challenge = s.challenge
	}
	if response == nil {
		response = s.peerResponse
	}
	if len(challenge) != ChallengeSize || len(response) == 0 {
		return fmt.Errorf("%w: missing challenge or response", ErrAuthenticationFailed)
	}

	if !hmac.Equal(authDigest(s.secret, challenge), response) {
		s.abortLocked(ErrAuthenticationFailed)
		return ErrAuthenticationFailed
	}

	s.state = StateKeyGenerating

	logrus.WithFields(logrus.Fields{
		"function":   "VerifyAuthResponse",
		"party_id":   s.partyID,
		"session_id": s.id,
	}).Debug("peer authenticated")

	return nil
}

// RequestKeyGeneration asks the peer to produce raw key material.
func (s *Session) RequestKeyGeneration(shots int, useHardware bool) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensurePhaseLocked(StateKeyGenerating); err != nil {
		return nil, err
	}
	return s.newSignedMessageLocked(&KeyGenRequest{Shots: shots, UseHardware: useHardware})
}

// GenerateKey obtains raw key material from the session's source and
// announces its digest. The raw bytes are returned to the local
// caller and additionally retained for the later phases; they are
// never placed in a message.
func (s *Session) GenerateKey(ctx context.Context, shots int, useHardware bool) ([]byte, *Message, error) {
	s.mu.Lock()
	if err := s.ensurePhaseLocked(StateKeyGenerating); err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	source := s.source
	timeout := s.SourceTimeout
	s.mu.Unlock()

	if source == nil {
		return nil, nil, fmt.Errorf("%w: session has no key source", ErrKeyGeneration)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	raw, err := source.Generate(ctx, shots, useHardware)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	if len(raw.Bytes) == 0 {
		return nil, nil, fmt.Errorf("%w: source returned no material", ErrKeyGeneration)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The session may have aborted while the source was busy.
	if s.state != StateKeyGenerating {
		if s.state == StateAborted {
			return nil, nil, fmt.Errorf("%w: %v", ErrSessionAborted, s.abortCause)
		}
		return nil, nil, fmt.Errorf("%w: session moved to %s during generation",
			ErrInvalidTransition, s.state)
	}

	s.rawKey = append([]byte(nil), raw.Bytes...)
	digest := sha256.Sum256(s.rawKey)

	msg, err := s.newSignedMessageLocked(&KeyGenResponse{
		SourceID:  raw.SourceID,
		Fidelity:  raw.Fidelity,
		KeyLength: len(s.rawKey),
		KeyDigest: digest[:],
	})
	if err != nil {
		return nil, nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "GenerateKey",
		"party_id":   s.partyID,
		"session_id": s.id,
		"source_id":  raw.SourceID,
		"key_length": len(s.rawKey),
		"fidelity":   raw.Fidelity,
	}).Debug("raw key material generated")

	return append([]byte(nil), s.rawKey...), msg, nil
}

// DetectErrors estimates the channel error rate by comparing a random
// sample of bit positions across the two raw keys. The sampled
// positions are published to the peer and discarded from the local
// key, since comparing them disclosed their values. A rate above the
// threshold aborts the session.
func (s *Session) DetectErrors(keyA, keyB []byte, sampleSize int) (float64, *Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensurePhaseLocked(StateErrorDetecting); err != nil {
		return 0, nil, err
	}

	bitCount := len(keyA) * 8
	if len(keyB)*8 < bitCount {
		bitCount = len(keyB) * 8
	}
	if bitCount == 0 {
		return 0, nil, ErrNoKeyMaterial
	}

	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	if sampleSize > bitCount {
		sampleSize = bitCount
	}

	indices := s.rng.Perm(bitCount)[:sampleSize]
	sort.Ints(indices)

	errorCount := 0
	for _, idx := range indices {
		if bitvec.Bit(keyA, idx) != bitvec.Bit(keyB, idx) {
			errorCount++
		}
	}
	rate := float64(errorCount) / float64(sampleSize)

	s.errorRate = rate
	s.siftLocked(indices)

	logrus.WithFields(logrus.Fields{
		"function":    "DetectErrors",
		"party_id":    s.partyID,
		"session_id":  s.id,
		"sample_size": sampleSize,
		"error_count": errorCount,
		"error_rate":  rate,
	}).Info("error detection complete")

	if rate > s.ErrorRateThreshold {
		err := fmt.Errorf("%w: %.4f > %.4f", ErrHighErrorRate, rate, s.ErrorRateThreshold)
		s.abortLocked(err)
		return rate, nil, err
	}

	msg, err := s.newSignedMessageLocked(&ErrorDetect{
		SampleIndices: indices,
		ErrorCount:    errorCount,
		ErrorRate:     rate,
	})
	if err != nil {
		return 0, nil, err
	}
	return rate, msg, nil
}

// siftLocked removes the sampled bit positions from the session's raw
// key. Sessions driven purely as comparison oracles hold no raw key;
// for them sifting is a no-op.
func (s *Session) siftLocked(indices []int) {
	if len(s.rawKey) == 0 {
		return
	}
	bits := bitvec.Discard(bitvec.FromBytes(s.rawKey), indices)
	s.siftedKey = bits.Bytes()
}

// Reconcile runs a reconciliation engine over the two key copies at
// the measured error rate and stores this party's corrected key. The
// caller's own key is keyA, the reference side; the engine flips keyB
// toward it, so the peer is handed CorrectedB from the returned
// result. Divergence aborts the session; callers that want to retry
// with different engine parameters should run the engine themselves
// and report through CompleteReconciliation.
func (s *Session) Reconcile(r reconcile.Reconciler, keyA, keyB []byte) (*reconcile.Result, *Message, error) {
	if r == nil {
		return nil, nil, errors.New("reconciler is nil")
	}

	s.mu.Lock()
	if err := s.ensurePhaseLocked(StateReconciling); err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}
	rate := s.errorRate
	s.mu.Unlock()

	res, err := r.Reconcile(keyA, keyB, rate)
	if err != nil {
		if errors.Is(err, reconcile.ErrDivergence) {
			s.Abort(err)
		}
		return res, nil, err
	}

	msg, err := s.CompleteReconciliation(res.CorrectedA, res)
	if err != nil {
		return res, nil, err
	}
	return res, msg, nil
}

// CompleteReconciliation records the outcome of a reconciliation run,
// stores this party's corrected key and announces the statistics. A
// non-converged result aborts the session.
func (s *Session) CompleteReconciliation(corrected []byte, res *reconcile.Result) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensurePhaseLocked(StateReconciling); err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.New("reconciliation result is nil")
	}
	if !res.Converged {
		err := fmt.Errorf("reconciliation did not converge: %w", reconcile.ErrDivergence)
		s.abortLocked(err)
		return nil, err
	}
	if len(corrected) == 0 {
		return nil, ErrNoKeyMaterial
	}

	s.reconciledKey = append([]byte(nil), corrected...)
	r := *res
	s.result = &r

	logrus.WithFields(logrus.Fields{
		"function":         "CompleteReconciliation",
		"party_id":         s.partyID,
		"session_id":       s.id,
		"engine":           s.engine,
		"errors_corrected": res.ErrorsCorrected,
	}).Info("reconciliation complete")

	return s.newSignedMessageLocked(&ErrorCorrect{
		Engine:          s.engine,
		ErrorsCorrected: res.ErrorsCorrected,
		RemainingErrors: res.RemainingErrors,
		Converged:       res.Converged,
	})
}

// AmplifyKey derives the final key from the reconciled key and
// publishes the seed so the peer can derive the same key. A zero
// output length selects the conventional default; a nil seed draws a
// fresh random one.
func (s *Session) AmplifyKey(outputLength int, seed []byte) ([]byte, *Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensurePhaseLocked(StatePrivacyAmplifying); err != nil {
		return nil, nil, err
	}
	if len(s.reconciledKey) == 0 {
		return nil, nil, ErrNoKeyMaterial
	}

	if outputLength <= 0 {
		outputLength = amplify.DefaultOutputLength(len(s.reconciledKey))
	}
	if seed == nil {
		var err error
		if seed, err = amplify.NewSeed(); err != nil {
			return nil, nil, err
		}
	}

	final, err := amplify.Amplify(s.reconciledKey, outputLength, seed)
	if err != nil {
		return nil, nil, err
	}
	s.finalKey = final

	logrus.WithFields(logrus.Fields{
		"function":     "AmplifyKey",
		"party_id":     s.partyID,
		"session_id":   s.id,
		"input_bytes":  len(s.reconciledKey),
		"output_bytes": outputLength,
	}).Debug("privacy amplification complete")

	msg, err := s.newSignedMessageLocked(&PrivacyAmp{Seed: seed, OutputLength: outputLength})
	if err != nil {
		return nil, nil, err
	}
	return append([]byte(nil), final...), msg, nil
}

// VerifyKey compares the digests of the two final keys and, on a
// match, confirms the session. A mismatch aborts it: the keys are
// unusable and everything derived from this session must be thrown
// away.
func (s *Session) VerifyKey(keyA, keyB []byte) (bool, *Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensurePhaseLocked(StateVerifying); err != nil {
		return false, nil, err
	}
	if len(keyA) == 0 || len(keyB) == 0 {
		return false, nil, ErrNoKeyMaterial
	}

	digestA := sha256.Sum256(keyA)
	digestB := sha256.Sum256(keyB)
	match := hmac.Equal(digestA[:], digestB[:])

	msg, err := s.newSignedMessageLocked(&KeyVerify{
		DigestA: digestA[:],
		DigestB: digestB[:],
		Match:   match,
	})
	if err != nil {
		return false, nil, err
	}

	if !match {
		s.abortLocked(ErrKeyMismatch)
		return false, msg, ErrKeyMismatch
	}

	s.state = StateConfirmed

	logrus.WithFields(logrus.Fields{
		"function":   "VerifyKey",
		"party_id":   s.partyID,
		"session_id": s.id,
		"key_length": len(s.finalKey),
	}).Info("session key confirmed")

	return true, msg, nil
}

// ConfirmKey emits the final acknowledgement for a confirmed session.
func (s *Session) ConfirmKey() (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConfirmed {
		return nil, fmt.Errorf("%w: confirmation requires %s, session is %s",
			ErrInvalidTransition, StateConfirmed, s.state)
	}
	if len(s.finalKey) == 0 {
		return nil, ErrKeyNotEstablished
	}
	return s.newSignedMessageLocked(&KeyConfirm{KeyLength: len(s.finalKey)})
}
