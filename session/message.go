package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ChallengeSize is the length in bytes of an authentication challenge.
const ChallengeSize = 32

// SignatureSize is the length in bytes of a message signature.
const SignatureSize = sha256.Size

// ErrUnknownMessageKind is returned when decoding a message whose kind
// is not part of the protocol.
var ErrUnknownMessageKind = errors.New("unknown message kind")

// Kind identifies a protocol message type.
type Kind uint8

// Protocol message kinds, in the order the phases use them.
const (
	KindUnknown Kind = iota
	KindInitRequest
	KindInitResponse
	KindAuthChallenge
	KindAuthResponse
	KindKeyGenRequest
	KindKeyGenResponse
	KindErrorDetect
	KindErrorCorrect
	KindPrivacyAmp
	KindKeyVerify
	KindKeyConfirm
)

var kindNames = map[Kind]string{
	KindInitRequest:    "init_request",
	KindInitResponse:   "init_response",
	KindAuthChallenge:  "auth_challenge",
	KindAuthResponse:   "auth_response",
	KindKeyGenRequest:  "keygen_request",
	KindKeyGenResponse: "keygen_response",
	KindErrorDetect:    "error_detect",
	KindErrorCorrect:   "error_correct",
	KindPrivacyAmp:     "privacy_amp",
	KindKeyVerify:      "key_verify",
	KindKeyConfirm:     "key_confirm",
}

var kindValues = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Payload is the kind-specific body of a protocol message. Every
// payload knows its own kind and how to validate itself, so a decoded
// message is either well formed or rejected as a unit.
type Payload interface {
	Kind() Kind
	validate() error
}

// InitRequest proposes a new key exchange and names the
// reconciliation engine the proposer intends to use.
type InitRequest struct {
	PartyID string `json:"party_id"`
	Engine  string `json:"engine"`
}

func (*InitRequest) Kind() Kind { return KindInitRequest }

func (p *InitRequest) validate() error {
	if p.PartyID == "" {
		return errors.New("init request missing party id")
	}
	return nil
}

// InitResponse accepts or declines a proposed exchange.
type InitResponse struct {
	PartyID  string `json:"party_id"`
	Accepted bool   `json:"accepted"`
	Engine   string `json:"engine"`
}

func (*InitResponse) Kind() Kind { return KindInitResponse }

func (p *InitResponse) validate() error {
	if p.PartyID == "" {
		return errors.New("init response missing party id")
	}
	return nil
}

// AuthChallenge carries the random challenge opening mutual
// authentication.
type AuthChallenge struct {
	Challenge []byte `json:"challenge"`
}

func (*AuthChallenge) Kind() Kind { return KindAuthChallenge }

func (p *AuthChallenge) validate() error {
	if len(p.Challenge) != ChallengeSize {
		return fmt.Errorf("challenge must be %d bytes, got %d", ChallengeSize, len(p.Challenge))
	}
	return nil
}

// AuthResponse carries the keyed digest of a received challenge.
type AuthResponse struct {
	Response []byte `json:"response"`
}

func (*AuthResponse) Kind() Kind { return KindAuthResponse }

func (p *AuthResponse) validate() error {
	if len(p.Response) != sha256.Size {
		return fmt.Errorf("auth response must be %d bytes, got %d", sha256.Size, len(p.Response))
	}
	return nil
}

// KeyGenRequest asks the peer to produce raw key material.
type KeyGenRequest struct {
	Shots       int  `json:"shots"`
	UseHardware bool `json:"use_hardware"`
}

func (*KeyGenRequest) Kind() Kind { return KindKeyGenRequest }

func (p *KeyGenRequest) validate() error {
	if p.Shots < 0 {
		return fmt.Errorf("shots must not be negative, got %d", p.Shots)
	}
	return nil
}

// KeyGenResponse announces generated raw key material. Only the
// digest travels; the key itself never leaves its party.
type KeyGenResponse struct {
	SourceID  string  `json:"source_id"`
	Fidelity  float64 `json:"fidelity"`
	KeyLength int     `json:"key_length"`
	KeyDigest []byte  `json:"key_digest"`
}

func (*KeyGenResponse) Kind() Kind { return KindKeyGenResponse }

func (p *KeyGenResponse) validate() error {
	if p.KeyLength <= 0 {
		return fmt.Errorf("key length must be positive, got %d", p.KeyLength)
	}
	if len(p.KeyDigest) != sha256.Size {
		return fmt.Errorf("key digest must be %d bytes, got %d", sha256.Size, len(p.KeyDigest))
	}
	return nil
}

// ErrorDetect publishes the sampled bit positions and the estimated
// error rate. Both parties discard the sampled positions from their
// keys, since comparing them disclosed their values.
type ErrorDetect struct {
	SampleIndices []int   `json:"sample_indices"`
	ErrorCount    int     `json:"error_count"`
	ErrorRate     float64 `json:"error_rate"`
}

func (*ErrorDetect) Kind() Kind { return KindErrorDetect }

func (p *ErrorDetect) validate() error {
	if p.ErrorRate < 0 || p.ErrorRate > 1 {
		return fmt.Errorf("error rate %v outside [0, 1]", p.ErrorRate)
	}
	if p.ErrorCount < 0 || p.ErrorCount > len(p.SampleIndices) {
		return fmt.Errorf("error count %d inconsistent with %d samples", p.ErrorCount, len(p.SampleIndices))
	}
	for _, idx := range p.SampleIndices {
		if idx < 0 {
			return fmt.Errorf("negative sample index %d", idx)
		}
	}
	return nil
}

// ErrorCorrect summarises a reconciliation run. Corrected keys stay
// local; only the statistics travel.
type ErrorCorrect struct {
	Engine          string `json:"engine"`
	ErrorsCorrected int    `json:"errors_corrected"`
	RemainingErrors int    `json:"remaining_errors"`
	Converged       bool   `json:"converged"`
}

func (*ErrorCorrect) Kind() Kind { return KindErrorCorrect }

func (p *ErrorCorrect) validate() error {
	if p.ErrorsCorrected < 0 || p.RemainingErrors < 0 {
		return errors.New("correction counts must not be negative")
	}
	return nil
}

// PrivacyAmp carries the public amplification seed and the final key
// length, letting the peer derive the same final key locally.
type PrivacyAmp struct {
	Seed         []byte `json:"seed"`
	OutputLength int    `json:"output_length"`
}

func (*PrivacyAmp) Kind() Kind { return KindPrivacyAmp }

func (p *PrivacyAmp) validate() error {
	if len(p.Seed) == 0 {
		return errors.New("privacy amplification seed is empty")
	}
	if p.OutputLength <= 0 {
		return fmt.Errorf("output length must be positive, got %d", p.OutputLength)
	}
	return nil
}

// KeyVerify compares final key digests. DigestA is the sender's
// reference digest, DigestB the digest it computed for the peer's
// copy.
type KeyVerify struct {
	DigestA []byte `json:"digest_a"`
	DigestB []byte `json:"digest_b"`
	Match   bool   `json:"match"`
}

func (*KeyVerify) Kind() Kind { return KindKeyVerify }

func (p *KeyVerify) validate() error {
	if len(p.DigestA) != sha256.Size || len(p.DigestB) != sha256.Size {
		return errors.New("key verify digests must be SHA-256 size")
	}
	return nil
}

// KeyConfirm acknowledges a successfully verified key.
type KeyConfirm struct {
	KeyLength int `json:"key_length"`
}

func (*KeyConfirm) Kind() Kind { return KindKeyConfirm }

func (p *KeyConfirm) validate() error {
	if p.KeyLength <= 0 {
		return fmt.Errorf("key length must be positive, got %d", p.KeyLength)
	}
	return nil
}

// payloadForKind allocates the payload struct matching a wire kind.
func payloadForKind(k Kind) (Payload, error) {
	switch k {
	case KindInitRequest:
		return &InitRequest{}, nil
	case KindInitResponse:
		return &InitResponse{}, nil
	case KindAuthChallenge:
		return &AuthChallenge{}, nil
	case KindAuthResponse:
		return &AuthResponse{}, nil
	case KindKeyGenRequest:
		return &KeyGenRequest{}, nil
	case KindKeyGenResponse:
		return &KeyGenResponse{}, nil
	case KindErrorDetect:
		return &ErrorDetect{}, nil
	case KindErrorCorrect:
		return &ErrorCorrect{}, nil
	case KindPrivacyAmp:
		return &PrivacyAmp{}, nil
	case KindKeyVerify:
		return &KeyVerify{}, nil
	case KindKeyConfirm:
		return &KeyConfirm{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageKind, k)
	}
}

// Message is one signed protocol message. The signature covers the
// kind, session id, timestamp and payload, so none of them can be
// altered in transit.
type Message struct {
	Kind      Kind
	SessionID string
	Timestamp int64
	Payload   Payload
	Signature []byte
}

// NewMessage wraps a validated payload into an unsigned message
// stamped with the current time.
func NewMessage(sessionID string, payload Payload) (*Message, error) {
	if payload == nil {
		return nil, errors.New("message payload is nil")
	}
	if err := payload.validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", payload.Kind(), err)
	}

	return &Message{
		Kind:      payload.Kind(),
		SessionID: sessionID,
		Timestamp: time.Now().Unix(),
		Payload:   payload,
	}, nil
}

// signingBytes serialises the fields covered by the signature.
func (m *Message) signingBytes() ([]byte, error) {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("serialising payload for signing: %w", err)
	}

	buf := make([]byte, 0, len(payload)+len(m.SessionID)+32)
	buf = append(buf, m.Kind.String()...)
	buf = append(buf, m.SessionID...)
	buf = strconv.AppendInt(buf, m.Timestamp, 10)
	buf = append(buf, payload...)
	return buf, nil
}

// Sign computes the HMAC-SHA256 signature of the message under the
// shared secret and stores it on the message.
func (m *Message) Sign(secret []byte) error {
	if len(secret) == 0 {
		return errors.New("signing secret is empty")
	}

	data, err := m.signingBytes()
	if err != nil {
		return err
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	m.Signature = mac.Sum(nil)
	return nil
}

// Verify recomputes the signature under the shared secret and compares
// it to the stored one in constant time.
func (m *Message) Verify(secret []byte) bool {
	if len(secret) == 0 || len(m.Signature) != SignatureSize {
		return false
	}

	data, err := m.signingBytes()
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), m.Signature)
}

// wireMessage is the JSON envelope. The payload stays raw until the
// kind is known.
type wireMessage struct {
	Kind      string          `json:"kind"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Signature []byte          `json:"signature,omitempty"`
}

// MarshalJSON encodes the message with its kind spelled out, so wire
// captures stay readable.
func (m *Message) MarshalJSON() ([]byte, error) {
	if m.Payload == nil {
		return nil, errors.New("cannot encode message without payload")
	}

	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, err
	}

	return json.Marshal(wireMessage{
		Kind:      m.Kind.String(),
		SessionID: m.SessionID,
		Timestamp: m.Timestamp,
		Payload:   payload,
		Signature: m.Signature,
	})
}

// UnmarshalJSON decodes and validates a wire message. Unknown kinds
// and malformed payloads are rejected.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decoding message envelope: %w", err)
	}

	kind, ok := kindValues[wire.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMessageKind, wire.Kind)
	}

	payload, err := payloadForKind(kind)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(wire.Payload, payload); err != nil {
		return fmt.Errorf("decoding %s payload: %w", kind, err)
	}
	if err := payload.validate(); err != nil {
		return fmt.Errorf("invalid %s payload: %w", kind, err)
	}

	m.Kind = kind
	m.SessionID = wire.SessionID
	m.Timestamp = wire.Timestamp
	m.Payload = payload
	m.Signature = wire.Signature
	return nil
}
