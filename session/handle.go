package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/qkd/amplify"
	"github.com/opd-ai/qkd/reconcile"
)

// HandleMessage consumes one inbound protocol message: it verifies
// the signature, checks freshness and session ownership, advances the
// local phase and applies the payload. Where the protocol calls for a
// reply - init requests, challenges, key generation requests and
// successful verifications - the signed reply is returned; otherwise
// the first return value is nil.
//
// A signature failure aborts the session. Stale messages and foreign
// session ids are discarded with an error but leave the session
// state untouched.
func (s *Session) HandleMessage(ctx context.Context, msg *Message) (*Message, error) {
	if msg == nil || msg.Payload == nil {
		return nil, errors.New("nil message")
	}

	s.mu.Lock()

	if !msg.Verify(s.secret) {
		s.abortLocked(ErrSignatureInvalid)
		s.mu.Unlock()
		return nil, fmt.Errorf("%s message: %w", msg.Kind, ErrSignatureInvalid)
	}

	if s.MaxMessageAge > 0 {
		age := time.Since(time.Unix(msg.Timestamp, 0))
		if age > s.MaxMessageAge || age < -s.MaxMessageAge {
			s.mu.Unlock()
			return nil, fmt.Errorf("%s message aged %s: %w", msg.Kind, age, ErrStaleMessage)
		}
	}

	switch {
	case msg.SessionID == "":
		// Messages from sessions driven by direct operation calls may
		// carry no id; accept them as-is.
	case s.id == "":
		s.id = msg.SessionID
	case s.id != msg.SessionID:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: got %q, want %q", ErrSessionMismatch, msg.SessionID, s.id)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "HandleMessage",
		"party_id":   s.partyID,
		"session_id": s.id,
		"kind":       msg.Kind.String(),
		"state":      s.state.String(),
	}).Debug("handling protocol message")

	// Key generation blocks on the quantum source, so it runs through
	// the public operation without holding the lock.
	if p, ok := msg.Payload.(*KeyGenRequest); ok {
		if err := s.ensurePhaseLocked(StateKeyGenerating); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()

		_, reply, err := s.GenerateKey(ctx, p.Shots, p.UseHardware)
		return reply, err
	}

	defer s.mu.Unlock()

	switch p := msg.Payload.(type) {
	case *InitRequest:
		return s.handleInitRequestLocked(p)
	case *InitResponse:
		return s.handleInitResponseLocked(p)
	case *AuthChallenge:
		return s.handleAuthChallengeLocked(p)
	case *AuthResponse:
		return s.handleAuthResponseLocked(p)
	case *KeyGenResponse:
		return s.handleKeyGenResponseLocked(p)
	case *ErrorDetect:
		return s.handleErrorDetectLocked(p)
	case *ErrorCorrect:
		return s.handleErrorCorrectLocked(p)
	case *PrivacyAmp:
		return s.handlePrivacyAmpLocked(p)
	case *KeyVerify:
		return s.handleKeyVerifyLocked(p)
	case *KeyConfirm:
		return s.handleKeyConfirmLocked(p)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageKind, msg.Payload)
	}
}

func (s *Session) handleInitRequestLocked(p *InitRequest) (*Message, error) {
	if s.state != StateIdle {
		return nil, fmt.Errorf("%w: init request while %s", ErrInvalidTransition, s.state)
	}

	s.peerID = p.PartyID
	if p.Engine != "" {
		s.engine = p.Engine
	}

	return s.newSignedMessageLocked(&InitResponse{
		PartyID:  s.partyID,
		Accepted: true,
		Engine:   s.engine,
	})
}

func (s *Session) handleInitResponseLocked(p *InitResponse) (*Message, error) {
	if s.state != StateIdle {
		return nil, fmt.Errorf("%w: init response while %s", ErrInvalidTransition, s.state)
	}

	s.peerID = p.PartyID
	if !p.Accepted {
		err := fmt.Errorf("peer %s declined the session", p.PartyID)
		s.abortLocked(err)
		return nil, err
	}
	return nil, nil
}

func (s *Session) handleAuthChallengeLocked(p *AuthChallenge) (*Message, error) {
	if err := s.ensurePhaseLocked(StateAuthenticating); err != nil {
		return nil, err
	}

	s.challenge = append([]byte(nil), p.Challenge...)
	response := authDigest(s.secret, p.Challenge)
	return s.newSignedMessageLocked(&AuthResponse{Response: response})
}

func (s *Session) handleAuthResponseLocked(p *AuthResponse) (*Message, error) {
	if s.state != StateAuthenticating {
		return nil, fmt.Errorf("%w: auth response while %s", ErrInvalidTransition, s.state)
	}

	s.peerResponse = append([]byte(nil), p.Response...)
	return nil, nil
}

func (s *Session) handleKeyGenResponseLocked(p *KeyGenResponse) (*Message, error) {
	if err := s.ensurePhaseLocked(StateKeyGenerating); err != nil {
		return nil, err
	}

	s.peerDigest = append([]byte(nil), p.KeyDigest...)
	s.peerFidelity = p.Fidelity

	logrus.WithFields(logrus.Fields{
		"function":   "HandleMessage",
		"party_id":   s.partyID,
		"session_id": s.id,
		"peer_src":   p.SourceID,
		"fidelity":   p.Fidelity,
		"key_length": p.KeyLength,
	}).Debug("peer announced raw key material")

	return nil, nil
}

func (s *Session) handleErrorDetectLocked(p *ErrorDetect) (*Message, error) {
	if err := s.ensurePhaseLocked(StateErrorDetecting); err != nil {
		return nil, err
	}

	s.errorRate = p.ErrorRate
	s.siftLocked(p.SampleIndices)

	if p.ErrorRate > s.ErrorRateThreshold {
		err := fmt.Errorf("%w: %.4f > %.4f", ErrHighErrorRate, p.ErrorRate, s.ErrorRateThreshold)
		s.abortLocked(err)
		return nil, err
	}
	return nil, nil
}

func (s *Session) handleErrorCorrectLocked(p *ErrorCorrect) (*Message, error) {
	if err := s.ensurePhaseLocked(StateReconciling); err != nil {
		return nil, err
	}

	if !p.Converged {
		err := fmt.Errorf("peer reported non-converged reconciliation: %w", reconcile.ErrDivergence)
		s.abortLocked(err)
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":         "HandleMessage",
		"party_id":         s.partyID,
		"session_id":       s.id,
		"engine":           p.Engine,
		"errors_corrected": p.ErrorsCorrected,
	}).Debug("peer completed reconciliation")

	return nil, nil
}

func (s *Session) handlePrivacyAmpLocked(p *PrivacyAmp) (*Message, error) {
	if err := s.ensurePhaseLocked(StatePrivacyAmplifying); err != nil {
		return nil, err
	}
	if len(s.reconciledKey) == 0 {
		return nil, ErrNoKeyMaterial
	}

	final, err := amplify.Amplify(s.reconciledKey, p.OutputLength, p.Seed)
	if err != nil {
		return nil, err
	}
	s.finalKey = final
	return nil, nil
}

func (s *Session) handleKeyVerifyLocked(p *KeyVerify) (*Message, error) {
	if err := s.ensurePhaseLocked(StateVerifying); err != nil {
		return nil, err
	}
	if len(s.finalKey) == 0 {
		return nil, ErrNoKeyMaterial
	}

	own := sha256.Sum256(s.finalKey)
	if !p.Match || !hmac.Equal(own[:], p.DigestA) {
		s.abortLocked(ErrKeyMismatch)
		return nil, ErrKeyMismatch
	}

	s.state = StateConfirmed

	logrus.WithFields(logrus.Fields{
		"function":   "HandleMessage",
		"party_id":   s.partyID,
		"session_id": s.id,
		"key_length": len(s.finalKey),
	}).Info("session key confirmed")

	return s.newSignedMessageLocked(&KeyConfirm{KeyLength: len(s.finalKey)})
}

func (s *Session) handleKeyConfirmLocked(p *KeyConfirm) (*Message, error) {
	if err := s.ensurePhaseLocked(StateConfirmed); err != nil {
		return nil, err
	}

	if p.KeyLength != len(s.finalKey) {
		logrus.WithFields(logrus.Fields{
			"function":   "HandleMessage",
			"party_id":   s.partyID,
			"session_id": s.id,
			"peer_len":   p.KeyLength,
			"local_len":  len(s.finalKey),
		}).Warn("peer confirmed a key of different length")
	}
	return nil, nil
}
