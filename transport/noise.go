package transport

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/qkd/session"
)

// ErrHandshakeFailed is returned when the Noise handshake cannot be
// completed, typically because the two parties hold different shared
// secrets.
var ErrHandshakeFailed = errors.New("noise handshake failed")

// NoiseChannel encrypts framed messages over a net.Conn using the
// Noise NNpsk0 pattern. Both parties derive the pre-shared key from
// the session secret, so a peer without the secret cannot complete the
// handshake. NN exchanges only ephemeral keys; the psk supplies the
// authentication.
type NoiseChannel struct {
	conn net.Conn

	sendMu sync.Mutex
	recvMu sync.Mutex
	send   *noise.CipherState
	recv   *noise.CipherState
}

// NewNoiseChannel runs the NNpsk0 handshake over conn and returns the
// encrypted channel. The call blocks until the peer completes its side
// of the handshake. Exactly one party must set initiator.
func NewNoiseChannel(conn net.Conn, sharedSecret []byte, initiator bool) (*NoiseChannel, error) {
	if conn == nil {
		return nil, errors.New("connection is nil")
	}
	if len(sharedSecret) == 0 {
		return nil, errors.New("shared secret is empty")
	}

	// The psk slot is fixed at 32 bytes; hash the secret down to it.
	psk := sha256.Sum256(sharedSecret)

	state, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:           noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		Random:                rand.Reader,
		Pattern:               noise.HandshakeNN,
		Initiator:             initiator,
		PresharedKey:          psk[:],
		PresharedKeyPlacement: 0,
	})
	if err != nil {
		return nil, fmt.Errorf("creating handshake state: %w", err)
	}

	nc := &NoiseChannel{conn: conn}
	if initiator {
		err = nc.handshakeInitiator(state)
	} else {
		err = nc.handshakeResponder(state)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "NewNoiseChannel",
		"initiator": initiator,
		"remote":    conn.RemoteAddr().String(),
	}).Debug("noise channel established")

	return nc, nil
}

// handshakeInitiator sends the opening message and completes on the
// responder's reply.
func (nc *NoiseChannel) handshakeInitiator(state *noise.HandshakeState) error {
	msg, _, _, err := state.WriteMessage(nil, nil)
	if err != nil {
		return fmt.Errorf("writing opening message: %w", err)
	}
	if err := WriteFrame(nc.conn, msg); err != nil {
		return err
	}

	reply, err := ReadFrame(nc.conn)
	if err != nil {
		return err
	}
	_, cs1, cs2, err := state.ReadMessage(nil, reply)
	if err != nil {
		return fmt.Errorf("reading handshake reply: %w", err)
	}
	if cs1 == nil || cs2 == nil {
		return errors.New("handshake incomplete after reply")
	}

	// The first cipher state carries initiator-to-responder traffic.
	nc.send, nc.recv = cs1, cs2
	return nil
}

// handshakeResponder consumes the opening message and replies,
// completing the handshake.
func (nc *NoiseChannel) handshakeResponder(state *noise.HandshakeState) error {
	opening, err := ReadFrame(nc.conn)
	if err != nil {
		return err
	}
	if _, _, _, err := state.ReadMessage(nil, opening); err != nil {
		return fmt.Errorf("reading opening message: %w", err)
	}

	reply, cs1, cs2, err := state.WriteMessage(nil, nil)
	if err != nil {
		return fmt.Errorf("writing handshake reply: %w", err)
	}
	if cs1 == nil || cs2 == nil {
		return errors.New("handshake incomplete after reply")
	}
	if err := WriteFrame(nc.conn, reply); err != nil {
		return err
	}

	nc.send, nc.recv = cs2, cs1
	return nil
}

// Send encrypts and frames one message. Frames must reach the peer in
// send order, so the encryption and the write share one critical
// section.
func (nc *NoiseChannel) Send(ctx context.Context, msg *session.Message) error {
	plaintext, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	nc.sendMu.Lock()
	defer nc.sendMu.Unlock()

	ciphertext, err := nc.send.Encrypt(nil, nil, plaintext)
	if err != nil {
		return fmt.Errorf("encrypting message: %w", err)
	}

	deadline, _ := ctx.Deadline()
	if err := nc.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return WriteFrame(nc.conn, ciphertext)
}

// Recv reads and decrypts the next message.
func (nc *NoiseChannel) Recv(ctx context.Context) (*session.Message, error) {
	nc.recvMu.Lock()
	defer nc.recvMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := nc.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	ciphertext, err := ReadFrame(nc.conn)
	if err != nil {
		return nil, err
	}

	plaintext, err := nc.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypting message: %w", err)
	}
	return decodeMessage(plaintext)
}

// Close closes the underlying connection.
func (nc *NoiseChannel) Close() error {
	return nc.conn.Close()
}

var _ Channel = (*NoiseChannel)(nil)
