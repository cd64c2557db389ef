// Package transport moves protocol messages between the two parties of
// a key exchange.
//
// A Channel is a bidirectional, message-oriented link. Three
// implementations are provided: an in-memory Pipe for wiring both
// parties inside one process, a ConnChannel that frames messages over
// any net.Conn, and a NoiseChannel that additionally encrypts the
// framed messages with a Noise NNpsk0 handshake keyed from the
// pre-shared session secret.
//
// Frames on the wire are a 4-byte big-endian length followed by the
// JSON encoding of the message, capped at MaxFrameSize.
package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/opd-ai/qkd/session"
)

const (
	// MaxFrameSize is the largest frame accepted on the wire. This
	// prevents memory exhaustion from hostile length prefixes (1MB
	// limit).
	MaxFrameSize = 1024 * 1024

	frameHeaderSize = 4
)

var (
	// ErrChannelClosed is returned by operations on a closed channel.
	ErrChannelClosed = errors.New("channel closed")
	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// Channel is a bidirectional link carrying protocol messages between
// the two parties of an exchange.
type Channel interface {
	// Send delivers a message to the peer.
	Send(ctx context.Context, msg *session.Message) error
	// Recv blocks until the next message from the peer arrives.
	Recv(ctx context.Context) (*session.Message, error)
	// Close tears the channel down. Pending and future operations
	// fail.
	Close() error
}

// WriteFrame writes a length-prefixed frame to w.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// ReadFrame reads the next length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return data, nil
}

func encodeMessage(msg *session.Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("message is nil")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return data, nil
}

func decodeMessage(data []byte) (*session.Message, error) {
	var msg session.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return &msg, nil
}

// ConnChannel frames messages over an arbitrary net.Conn. It performs
// no encryption of its own and is intended for links that are already
// trusted or wrapped.
type ConnChannel struct {
	conn   net.Conn
	sendMu sync.Mutex
	recvMu sync.Mutex
}

// NewConnChannel wraps an established connection.
func NewConnChannel(conn net.Conn) *ConnChannel {
	return &ConnChannel{conn: conn}
}

// Send frames and writes one message. A context deadline is applied to
// the underlying connection.
func (c *ConnChannel) Send(ctx context.Context, msg *session.Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return WriteFrame(c.conn, data)
}

// Recv reads and decodes the next message.
func (c *ConnChannel) Recv(ctx context.Context) (*session.Message, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	data, err := ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

// Close closes the underlying connection.
func (c *ConnChannel) Close() error {
	return c.conn.Close()
}

var _ Channel = (*ConnChannel)(nil)
