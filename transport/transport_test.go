package transport

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/qkd/session"
)

var testSecret = []byte("transport test shared secret")

func signedTestMessage(t *testing.T) *session.Message {
	t.Helper()
	msg, err := session.NewMessage("pipe-test-session", &session.KeyConfirm{KeyLength: 32})
	require.NoError(t, err)
	require.NoError(t, msg.Sign(testSecret))
	return msg
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		{0x01},
		bytes.Repeat([]byte{0xAB}, 1024),
	}

	for _, payload := range payloads {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, payload))

		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, len(payload), len(got))
		assert.True(t, bytes.Equal(payload, got))
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxFrameSize+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buf.Len(), "nothing should reach the wire")
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	// A hostile header announcing more than the cap must be rejected
	// before any allocation.
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})

	_, err := ReadFrame(&buf)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x00, 0x00, 0x10})
	buf.Write([]byte{0x01, 0x02, 0x03})

	_, err := ReadFrame(&buf)
	require.Error(t, err)
}

func TestPipeRoundTrip(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	ctx := testContext(t)
	sent := signedTestMessage(t)
	require.NoError(t, a.Send(ctx, sent))

	got, err := b.Recv(ctx)
	require.NoError(t, err)

	assert.Equal(t, sent.Kind, got.Kind)
	assert.Equal(t, sent.SessionID, got.SessionID)
	assert.True(t, got.Verify(testSecret), "signature must survive transit")

	payload, ok := got.Payload.(*session.KeyConfirm)
	require.True(t, ok, "payload type must survive transit")
	assert.Equal(t, 32, payload.KeyLength)
}

func TestPipeBuffersWithoutReader(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	// A single goroutine must be able to send a request and only then
	// collect it on the other end.
	ctx := testContext(t)
	msg := signedTestMessage(t)
	for i := 0; i < pipeDepth; i++ {
		require.NoError(t, a.Send(ctx, msg))
	}
	for i := 0; i < pipeDepth; i++ {
		_, err := b.Recv(ctx)
		require.NoError(t, err)
	}
}

func TestPipeCloseUnblocksBothEnds(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, a.Close())

	ctx := testContext(t)
	err := a.Send(ctx, signedTestMessage(t))
	assert.ErrorIs(t, err, ErrChannelClosed)

	_, err = b.Recv(ctx)
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestPipeHonorsContext(t *testing.T) {
	a, _ := Pipe()
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Recv(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestConnChannelRoundTrip(t *testing.T) {
	connA, connB := net.Pipe()
	a := NewConnChannel(connA)
	b := NewConnChannel(connB)
	defer a.Close()
	defer b.Close()

	ctx := testContext(t)
	sent := signedTestMessage(t)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Send(ctx, sent) }()

	got, err := b.Recv(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	assert.Equal(t, sent.Kind, got.Kind)
	assert.True(t, got.Verify(testSecret))
}

func establishNoisePair(t *testing.T, secret []byte) (*NoiseChannel, *NoiseChannel) {
	t.Helper()

	connA, connB := net.Pipe()
	type outcome struct {
		ch  *NoiseChannel
		err error
	}
	responder := make(chan outcome, 1)
	go func() {
		ch, err := NewNoiseChannel(connB, secret, false)
		responder <- outcome{ch, err}
	}()

	a, err := NewNoiseChannel(connA, secret, true)
	require.NoError(t, err, "initiator handshake")
	r := <-responder
	require.NoError(t, r.err, "responder handshake")

	t.Cleanup(func() {
		a.Close()
		r.ch.Close()
	})
	return a, r.ch
}

func TestNoiseChannelRoundTrip(t *testing.T) {
	a, b := establishNoisePair(t, testSecret)
	ctx := testContext(t)

	// Initiator to responder.
	sent := signedTestMessage(t)
	errCh := make(chan error, 1)
	go func() { errCh <- a.Send(ctx, sent) }()

	got, err := b.Recv(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, sent.Kind, got.Kind)
	assert.True(t, got.Verify(testSecret), "signature must survive encryption")

	// And back.
	go func() { errCh <- b.Send(ctx, sent) }()
	got, err = a.Recv(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, sent.SessionID, got.SessionID)
}

func TestNoiseChannelSecretMismatch(t *testing.T) {
	connA, connB := net.Pipe()

	errCh := make(chan error, 1)
	go func() {
		_, err := NewNoiseChannel(connB, []byte("responder secret"), false)
		// Tear the link down so the initiator cannot sit waiting for a
		// reply that will never come.
		connB.Close()
		errCh <- err
	}()

	_, errA := NewNoiseChannel(connA, []byte("initiator secret"), true)
	errB := <-errCh

	require.Error(t, errB, "responder must reject a mismatched psk")
	require.ErrorIs(t, errB, ErrHandshakeFailed)
	require.Error(t, errA)
}

func TestNoiseChannelValidation(t *testing.T) {
	if _, err := NewNoiseChannel(nil, testSecret, true); err == nil {
		t.Error("nil connection should be rejected")
	}

	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()
	if _, err := NewNoiseChannel(connA, nil, true); err == nil {
		t.Error("empty secret should be rejected")
	}
}
