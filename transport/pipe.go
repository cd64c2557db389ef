package transport

import (
	"context"
	"sync"

	"github.com/opd-ai/qkd/session"
)

// pipeDepth is the number of messages one direction can buffer before
// Send blocks. The exchange protocol is strictly request/response, so
// a small buffer lets a single goroutine drive both parties without
// deadlocking.
const pipeDepth = 16

type pipeState struct {
	once sync.Once
	done chan struct{}
}

func (p *pipeState) close() {
	p.once.Do(func() { close(p.done) })
}

// PipeChannel is one end of an in-memory channel pair.
type PipeChannel struct {
	send  chan []byte
	recv  chan []byte
	state *pipeState
}

// Pipe returns the two ends of a connected in-memory channel pair.
// Messages pass through their wire encoding, so anything that cannot
// survive the frame format fails here too. Closing either end closes
// both.
func Pipe() (*PipeChannel, *PipeChannel) {
	ab := make(chan []byte, pipeDepth)
	ba := make(chan []byte, pipeDepth)
	state := &pipeState{done: make(chan struct{})}

	a := &PipeChannel{send: ab, recv: ba, state: state}
	b := &PipeChannel{send: ba, recv: ab, state: state}
	return a, b
}

// Send queues one message for the peer end.
func (p *PipeChannel) Send(ctx context.Context, msg *session.Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	select {
	case <-p.state.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.send <- data:
		return nil
	}
}

// Recv returns the next message queued by the peer end.
func (p *PipeChannel) Recv(ctx context.Context) (*session.Message, error) {
	select {
	case <-p.state.done:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-p.recv:
		return decodeMessage(data)
	}
}

// Close closes both ends of the pair.
func (p *PipeChannel) Close() error {
	p.state.close()
	return nil
}

var _ Channel = (*PipeChannel)(nil)
