package collietest

import (
	"errors"
	"sync"

	"github.com/collie-robotics/collie/crouter"
)

// pipeDepth bounds each direction of a loopback pipe.
const pipeDepth = 256

// PipeTransport is one end of an in-memory message pipe. It
// implements both the transport surface a session needs and the
// channel surface the router sends on.
type PipeTransport struct {
	peer *PipeTransport

	inbound chan crouter.Message

	closeOnce sync.Once
	closed    chan struct{}
	err       error
}

// NewPipe returns two connected transports: what one sends, the
// other receives. Closing either end closes both.
func NewPipe() (*PipeTransport, *PipeTransport) {
	a := &PipeTransport{
		inbound: make(chan crouter.Message, pipeDepth),
		closed:  make(chan struct{}),
	}
	b := &PipeTransport{
		inbound: make(chan crouter.Message, pipeDepth),
		closed:  make(chan struct{}),
	}
	a.peer, b.peer = b, a
	return a, b
}

// SendText delivers a text message to the peer's inbound channel.
func (t *PipeTransport) SendText(s string) error {
	return t.deliver(crouter.Message{Data: []byte(s)})
}

// Send delivers a binary message to the peer's inbound channel.
func (t *PipeTransport) Send(b []byte) error {
	return t.deliver(crouter.Message{Binary: true, Data: b})
}

func (t *PipeTransport) deliver(m crouter.Message) error {
	select {
	case <-t.closed:
		return errors.New("pipe closed")
	case <-t.peer.closed:
		return errors.New("peer pipe closed")
	case t.peer.inbound <- m:
		return nil
	}
}

// Inbound is the stream of messages the peer has sent.
func (t *PipeTransport) Inbound() <-chan crouter.Message { return t.inbound }

// Channel returns the send surface, which is the pipe itself.
func (t *PipeTransport) Channel() crouter.Channel { return t }

// Closed reports pipe teardown.
func (t *PipeTransport) Closed() <-chan struct{} { return t.closed }

// Err explains teardown, nil while the pipe is open.
func (t *PipeTransport) Err() error {
	select {
	case <-t.closed:
		return t.err
	default:
		return nil
	}
}

// Close tears down both ends.
func (t *PipeTransport) Close() error {
	t.fail(errors.New("pipe closed"))
	t.peer.fail(errors.New("peer pipe closed"))
	return nil
}

// Fail tears down both ends with a specific cause, simulating a
// transport fault.
func (t *PipeTransport) Fail(err error) {
	t.fail(err)
	t.peer.fail(err)
}

func (t *PipeTransport) fail(err error) {
	t.closeOnce.Do(func() {
		t.err = err
		close(t.closed)
	})
}
