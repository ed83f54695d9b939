// Package pipetransport provides an in-process rpc.Transport pair,
// connected by buffered channels, for tests that want two live Conns
// talking to each other without a real network -- the in-process
// stand-in rpc.go's test suite uses in place of a socket.
package pipetransport

import (
	"errors"
	"sync"

	"golang.org/x/net/context"

	"github.com/captp-core/captp/rpc"
)

// New returns a connected pair: messages sent on one side's
// SendMessage arrive from the other side's RecvMessage, and vice
// versa.
func New() (a, b rpc.Transport) {
	ab := make(chan rpc.Message, 16)
	ba := make(chan rpc.Message, 16)
	p1 := &pipe{send: ab, recv: ba, closed: make(chan struct{})}
	p2 := &pipe{send: ba, recv: ab, closed: make(chan struct{})}
	return p1, p2
}

type pipe struct {
	send chan rpc.Message
	recv chan rpc.Message

	closeOnce sync.Once
	closed    chan struct{}
}

var errClosed = errors.New("pipetransport: closed")

func (p *pipe) SendMessage(ctx context.Context, m rpc.Message) error {
	select {
	case p.send <- m:
		return nil
	case <-p.closed:
		return errClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipe) RecvMessage(ctx context.Context) (rpc.Message, error) {
	select {
	case m, ok := <-p.recv:
		if !ok {
			return rpc.Message{}, errClosed
		}
		return m, nil
	case <-p.closed:
		return rpc.Message{}, errClosed
	case <-ctx.Done():
		return rpc.Message{}, ctx.Err()
	}
}

func (p *pipe) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
