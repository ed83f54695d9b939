// Package logtransport wraps an rpc.Transport to trace every frame
// sent and received through it, the way cloudflared's vendored rpc
// package enables with its *logMessages test flag.
package logtransport

import (
	"golang.org/x/net/context"

	"github.com/captp-core/captp/rpc"
)

// Logger is satisfied by *log.Logger.
type Logger interface {
	Printf(format string, args ...interface{})
}

// New wraps t, writing one line to logger per frame sent or received,
// tagged with name.
func New(name string, t rpc.Transport, logger Logger) rpc.Transport {
	return &transport{name: name, t: t, logger: logger}
}

type transport struct {
	name   string
	t      rpc.Transport
	logger Logger
}

func (lt *transport) SendMessage(ctx context.Context, m rpc.Message) error {
	err := lt.t.SendMessage(ctx, m)
	lt.logger.Printf("%s: send %s (err=%v)", lt.name, m.Kind, err)
	return err
}

func (lt *transport) RecvMessage(ctx context.Context) (rpc.Message, error) {
	m, err := lt.t.RecvMessage(ctx)
	if err != nil {
		lt.logger.Printf("%s: recv error: %v", lt.name, err)
		return m, err
	}
	lt.logger.Printf("%s: recv %s", lt.name, m.Kind)
	return m, nil
}

func (lt *transport) Close() error {
	lt.logger.Printf("%s: close", lt.name)
	return lt.t.Close()
}
