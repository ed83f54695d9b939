package rpc

import (
	"sync"

	"golang.org/x/net/context"
)

// manager coordinates the background goroutines a Conn runs (the send
// and receive dispatch loops) and the single terminal error that ends
// the connection, the way rpc.go's Conn uses it (conn.manager.init,
// .do, .shutdown, .wait, .err, .finish, .context).
type manager struct {
	mu     sync.Mutex
	err_   error
	finish chan struct{}
	bg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func (m *manager) init() {
	m.finish = make(chan struct{})
	m.ctx, m.cancel = context.WithCancel(context.Background())
}

// do runs f in its own goroutine, tracked so that wait can block until
// every such goroutine has returned.
func (m *manager) do(f func()) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		f()
	}()
}

// shutdown records e as the connection's terminal error and closes
// finish, unless shutdown already ran; it reports whether this call was
// the one that did so.
func (m *manager) shutdown(e error) bool {
	m.mu.Lock()
	if m.err_ != nil {
		m.mu.Unlock()
		return false
	}
	m.err_ = e
	m.mu.Unlock()
	m.cancel()
	close(m.finish)
	return true
}

// wait blocks until shutdown has run and every goroutine started via do
// has returned.
func (m *manager) wait() {
	<-m.finish
	m.bg.Wait()
}

// err returns the terminal error, or nil if shutdown has not run yet.
func (m *manager) err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err_
}

// context returns a Context that is canceled when shutdown runs.
func (m *manager) context() context.Context {
	return m.ctx
}
