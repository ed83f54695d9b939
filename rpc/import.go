package rpc

import (
	"golang.org/x/net/context"

	"github.com/captp-core/captp/capnp"
)

// ImportID is the peer's id for a capability they have exported to us.
type ImportID uint32

// importProxy is an Imports table entry: a capability we have a
// reference to by virtue of the peer publishing it. Calling it sends
// a Call message addressed at the peer's export, same as any other
// outbound call (spec §4.4: "a call on an imported cap is an ordinary
// Send.call with target = ImportedCap(id)").
//
// Two counters are kept deliberately apart. wireGrants is how many
// times the peer has handed us a reference to this id via a
// SenderHosted occurrence in some cap table -- the number we owe back
// in a Release's count field. liveRefs is the ordinary local handle
// count (capnp.Cap's IncRef/DecRef contract); every decoded occurrence
// also counts as one live reference, but local code may add more of
// its own without that corresponding to any new wire grant. The import
// is retired, and every wireGrants unit released in one shot, only
// when liveRefs reaches zero.
type importProxy struct {
	conn *Conn
	id   ImportID

	mu         chanMutex
	wireGrants uint32
	liveRefs   int
}

// chanMutex is a mutex backed by a channel so that it can also be used
// in a select: a receive is a lock, a send is an unlock. The same
// idiom backs the connection-wide lock (see conn.go); importProxy gets
// its own small one since it is shared between the dispatch loop and
// whatever goroutine last drops its local Cap handle.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	mu := make(chanMutex, 1)
	mu <- struct{}{}
	return mu
}

func (mu chanMutex) Lock()   { <-mu }
func (mu chanMutex) Unlock() { mu <- struct{}{} }

// TryLock locks mu, or returns ctx's error if ctx is done first.
func (mu chanMutex) TryLock(ctx context.Context) error {
	select {
	case <-mu:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// importForID returns the live import proxy for id, creating one if
// this is the first occurrence we have seen, and records one more
// wire grant and live reference for it. The Imports table is
// peer-assigned, so it is an id.Tracker rather than an allocating
// table; going through it is also what keeps proxy identity stable,
// so a cap round-tripped back to the peer encodes as their own export
// id rather than a fresh proxy (spec §9, memoizing factory keyed by
// import id). The caller must be holding onto c.mu.
func (c *Conn) importForID(id ImportID) *importProxy {
	p, ok := c.imports.Find(uint32(id))
	if !ok {
		p = &importProxy{conn: c, id: id, mu: newChanMutex()}
		c.imports.Set(uint32(id), p)
	}
	p.mu.Lock()
	p.wireGrants++
	p.liveRefs++
	p.mu.Unlock()
	return p
}

// dropImport removes id from the table and reports the wire grant
// count to send back in a Release message; it is a no-op if id is
// already gone (e.g. raced with the Conn tearing down). The caller
// must be holding onto c.mu.
func (c *Conn) dropImport(id ImportID) (count uint32, ok bool) {
	p, _ := c.imports.Find(uint32(id))
	if p == nil {
		return 0, false
	}
	c.imports.Release(uint32(id))
	p.mu.Lock()
	count = p.wireGrants
	p.mu.Unlock()
	return count, true
}

func (p *importProxy) Call(m *capnp.Call) capnp.Answer {
	target := MessageTarget{Kind: TargetImportedCap, ImportedCap: uint32(p.id)}
	return p.conn.sendCall(p.conn.manager.context(), target, m.Method, m.Content, m.Caps)
}

func (p *importProxy) IncRef() capnp.Cap {
	p.mu.Lock()
	p.liveRefs++
	p.mu.Unlock()
	return p
}

func (p *importProxy) DecRef() {
	p.mu.Lock()
	p.liveRefs--
	dead := p.liveRefs <= 0
	p.mu.Unlock()
	if !dead {
		return
	}
	p.conn.mu.Lock()
	count, ok := p.conn.dropImport(p.id)
	p.conn.mu.Unlock()
	if ok && count > 0 {
		p.conn.sendRelease(p.id, count)
	}
}

func (p *importProxy) Cap(transform []capnp.PipelineOp) capnp.Cap {
	if len(transform) == 0 {
		return p.IncRef()
	}
	return capnp.ErrorCap(capnp.ErrCapHasNoFields)
}

func (p *importProxy) Shortest() capnp.Cap { return p }
