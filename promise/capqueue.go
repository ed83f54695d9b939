package promise

import (
	"errors"
	"sync"

	"github.com/captp-core/captp/capnp"
)

var errPromiseSelfResolution = errors.New("promise: capability promise resolved to itself")

// LocalCapPromise is a promise for a capability -- the spec's "local
// cap promise".  It starts unresolved: calls made through it are
// queued; Resolve(cap) replays every queued call against cap (via
// cap.Shortest(), so a promise resolving to another promise collapses
// the chain) and forwards to cap for everything after.  Resolving a
// LocalCapPromise more than once is a programming error and panics,
// matching the spec's "double-resolution is fatal".
type LocalCapPromise struct {
	mu       sync.Mutex
	resolved bool
	target   capnp.Cap
	queue    []queuedCall
	refs     int
}

type queuedCall struct {
	call   *capnp.Call
	result *StructFulfiller
}

// NewLocalCapPromise returns a new, unresolved capability promise with
// one outstanding reference.
func NewLocalCapPromise() *LocalCapPromise {
	return &LocalCapPromise{refs: 1}
}

// Call implements capnp.Cap.
func (p *LocalCapPromise) Call(m *capnp.Call) capnp.Answer {
	p.mu.Lock()
	if p.resolved {
		target := p.target
		p.mu.Unlock()
		return target.Call(m)
	}
	result := new(StructFulfiller)
	p.queue = append(p.queue, queuedCall{call: m, result: result})
	p.mu.Unlock()
	return result
}

// Resolve fulfills the promise with cap, ownership of which transfers
// to the promise (it will be DecRef'd when the promise's own last
// reference is released).  Every queued call is replayed, in order,
// against cap.Shortest().  A chain that shortens back to this promise
// is broken to a local dead end instead of deadlocking.
func (p *LocalCapPromise) Resolve(cap_ capnp.Cap) {
	target := cap_.Shortest()
	if target == capnp.Cap(p) {
		cap_.DecRef()
		target = capnp.ErrorCap(errPromiseSelfResolution)
	}

	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		panic("promise: LocalCapPromise.Resolve called more than once")
	}
	p.resolved = true
	p.target = target
	queued := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, qc := range queued {
		ans := target.Call(qc.call)
		qc.result.Connect(ans)
	}
}

// IncRef implements capnp.Cap.
func (p *LocalCapPromise) IncRef() capnp.Cap {
	p.mu.Lock()
	p.refs++
	p.mu.Unlock()
	return p
}

// DecRef implements capnp.Cap.  When the last reference is released
// and the promise has resolved, the underlying target is released too;
// if it never resolved, any still-queued calls are rejected.
func (p *LocalCapPromise) DecRef() {
	p.mu.Lock()
	p.refs--
	n := p.refs
	target := p.target
	resolved := p.resolved
	queued := p.queue
	p.queue = nil
	p.mu.Unlock()
	if n > 0 {
		return
	}
	// target may be set even when unresolved: an embargo wraps a known
	// cap before its release event arrives.
	if target != nil {
		target.DecRef()
	}
	if !resolved {
		for _, qc := range queued {
			rejectQueued(qc, capnp.ErrNullClient)
		}
	}
}

// rejectQueued fails a queued call, releasing the cap arguments whose
// ownership the caller had transferred in.
func rejectQueued(qc queuedCall, err error) {
	for _, cp := range qc.call.Caps {
		cp.DecRef()
	}
	qc.result.Reject(err)
}

// Cap implements capnp.Cap: pipelining one level deeper into whatever
// this promise resolves to.
func (p *LocalCapPromise) Cap(transform []capnp.PipelineOp) capnp.Cap {
	p.mu.Lock()
	if p.resolved {
		target := p.target
		p.mu.Unlock()
		return target.Cap(transform)
	}
	p.mu.Unlock()
	if len(transform) == 0 {
		return p.IncRef()
	}
	return capnp.ErrorCap(capnp.ErrCapHasNoFields)
}

// Shortest implements capnp.Cap.
func (p *LocalCapPromise) Shortest() capnp.Cap {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return p.target.Shortest()
	}
	return p
}

// PendingResolution implements capnp.PromiseCap.
func (p *LocalCapPromise) PendingResolution() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.resolved
}

// Resolved reports whether Resolve has been called, and if so, the
// target it resolved to (without transferring a reference).
func (p *LocalCapPromise) Resolved() (capnp.Cap, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target, p.resolved
}
