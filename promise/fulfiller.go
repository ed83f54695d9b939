// Package promise implements the local promise graph: struct promises
// (a pending call result) and capability promises (a pending
// capability), which together provide pipelining and local
// short-circuiting without going over the wire.  It is grounded on the
// zombiezen.com/go/capnproto2 "fulfiller" idiom, generalized to this
// module's Cap/Answer/Result types.
package promise

import (
	"errors"
	"sync"

	"github.com/captp-core/captp/capnp"
)

const callQueueSize = 64

// StructFulfiller is a promise for a struct -- the spec's "local struct
// promise" / the write end of a StructRef.  The zero value is an
// unresolved answer.  A StructFulfiller is resolved exactly once, by a
// call to Fulfill, Reject, or Connect.  Pipelined calls made through
// Cap/PipelineCall before resolution are queued and replayed against
// the resolved result once it arrives.  Safe for concurrent use.
type StructFulfiller struct {
	once     sync.Once
	resolved chan struct{}

	mu     sync.RWMutex
	answer capnp.Answer
	queue  []pcall

	// caps interns the pipelineCap handed out for a given transform,
	// so that two calls to Cap with an equal path return the same
	// handle rather than two independent proxies.
	caps map[string]*pipelineCap

	// waitingOn is set while this fulfiller's resolution has been
	// asked to depend on another StructFulfiller via Connect, so that
	// a cycle (A connects to B which connects back to A) is caught
	// instead of deadlocking.
	waitingOn *StructFulfiller
}

type pcall struct {
	transform []capnp.PipelineOp
	call      *capnp.Call
	result    *StructFulfiller
}

func (f *StructFulfiller) init() {
	f.once.Do(func() {
		f.resolved = make(chan struct{})
		f.queue = make([]pcall, 0, callQueueSize)
	})
}

// Fulfill resolves the fulfiller with a successful result.  Any calls
// queued by pipelining are replayed against r's capabilities now. It
// panics if the fulfiller is already resolved.
func (f *StructFulfiller) Fulfill(r capnp.Result) {
	f.init()
	f.mu.Lock()
	if f.answer != nil {
		f.mu.Unlock()
		panic("promise: StructFulfiller.Fulfill called more than once")
	}
	f.answer = capnp.ImmediateAnswer(r)
	queued := f.queue
	f.queue = nil
	f.mu.Unlock()
	close(f.resolved)

	for _, pc := range queued {
		target := f.answer.Cap(pc.transform)
		ans := target.Call(pc.call)
		target.DecRef()
		pc.result.Connect(ans)
	}
}

// Reject resolves the fulfiller with an error.  It panics if err is nil
// or the fulfiller is already resolved.
func (f *StructFulfiller) Reject(err error) {
	if err == nil {
		panic("promise: StructFulfiller.Reject called with nil")
	}
	f.init()
	f.mu.Lock()
	if f.answer != nil {
		f.mu.Unlock()
		panic("promise: StructFulfiller.Reject called more than once")
	}
	f.answer = capnp.ErrorAnswer(err)
	queued := f.queue
	f.queue = nil
	f.mu.Unlock()
	close(f.resolved)

	for _, pc := range queued {
		for _, cp := range pc.call.Caps {
			cp.DecRef()
		}
		pc.result.Reject(err)
	}
}

// Connect arranges for f to resolve the same way other does: once
// other resolves, f.Fulfill/f.Reject is called with other's result.
// Connect returns an error instead of deadlocking if other transitively
// depends on f's own resolution (a promise cycle).
func (f *StructFulfiller) Connect(other capnp.Answer) error {
	f.init()
	if of, ok := other.(*StructFulfiller); ok {
		if err := checkCycle(f, of); err != nil {
			return err
		}
		f.mu.Lock()
		f.waitingOn = of
		f.mu.Unlock()
	}
	other.WhenResolved(func() {
		r, err := other.Struct()
		if err != nil {
			f.Reject(err)
			return
		}
		f.Fulfill(r)
	})
	return nil
}

func checkCycle(f, dependsOn *StructFulfiller) error {
	for cur := dependsOn; cur != nil; {
		if cur == f {
			return errors.New("promise: Connect would create a resolution cycle")
		}
		cur.mu.RLock()
		next := cur.waitingOn
		cur.mu.RUnlock()
		cur = next
	}
	return nil
}

// Done returns a channel that is closed once f is resolved.
func (f *StructFulfiller) Done() <-chan struct{} {
	f.init()
	return f.resolved
}

// Peek returns f's resolved answer, or nil if f has not resolved yet.
func (f *StructFulfiller) Peek() capnp.Answer {
	f.init()
	f.mu.RLock()
	a := f.answer
	f.mu.RUnlock()
	return a
}

// Struct implements capnp.Answer.
func (f *StructFulfiller) Struct() (capnp.Result, error) {
	<-f.Done()
	return f.Peek().Struct()
}

// WhenResolved implements capnp.Answer.
func (f *StructFulfiller) WhenResolved(cb func()) {
	f.init()
	if a := f.Peek(); a != nil {
		cb()
		return
	}
	go func() {
		<-f.Done()
		cb()
	}()
}

// Finish implements capnp.Answer.  Finishing an unresolved fulfiller is
// a caller error recorded by the rpc package's answer table, not by
// this type; StructFulfiller itself has nothing to release.
func (f *StructFulfiller) Finish() {}

// Cap implements capnp.Answer: pipelining into the eventual result.
// Two calls with an equal transform return the same handle.
func (f *StructFulfiller) Cap(transform []capnp.PipelineOp) capnp.Cap {
	if a := f.Peek(); a != nil {
		return a.Cap(transform)
	}
	f.init()
	key := transformKey(transform)
	f.mu.Lock()
	defer f.mu.Unlock()
	if a := f.answer; a != nil {
		return a.Cap(transform)
	}
	if f.caps == nil {
		f.caps = make(map[string]*pipelineCap)
	}
	if pc, ok := f.caps[key]; ok {
		return pc
	}
	pc := &pipelineCap{parent: f, transform: transform}
	f.caps[key] = pc
	return pc
}

func transformKey(transform []capnp.PipelineOp) string {
	b := make([]byte, 0, len(transform)*2)
	for _, op := range transform {
		b = append(b, byte(op.Field>>8), byte(op.Field))
	}
	return string(b)
}

// PipelineCall implements capnp.Answer.
func (f *StructFulfiller) PipelineCall(transform []capnp.PipelineOp, call *capnp.Call) capnp.Answer {
	f.init()

	if a := f.Peek(); a != nil {
		return a.PipelineCall(transform, call)
	}

	f.mu.Lock()
	if a := f.answer; a != nil {
		f.mu.Unlock()
		return a.PipelineCall(transform, call)
	}
	if len(f.queue) == cap(f.queue) {
		f.mu.Unlock()
		return capnp.ErrorAnswer(errCallQueueFull)
	}
	result := new(StructFulfiller)
	f.queue = append(f.queue, pcall{transform: transform, call: call, result: result})
	f.mu.Unlock()
	return result
}

var errCallQueueFull = errors.New("promise: pipelined call queue full")

// pipelineCap is the Cap returned by StructFulfiller.Cap before the
// fulfiller has resolved: a capability that refers to one pointer
// field of a not-yet-available struct.  It is a thin proxy onto
// PipelineCall so repeated calls through it share the parent's queue.
type pipelineCap struct {
	parent    *StructFulfiller
	transform []capnp.PipelineOp
}

func (p *pipelineCap) Call(m *capnp.Call) capnp.Answer {
	return p.parent.PipelineCall(p.transform, m)
}

func (p *pipelineCap) IncRef() capnp.Cap { return p }
func (p *pipelineCap) DecRef()           {}

func (p *pipelineCap) Cap(transform []capnp.PipelineOp) capnp.Cap {
	combined := make([]capnp.PipelineOp, 0, len(p.transform)+len(transform))
	combined = append(combined, p.transform...)
	combined = append(combined, transform...)
	return &pipelineCap{parent: p.parent, transform: combined}
}

func (p *pipelineCap) Shortest() capnp.Cap {
	if a := p.parent.Peek(); a != nil {
		c := a.Cap(p.transform)
		s := c.Shortest()
		c.DecRef()
		return s
	}
	return p
}

// PendingResolution implements capnp.PromiseCap.
func (p *pipelineCap) PendingResolution() bool { return p.parent.Peek() == nil }
