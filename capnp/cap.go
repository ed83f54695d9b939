package capnp

import (
	"errors"
	"sync"
)

// A Method identifies an interface method the way Cap'n Proto schemas
// do: a 64-bit interface id and a 16-bit method ordinal within it.
type Method struct {
	InterfaceID uint64
	MethodID    uint16
}

// A PipelineOp is one step of a path into a struct: "follow pointer
// field Field".  A Transform is a sequence of PipelineOps; the empty
// transform addresses the struct itself.
type PipelineOp struct {
	Field uint16
}

// A Call is a single method invocation.  Content is the already-decoded
// application payload (the schema codec that would otherwise produce it
// is an external collaborator, see rpc.Transport); Caps is transferred
// by value: ownership of every entry passes to the callee, which must
// DecRef each one when it is done with it.
type Call struct {
	Method  Method
	Content interface{}
	Caps    []Cap
}

// A Result is the resolution of a Call: the returned payload plus the
// capabilities embedded in it.
type Result struct {
	Content interface{}
	Caps    []Cap
}

// Cap is the single polymorphic capability value (spec: "Capability").
// Every concrete implementation -- a local service, an import proxy for
// a peer-hosted object, an unresolved local promise, an embargoed
// loopback cap -- satisfies this interface uniformly; callers never
// need to know which.
type Cap interface {
	// Call dispatches m to the object this Cap refers to and returns a
	// handle for the (possibly not yet available) result.
	Call(m *Call) Answer

	// IncRef returns a new independent reference to the same
	// underlying object.  The returned Cap must itself be released
	// with exactly one DecRef.
	IncRef() Cap

	// DecRef releases the reference obtained when this Cap value was
	// created (by NewLocalCap, IncRef, or a table lookup that returns
	// an owned reference).  When the last reference is released the
	// implementation's resources are freed; DecRef must not be called
	// more than once per reference held.
	DecRef()

	// Cap returns the sub-capability addressed by transform.  For a
	// cap that is not itself a promise for a struct, only the empty
	// transform is valid and returns (a new reference to) the
	// receiver; a non-empty transform on such a cap is a usage error.
	// Promise caps (see the promise package) override this to queue
	// or forward appropriately.
	Cap(transform []PipelineOp) Cap

	// Shortest follows any resolution chain to the most direct known
	// representation of this capability.  Shortest is idempotent:
	// calling it on its own result returns an equivalent value.
	Shortest() Cap
}

// PromiseCap marks capability kinds that may still resolve to another
// capability.  The protocol engine describes an unresolved promise to
// the peer as a senderPromise descriptor instead of senderHosted.
type PromiseCap interface {
	Cap
	PendingResolution() bool
}

// Answer is a handle for a (possibly unresolved) call result -- the
// spec's StructRef.  It is returned by Cap.Call and by Answer.Cap when
// pipelining.
type Answer interface {
	// Struct blocks until the answer resolves and returns its result,
	// or the error it was rejected with.
	Struct() (Result, error)

	// WhenResolved registers cb to run once the answer resolves.  If
	// the answer is already resolved, cb runs before WhenResolved
	// returns.  cb must not block.
	WhenResolved(cb func())

	// Cap returns the capability addressed by transform within this
	// answer's eventual result, usable for pipelining before the
	// answer resolves.
	Cap(transform []PipelineOp) Cap

	// PipelineCall issues call against the capability addressed by
	// transform within this answer's eventual result, without waiting
	// for the answer to resolve first.
	PipelineCall(transform []PipelineOp, call *Call) Answer

	// Finish tells the answer that the caller has no further interest
	// in it (no more pipelining, no more Struct calls).  Finish must
	// be called exactly once per Answer obtained from Cap.Call or from
	// a connection's Bootstrap.
	Finish()
}

// Resolver is the write end of an Answer -- the spec's StructResolver.
// Exactly one of Fulfill, Reject, or Connect may be called, exactly
// once, for a given resolver.
type Resolver interface {
	// Fulfill resolves the answer with a successful result.
	Fulfill(r Result)

	// Reject resolves the answer with an error.
	Reject(err error)

	// Connect forwards other's eventual resolution into this
	// resolver.  Connecting a resolver to an answer that (transitively)
	// depends on this resolver's own answer is rejected with an error
	// to avoid a resolution cycle.
	Connect(other Answer) error
}

// ErrNullClient is returned by operations against the null capability.
var ErrNullClient = errors.New("capnp: call on null capability")

// ErrCapHasNoFields is returned by Cap.Cap on a terminal (non-promise)
// capability when asked for a non-empty transform.
var ErrCapHasNoFields = errors.New("capnp: capability is not a struct promise, cannot address a field")

// nullCap is the capability constant returned wherever a descriptor
// decodes to "no capability".
type nullCap struct{}

// NullCap is the capability that rejects every call with ErrNullClient.
var NullCap Cap = nullCap{}

func (nullCap) Call(*Call) Answer        { return ErrorAnswer(ErrNullClient) }
func (nullCap) IncRef() Cap              { return nullCap{} }
func (nullCap) DecRef()                  {}
func (nullCap) Shortest() Cap            { return nullCap{} }
func (c nullCap) Cap(t []PipelineOp) Cap { return capField(c, t) }

// errorCap is a capability that fails every call with a fixed error.
type errorCap struct{ err error }

// ErrorCap returns a capability whose every call fails with err.
func ErrorCap(err error) Cap { return errorCap{err} }

func (e errorCap) Call(*Call) Answer       { return ErrorAnswer(e.err) }
func (e errorCap) IncRef() Cap             { return e }
func (errorCap) DecRef()                   {}
func (e errorCap) Shortest() Cap           { return e }
func (e errorCap) Cap(t []PipelineOp) Cap  { return capField(e, t) }

// capField implements the common "only the empty transform is valid"
// behavior shared by terminal capability kinds.
func capField(self Cap, transform []PipelineOp) Cap {
	if len(transform) == 0 {
		return self.IncRef()
	}
	return ErrorCap(ErrCapHasNoFields)
}

// Server is the interface a Go value implements to back a Local
// capability: the object actually invoked when a call reaches this
// side of the connection.
type Server interface {
	Call(m *Call) Answer
}

// Closer is implemented by a Server that holds resources needing
// cleanup when its last Cap reference is released.
type Closer interface {
	Close() error
}

// localCap wraps a Server as a reference-counted Cap.  It is the
// concrete type behind the spec's "Local" variant.
type localCap struct {
	rc *refState
}

type refState struct {
	server Server
	n      int
	// mu guards n; see DecRef.
	mu sync.Mutex
}

// NewLocalCap wraps server as a Cap with an initial reference count of
// one.  If server also implements Closer, its Close method runs when
// the last reference is released.
func NewLocalCap(server Server) Cap {
	return localCap{rc: &refState{server: server, n: 1}}
}

func (c localCap) Call(m *Call) Answer { return c.rc.server.Call(m) }

func (c localCap) IncRef() Cap {
	c.rc.mu.Lock()
	c.rc.n++
	c.rc.mu.Unlock()
	return c
}

func (c localCap) DecRef() {
	c.rc.mu.Lock()
	c.rc.n--
	n := c.rc.n
	c.rc.mu.Unlock()
	if n < 0 {
		panic("capnp: DecRef called more times than IncRef")
	}
	if n == 0 {
		if cl, ok := c.rc.server.(Closer); ok {
			cl.Close()
		}
	}
}

func (c localCap) Shortest() Cap { return c }

func (c localCap) Cap(transform []PipelineOp) Cap { return capField(c, transform) }

// Unwrap returns the underlying Server if c is a local capability
// created by NewLocalCap, and false otherwise.
func Unwrap(c Cap) (Server, bool) {
	if lc, ok := c.(localCap); ok {
		return lc.rc.server, true
	}
	return nil, false
}

// Identity returns a value that is equal (by ==) for two Cap values
// referring to the same underlying local object, and distinct
// otherwise.  Used to key the rpc package's exports-by-capability
// identity map without relying on value hashing.
func Identity(c Cap) interface{} {
	if lc, ok := c.(localCap); ok {
		return lc.rc
	}
	return c
}
