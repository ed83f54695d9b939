package promise

import "github.com/captp-core/captp/capnp"

// EmbargoCap wraps a capability that is already known (it resolved to
// one of our own exports by way of a pipelined call) but must not
// receive new local calls until every call already in flight over the
// wire to it, via the same pipelined path, has been delivered. It is a
// LocalCapPromise whose target is fixed at construction and whose only
// resolution event is Disembargo, matching the spec's "subclass of
// local cap promise paired with an EmbargoId".
type EmbargoCap struct {
	*LocalCapPromise
	id EmbargoID
}

// EmbargoID identifies one pending embargo, scoped to a connection.
type EmbargoID uint32

// NewEmbargoCap returns a new embargo wrapping target, queuing calls
// until Disembargo is invoked. It takes ownership of one reference to
// target.
func NewEmbargoCap(id EmbargoID, target capnp.Cap) *EmbargoCap {
	e := &EmbargoCap{LocalCapPromise: NewLocalCapPromise(), id: id}
	e.target = target
	return e
}

// ID reports the embargo id this cap is registered under.
func (e *EmbargoCap) ID() EmbargoID { return e.id }

// Disembargo releases the queue, in order, delivering every call
// queued since construction to the wrapped target. It must be called
// at most once, in response to the matching Disembargo_reply.
func (e *EmbargoCap) Disembargo() {
	e.Resolve(e.target)
}

// Abandon rejects every queued call with err and releases the wrapped
// target, for a connection tearing down before the Disembargo reply
// ever arrived. Calls made through the cap afterwards fail with err.
// Abandon after Disembargo is a no-op.
func (e *EmbargoCap) Abandon(err error) {
	e.mu.Lock()
	if e.resolved {
		e.mu.Unlock()
		return
	}
	e.resolved = true
	target := e.target
	e.target = capnp.ErrorCap(err)
	queued := e.queue
	e.queue = nil
	e.mu.Unlock()
	target.DecRef()
	for _, qc := range queued {
		rejectQueued(qc, err)
	}
}
