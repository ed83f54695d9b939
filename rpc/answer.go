package rpc

import (
	"sync"

	"github.com/captp-core/captp/capnp"
)

// AnswerID is the peer's id for a question they asked us.
type AnswerID uint32

type pendingKind int

const (
	pendingCall pendingKind = iota
	pendingDisembargo
)

// pendingItem is something queued against an answer before it
// resolves: either a pipelined call, or a disembargo request that must
// not be acknowledged until every call queued ahead of it has been
// routed (spec §4.4 embargo algorithm, server side).
type pendingItem struct {
	kind pendingKind

	transform []capnp.PipelineOp
	call      *capnp.Call
	// answer is the Answers table entry for this pipelined call's own
	// inbound AnswerID; routing it once the base answer resolves is
	// what eventually sends its Return.
	answer *answer

	embargoID   EmbargoID
	replyTarget MessageTarget
}

// answer is an Answers table entry: "the peer asked us this". It
// implements the local half of a single inbound Call's lifecycle:
// queuing pipelined sub-calls until the answer resolves, then either
// routing them locally or (for a disembargo marker) replying once
// ordering is safe.
type answer struct {
	id AnswerID

	mu         sync.Mutex
	resolved   bool
	result     capnp.Result
	resultErr  error
	finished   bool // Finish received
	returnSent bool
	flushed    bool // pending items routed after resolve
	// resultCaps are the export ids minted for capabilities in this
	// answer's Results payload, so a Finish with ReleaseResultCaps can
	// give those references back (spec: Answers table, Finish inbound
	// operation).
	resultCaps []ExportID
	// ownedCaps are the result capabilities themselves: the references
	// the callee handed over in its Result, kept alive until the answer
	// retires so that late pipelined calls still land on live objects.
	ownedCaps []capnp.Cap
	pending   []pendingItem
}

// insertAnswer adds a new Answers table entry, or returns nil if id is
// already live (an answer id reused while still outstanding is
// connection-fatal). The Answers table is peer-assigned, so it is an
// id.Tracker rather than an allocating table. The caller must be
// holding onto c.mu.
func (c *Conn) insertAnswer(id AnswerID) *answer {
	if _, ok := c.answers.Find(uint32(id)); ok {
		return nil
	}
	a := &answer{id: id}
	c.answers.Set(uint32(id), a)
	return a
}

// findAnswer looks up a live answer. The caller must be holding onto
// c.mu.
func (c *Conn) findAnswer(id AnswerID) *answer {
	a, _ := c.answers.Find(uint32(id))
	return a
}

// popAnswer removes and returns the answer at id, if any. The caller
// must be holding onto c.mu.
func (c *Conn) popAnswer(id AnswerID) *answer {
	a, _ := c.answers.Find(uint32(id))
	if a != nil {
		c.answers.Release(uint32(id))
	}
	return a
}

// resolve fulfills the answer with (r, err): exactly one of r or err is
// meaningful. It drains and returns the queued items, in FIFO order, for
// the caller to route: pipelined calls against r, and disembargo markers
// to acknowledge. Routing them in that order is what makes the embargo
// algorithm correct: a disembargo reply is never sent ahead of a call
// that was queued before it (spec §4.4, §5 ordering guarantee 3).
// resolve itself neither routes the items nor touches c.mu, and the
// caller routes them without holding c.mu, so it can be called from a
// Server implementation's own goroutine.
func (a *answer) resolve(r capnp.Result, err error) []pendingItem {
	a.mu.Lock()
	if a.resolved {
		a.mu.Unlock()
		return nil
	}
	a.resolved = true
	a.result = r
	a.resultErr = err
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()
	return pending
}

// peek reports whether the answer has resolved, and if so its result.
func (a *answer) peek() (capnp.Result, error, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result, a.resultErr, a.resolved
}

// queueCall appends a pipelined call against the answer's eventual
// result at transform, to be routed against newAnswer once the base
// answer resolves. It reports whether the call was queued; false means
// every earlier queued item has already been routed, so the caller can
// route this call directly without running ahead of one. The gate is
// flushed, not resolved: between resolve draining the queue and the
// drain actually going out, a directly routed call could overtake the
// queued ones on the send queue.
func (a *answer) queueCall(transform []capnp.PipelineOp, call *capnp.Call, newAnswer *answer) (queued bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.flushed {
		return false
	}
	a.pending = append(a.pending, pendingItem{kind: pendingCall, transform: transform, call: call, answer: newAnswer})
	return true
}

// queueDisembargo registers a disembargo reply to be sent once every
// call already queued ahead of it has been routed. It reports whether
// it was queued (true) or everything ahead of it is already out, in
// which case the caller must send the reply immediately instead.
func (a *answer) queueDisembargo(id EmbargoID, replyTarget MessageTarget) (queued bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.flushed {
		return false
	}
	a.pending = append(a.pending, pendingItem{kind: pendingDisembargo, embargoID: id, replyTarget: replyTarget})
	return true
}

// markReturnSent and markFinishReceived track the events that together
// retire an Answers table entry (spec §3 Lifecycles: "die on return
// sent ∧ finish received"; flushed additionally holds retirement open
// until every pending pipelined call has been routed, so the result
// caps are still alive when those calls land). isDone reports once all
// have happened, so the caller (conn.go) knows when to pop the table
// entry.
func (a *answer) markReturnSent() {
	a.mu.Lock()
	a.returnSent = true
	a.mu.Unlock()
}

// takePendingOrMarkFlushed drains whatever queued up while the
// previous wave of pending items was being routed. Once it observes an
// empty queue it marks the answer flushed -- from then on queueCall
// and queueDisembargo refuse, and new arrivals route directly, which
// is safe because everything queued ahead of them has been sent.
func (a *answer) takePendingOrMarkFlushed() []pendingItem {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) > 0 {
		pending := a.pending
		a.pending = nil
		return pending
	}
	a.flushed = true
	return nil
}

func (a *answer) markFinishReceived() {
	a.mu.Lock()
	a.finished = true
	a.mu.Unlock()
}

// finishReceivedEarly reports whether the peer's Finish arrived before
// the Return went out: the call was canceled, its Return must report
// Canceled, and its results are dropped unseen (spec §5 Cancellation).
func (a *answer) finishReceivedEarly() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finished && !a.returnSent
}

func (a *answer) isDone() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.returnSent && a.flushed && a.finished
}

// takeOwnedCaps hands the answer's retained result capabilities to the
// caller for release (outside the connection lock) and clears them, so
// retirement releases each reference exactly once.
func (a *answer) takeOwnedCaps() []capnp.Cap {
	a.mu.Lock()
	defer a.mu.Unlock()
	owned := a.ownedCaps
	a.ownedCaps = nil
	return owned
}
