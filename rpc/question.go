package rpc

import (
	"sync"

	"golang.org/x/net/context"

	"github.com/captp-core/captp/capnp"
	"github.com/captp-core/captp/promise"
)

// QuestionID is our own id for a question we asked the peer.
type QuestionID uint32

// questionState tracks how a question's result ended up: still in
// flight, canceled locally (Finish sent before any Return), or resolved
// by a Return. The table entry itself is retired only once a Return has
// been received and a Finish has been sent (spec §3 Lifecycles), so a
// canceled question stays in the table to absorb its late Return.
type questionState int

const (
	questionInFlight questionState = iota
	questionCanceled
	questionResolved
)

// question is a Questions table entry: "we asked this". It implements
// capnp.Answer directly rather than deferring entirely to its
// resolver: while still in flight, pipelining through Cap/PipelineCall
// sends a new Call over the wire (target = ReceiverAnswer) instead of
// queuing locally, since the result genuinely lives on the peer until
// proven otherwise.
type question struct {
	id     QuestionID
	conn   *Conn
	ctx    context.Context
	cancel context.CancelFunc

	// method is the zero Method for a Bootstrap question.
	method capnp.Method

	// paramCaps records the export ids of every capability we sent as
	// a parameter, so that a Return with ReleaseParamCaps can give
	// those references back.
	paramCaps []ExportID

	resolver *promise.StructFulfiller

	mu    sync.RWMutex
	state questionState

	// finishSent and returnReceived are the two lifecycle halves: the
	// entry is popped from the Questions table only once both are true.
	finishSent     bool
	returnReceived bool

	// pipelined records, by transform key, every path we have sent a
	// pipelined Call against (target = ReceiverAnswer(id, path)) while
	// this question was still in flight. handleReturnMessage consults
	// it: a result cap at a path recorded here may be a loopback that
	// needs an embargo, since the pipelined wire call could still be
	// in transit when the Return arrives (spec §4.4 embargo algorithm).
	pipelined map[string]bool
}

// notePipelined records that a pipelined call was sent against
// transform before this question resolved.
func (q *question) notePipelined(transform []capnp.PipelineOp) {
	q.mu.Lock()
	if q.pipelined == nil {
		q.pipelined = make(map[string]bool)
	}
	q.pipelined[transformKey(transform)] = true
	q.mu.Unlock()
}

// wasPipelined reports whether a pipelined call was sent against
// transform before this question resolved.
func (q *question) wasPipelined(transform []capnp.PipelineOp) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.pipelined[transformKey(transform)]
}

// transformKey renders a pipeline path as a map key.
func transformKey(transform []capnp.PipelineOp) string {
	buf := make([]byte, len(transform)*3)
	for i, op := range transform {
		buf[i*3] = byte(op.Field >> 8)
		buf[i*3+1] = byte(op.Field)
		buf[i*3+2] = '|'
	}
	return string(buf)
}

// fulfill resolves the question with a successful result. A question
// that already resolved or was canceled locally keeps its first
// resolution; late events are dropped rather than double-resolving the
// underlying fulfiller.
func (q *question) fulfill(r capnp.Result) {
	q.mu.Lock()
	if q.state != questionInFlight {
		q.mu.Unlock()
		return
	}
	q.state = questionResolved
	q.mu.Unlock()
	q.resolver.Fulfill(r)
}

// reject resolves the question with err, with the same first-event-wins
// policy as fulfill.
func (q *question) reject(state questionState, err error) {
	q.mu.Lock()
	if q.state != questionInFlight {
		q.mu.Unlock()
		return
	}
	q.state = state
	q.mu.Unlock()
	q.resolver.Reject(err)
}

// markFinishSent records the Finish half of the lifecycle. It reports
// whether this call was the first Finish (callers must not send a
// second Finish frame) and whether a Return has already been received
// (in which case the caller retires the table entry).
func (q *question) markFinishSent() (first, returned bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finishSent {
		return false, q.returnReceived
	}
	q.finishSent = true
	return true, q.returnReceived
}

// markReturnReceived records the Return half of the lifecycle and
// reports whether a Finish has already been sent: if so the question
// was canceled, its payload must be dropped unseen, and the caller
// retires the table entry.
func (q *question) markReturnReceived() (finishSent bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.returnReceived = true
	return q.finishSent
}

// newQuestion allocates a Questions table entry and the Context used
// for the call it represents. The caller must be holding onto c.mu.
func (c *Conn) newQuestion(ctx context.Context, method capnp.Method) *question {
	id := QuestionID(c.questionID.Alloc())
	qctx, cancel := context.WithCancel(ctx)
	q := &question{
		id:       id,
		conn:     c,
		ctx:      qctx,
		cancel:   cancel,
		method:   method,
		resolver: new(promise.StructFulfiller),
	}
	for int(id) >= len(c.questions) {
		c.questions = append(c.questions, nil)
	}
	c.questions[id] = q
	return q
}

// Struct, WhenResolved, Finish, Cap, and PipelineCall implement
// capnp.Answer.
func (q *question) Struct() (capnp.Result, error) { return q.resolver.Struct() }
func (q *question) WhenResolved(cb func())        { q.resolver.WhenResolved(cb) }
func (q *question) Finish()                       { q.conn.finishQuestion(q) }

func (q *question) Cap(transform []capnp.PipelineOp) capnp.Cap {
	if a := q.resolver.Peek(); a != nil {
		return a.Cap(transform)
	}
	cp := make([]capnp.PipelineOp, len(transform))
	copy(cp, transform)
	return &questionPipelineCap{q: q, transform: cp}
}

func (q *question) PipelineCall(transform []capnp.PipelineOp, call *capnp.Call) capnp.Answer {
	if a := q.resolver.Peek(); a != nil {
		return a.PipelineCall(transform, call)
	}
	q.notePipelined(transform)
	target := MessageTarget{
		Kind: TargetPromisedAnswer,
		PromisedAnswer: PromisedAnswerTarget{
			QuestionID: uint32(q.id),
			Transform:  transform,
		},
	}
	return q.conn.sendCall(q.ctx, target, call.Method, call.Content, call.Caps)
}

// questionPipelineCap addresses one path into a question's eventual
// result. Every call through it is routed over the wire (via
// question.PipelineCall) until the question resolves, at which point
// it defers to the real result's own Cap.
type questionPipelineCap struct {
	q         *question
	transform []capnp.PipelineOp
}

func (p *questionPipelineCap) Call(m *capnp.Call) capnp.Answer {
	return p.q.PipelineCall(p.transform, m)
}

func (p *questionPipelineCap) IncRef() capnp.Cap { return p }
func (p *questionPipelineCap) DecRef()           {}

func (p *questionPipelineCap) Cap(transform []capnp.PipelineOp) capnp.Cap {
	combined := make([]capnp.PipelineOp, 0, len(p.transform)+len(transform))
	combined = append(combined, p.transform...)
	combined = append(combined, transform...)
	return &questionPipelineCap{q: p.q, transform: combined}
}

func (p *questionPipelineCap) Shortest() capnp.Cap {
	if a := p.q.resolver.Peek(); a != nil {
		c := a.Cap(p.transform)
		s := c.Shortest()
		c.DecRef()
		return s
	}
	return p
}

// PendingResolution implements capnp.PromiseCap.
func (p *questionPipelineCap) PendingResolution() bool {
	return p.q.resolver.Peek() == nil
}

// findQuestion looks up a live question by id. The caller must be
// holding onto c.mu.
func (c *Conn) findQuestion(id QuestionID) *question {
	if int(id) >= len(c.questions) {
		return nil
	}
	return c.questions[id]
}

// popQuestion removes and returns the question at id, releasing the id
// for reuse and canceling the question's context. The caller must be
// holding onto c.mu.
func (c *Conn) popQuestion(id QuestionID) *question {
	q := c.findQuestion(id)
	if q == nil {
		return nil
	}
	c.questions[id] = nil
	c.questionID.Release(uint32(id))
	q.cancel()
	return q
}
