// Package rpc implements the Cap'n Proto RPC protocol, Level 1: the
// connection-level CapTP state machine mapping question, answer,
// export, import, and embargo ids to in-process objects over a
// Transport supplied by the host.
package rpc

import (
	"log"
	"os"

	"golang.org/x/net/context"

	"github.com/captp-core/captp/capnp"
	"github.com/captp-core/captp/id"
	"github.com/captp-core/captp/internal/wireshape"
	"github.com/captp-core/captp/promise"
	"github.com/captp-core/captp/rpc/internal/refcount"
)

// Conn is one CapTP connection: the Level-1 Protocol Engine and
// Session Layer described by the spec, driving a pair of goroutines
// (send and receive) over a Transport and maintaining the four tables
// -- Questions, Answers, Exports, Imports -- plus the Embargoes table
// used to preserve call ordering across promise resolution.
//
// A Conn is safe for concurrent use. Its own state (the four tables)
// is guarded by mu, a channel-backed mutex in the same idiom rpc.go
// itself used, so that a goroutine can wait on either acquiring the
// lock or the connection shutting down without a separate select
// arm per call site.
type Conn struct {
	transport Transport
	mu        chanMutex
	manager   manager

	mainInterface *refcount.Ref
	bootstrapFunc func(ctx context.Context) capnp.Cap

	questionID id.Gen
	questions  []*question

	// answers and imports are keyed by ids the peer assigns, so they
	// use the tracking-table variant rather than an allocating Gen.
	answers id.Tracker[*answer]

	exportID     id.Gen
	exports      []*export
	exportsByCap map[interface{}]ExportID

	imports id.Tracker[*importProxy]

	embargoID id.Gen
	embargoes map[EmbargoID]*promise.EmbargoCap

	sendQueue chan Message

	logger *log.Logger
	tags   map[string]string
}

// ConnOption configures a Conn at construction time.
type ConnOption func(*connConfig)

type connConfig struct {
	mainInterface  capnp.Cap
	bootstrapFunc  func(ctx context.Context) capnp.Cap
	sendBufferSize int
	logger         *log.Logger
	tags           map[string]string
}

// MainInterface sets the capability returned to the peer's Bootstrap
// question. The Conn takes ownership of one reference to client; it is
// released when the Conn closes.
func MainInterface(client capnp.Cap) ConnOption {
	return func(cfg *connConfig) { cfg.mainInterface = client }
}

// BootstrapFunc sets a function called to produce the bootstrap
// capability on demand, instead of a single fixed MainInterface. At
// most one of MainInterface or BootstrapFunc should be supplied; if
// both are, MainInterface wins.
func BootstrapFunc(f func(ctx context.Context) capnp.Cap) ConnOption {
	return func(cfg *connConfig) { cfg.bootstrapFunc = f }
}

// SendBufferSize sets how many outgoing messages may be queued before
// sendLoop blocks. The default is 4.
func SendBufferSize(numMsgs int) ConnOption {
	return func(cfg *connConfig) { cfg.sendBufferSize = numMsgs }
}

// ConnLog sets the logger used for connection-fatal diagnostics. The
// default writes to os.Stderr with the standard log flags, matching
// rpc.go's bare use of the log package.
func ConnLog(logger *log.Logger) ConnOption {
	return func(cfg *connConfig) { cfg.logger = logger }
}

// Tags attaches arbitrary identifying metadata to a Conn, surfaced by
// Snapshot for diagnostics (e.g. which peer or listener this
// connection belongs to).
func Tags(tags map[string]string) ConnOption {
	return func(cfg *connConfig) { cfg.tags = tags }
}

// AllowThirdPartyTailCall is recognized for forward compatibility with
// Level-3 hand-off, which this engine does not implement: the option
// must be false. Enabling it is a configuration error and panics at
// construction, rather than silently accepting calls that would later
// fail with errThirdParty.
func AllowThirdPartyTailCall(allow bool) ConnOption {
	return func(cfg *connConfig) {
		if allow {
			panic("rpc: AllowThirdPartyTailCall(true): third-party tail calls are not supported")
		}
	}
}

// NewConn starts a Conn driving t, and returns immediately; the send
// and receive loops run in their own goroutines until Close or a
// protocol error ends the connection.
func NewConn(t Transport, options ...ConnOption) *Conn {
	cfg := &connConfig{sendBufferSize: 4}
	for _, o := range options {
		o(cfg)
	}

	c := &Conn{
		transport:     t,
		mu:            newChanMutex(),
		exportsByCap:  make(map[interface{}]ExportID),
		embargoes:     make(map[EmbargoID]*promise.EmbargoCap),
		sendQueue:     make(chan Message, cfg.sendBufferSize),
		logger:        cfg.logger,
		tags:          cfg.tags,
		bootstrapFunc: cfg.bootstrapFunc,
	}
	if c.logger == nil {
		c.logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if cfg.mainInterface != nil {
		c.mainInterface = refcount.New(cfg.mainInterface)
	}
	c.manager.init()
	c.manager.do(c.sendLoop)
	c.manager.do(c.recvLoop)
	return c
}

// Bootstrap asks the peer for its main interface.
func (c *Conn) Bootstrap(ctx context.Context) capnp.Answer {
	c.mu.Lock()
	q := c.newQuestion(ctx, capnp.Method{})
	msg := Message{Kind: MsgBootstrap, Bootstrap: BootstrapMessage{QuestionID: uint32(q.id)}}
	c.mu.Unlock()
	if err := c.send(q.ctx, msg); err != nil {
		q.reject(questionResolved, err)
	}
	return q
}

// Close ends the connection and waits for its goroutines to stop,
// rejecting every outstanding question along the way. Close is
// idempotent.
func (c *Conn) Close() error {
	c.shutdown(ErrConnClosed)
	c.manager.wait()
	return normalizeCloseErr(c.manager.err())
}

// Wait blocks until the connection ends (by Close, a protocol error, or
// the peer's transport failing) and returns the terminal error, or nil
// if it ended via an ordinary Close.
func (c *Conn) Wait() error {
	c.manager.wait()
	return normalizeCloseErr(c.manager.err())
}

func normalizeCloseErr(err error) error {
	if err == ErrConnClosed {
		return nil
	}
	return err
}

// Snapshot reports the connection's current table sizes, for
// diagnostics.
func (c *Conn) Snapshot() wireshape.ConnSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := wireshape.ConnSnapshot{
		Tags:      c.tags,
		Questions: countLive(len(c.questions), func(i int) bool { return c.questions[i] != nil }),
		Answers:   c.answers.Len(),
		Exports:   countLive(len(c.exports), func(i int) bool { return c.exports[i] != nil }),
		Imports:   c.imports.Len(),
		Embargoes: len(c.embargoes),
		Closed:    c.manager.err() != nil,
	}
	return snap
}

func countLive(n int, live func(i int) bool) int {
	count := 0
	for i := 0; i < n; i++ {
		if live(i) {
			count++
		}
	}
	return count
}

// send enqueues m for the send loop, failing if the connection ends or
// ctx is done first.
func (c *Conn) send(ctx context.Context, m Message) error {
	select {
	case c.sendQueue <- m:
		return nil
	case <-c.manager.context().Done():
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) sendLoop() {
	for {
		select {
		case m := <-c.sendQueue:
			if err := c.transport.SendMessage(c.manager.context(), m); err != nil {
				c.abort(protocolErrorf("transport send: %v", err))
				return
			}
		case <-c.manager.context().Done():
			return
		}
	}
}

func (c *Conn) recvLoop() {
	for {
		m, err := c.transport.RecvMessage(c.manager.context())
		if err != nil {
			c.shutdown(err)
			return
		}
		if err := c.handleMessage(m); err != nil {
			c.abort(err)
			return
		}
	}
}

// abort reports err to the peer with a best-effort Abort message, then
// tears the connection down the same way shutdown does.
func (c *Conn) abort(err error) {
	c.logger.Printf("rpc: %v", err)
	msg := Message{Kind: MsgAbort, Abort: AbortMessage{Exception: Exception{Reason: err.Error()}}}
	_ = c.transport.SendMessage(context.Background(), msg)
	c.shutdown(err)
}

// shutdown records err as the connection's terminal error (unless one
// is already recorded), closes the transport, rejects every outstanding
// question, abandons every answer and embargo, and releases every
// export. Safe to call more than once; only the first call has any
// effect.
func (c *Conn) shutdown(err error) {
	if !c.manager.shutdown(err) {
		return
	}
	c.transport.Close()
	c.mu.Lock()
	for _, q := range c.questions {
		if q != nil {
			q.reject(questionResolved, err)
			q.cancel()
		}
	}
	var owned []capnp.Cap
	c.answers.Each(func(_ uint32, a *answer) {
		owned = append(owned, a.takeOwnedCaps()...)
	})
	for eid, e := range c.embargoes {
		delete(c.embargoes, eid)
		e.Abandon(err)
	}
	if c.mainInterface != nil {
		c.mainInterface.Close()
	}
	c.releaseAllExports()
	c.mu.Unlock()
	releaseCaps(owned)
}

// handleMessage dispatches one inbound frame. A non-nil error is
// always connection-fatal: the caller aborts the connection with it.
func (c *Conn) handleMessage(m Message) error {
	switch m.Kind {
	case MsgBootstrap:
		return c.handleBootstrapMessage(m.Bootstrap)
	case MsgCall:
		return c.handleCallMessage(m.Call)
	case MsgReturn:
		return c.handleReturnMessage(m.Return)
	case MsgFinish:
		return c.handleFinishMessage(m.Finish)
	case MsgRelease:
		return c.handleReleaseMessage(m.Release)
	case MsgDisembargo:
		return c.handleDisembargoMessage(m.Disembargo)
	case MsgAbort:
		return protocolErrorf("peer aborted: %s", m.Abort.Exception.Reason)
	case MsgUnimplemented:
		return nil
	default:
		return protocolErrorf("unrecognized message kind %v", m.Kind)
	}
}

// handleBootstrapMessage answers a peer's Bootstrap question with our
// configured main interface (or errNoMainInterface if none was
// configured).
func (c *Conn) handleBootstrapMessage(m BootstrapMessage) error {
	var cap_ capnp.Cap
	switch {
	case c.mainInterface != nil:
		cap_ = c.mainInterface.Get()
	case c.bootstrapFunc != nil:
		cap_ = c.bootstrapFunc(c.manager.context())
	default:
		cap_ = capnp.ErrorCap(errNoMainInterface)
	}

	c.mu.Lock()
	a := c.insertAnswer(AnswerID(m.QuestionID))
	if a == nil {
		c.mu.Unlock()
		cap_.DecRef()
		return protocolErrorf("bootstrap: %v", errAnswerIDReused)
	}
	c.mu.Unlock()

	c.sendReturn(a, capnp.Result{Caps: []capnp.Cap{cap_}}, nil)
	return nil
}

// sendCall allocates a question for a call addressed at target and
// sends it. It is the single path every outbound Call goes through,
// whether issued by user code (Bootstrap pipelining), by an import
// proxy, or by a pipelined call against one of our own questions.
func (c *Conn) sendCall(ctx context.Context, target MessageTarget, method capnp.Method, content interface{}, caps []capnp.Cap) *question {
	c.mu.Lock()
	q := c.newQuestion(ctx, method)
	capTable := c.encodeCapTableLocked(caps)
	q.paramCaps = sentExportIDs(capTable)
	msg := Message{
		Kind: MsgCall,
		Call: CallMessage{
			QuestionID:  uint32(q.id),
			InterfaceID: method.InterfaceID,
			MethodID:    method.MethodID,
			Target:      target,
			Params:      Payload{Content: content, CapTable: capTable},
		},
	}
	c.mu.Unlock()
	releaseCaps(caps)

	if err := c.send(q.ctx, msg); err != nil {
		q.reject(questionResolved, err)
	}
	return q
}

// sentExportIDs collects the export ids a cap table granted to the
// peer, so a later ReleaseParamCaps/ReleaseResultCaps can give exactly
// those references back.
func sentExportIDs(capTable []CapDescriptor) []ExportID {
	var ids []ExportID
	for _, d := range capTable {
		if d.Kind == DescSenderHosted || d.Kind == DescSenderPromise {
			ids = append(ids, ExportID(d.ID))
		}
	}
	return ids
}

// handleCallMessage dispatches an inbound Call, either immediately (if
// its target is already resolvable) or by queuing it against an
// unresolved answer until that answer's own result is known.
func (c *Conn) handleCallMessage(m CallMessage) error {
	c.mu.Lock()
	a := c.insertAnswer(AnswerID(m.QuestionID))
	if a == nil {
		c.mu.Unlock()
		return protocolErrorf("call: %v", errAnswerIDReused)
	}

	call := &capnp.Call{
		Method:  capnp.Method{InterfaceID: m.InterfaceID, MethodID: m.MethodID},
		Content: m.Params.Content,
		Caps:    c.decodeCapTableLocked(m.Params.CapTable),
	}

	target, baseAnswer, transform, err := c.resolveMessageTargetLocked(m.Target)
	if err != nil {
		c.mu.Unlock()
		releaseCaps(call.Caps)
		return protocolErrorf("call: %v", err)
	}

	if baseAnswer != nil {
		if baseAnswer.queueCall(transform, call, a) {
			c.mu.Unlock()
			return nil
		}
		result, baseErr, _ := baseAnswer.peek()
		c.mu.Unlock()
		if baseErr != nil {
			c.sendReturn(a, capnp.Result{}, baseErr)
			return nil
		}
		cp := capnp.ImmediateAnswer(result).Cap(transform)
		ans := cp.Call(call)
		cp.DecRef()
		c.manager.do(func() { c.awaitAndReturn(a, ans) })
		return nil
	}

	c.mu.Unlock()
	ans := target.Call(call)
	target.DecRef()
	c.manager.do(func() { c.awaitAndReturn(a, ans) })
	return nil
}

// awaitAndReturn waits for ans to resolve and sends a's Return; it
// gives up quietly if the connection ends first, abandoning the answer
// the way the rest of teardown does.
func (c *Conn) awaitAndReturn(a *answer, ans capnp.Answer) {
	done := make(chan struct{})
	ans.WhenResolved(func() { close(done) })
	select {
	case <-done:
	case <-c.manager.context().Done():
		return
	}
	result, err := ans.Struct()
	ans.Finish()
	c.sendReturn(a, result, err)
}

// sendReturn sends a's Return message, resolves it, routes every
// pipelined call or disembargo queued against it, and retires it if it
// is already fully done. Ownership of result's caps passes to the
// answer, which keeps them alive until it retires: pipelined calls can
// still arrive for them up to the peer's Finish.
func (c *Conn) sendReturn(a *answer, result capnp.Result, err error) {
	canceled := a.finishReceivedEarly()
	if canceled {
		releaseCaps(result.Caps)
		result, err = capnp.Result{}, ErrCanceled
	}

	c.mu.Lock()
	var rm ReturnMessage
	rm.AnswerID = uint32(a.id)
	switch {
	case canceled:
		rm.Kind = ReturnCanceled
	case err != nil:
		rm.Kind = ReturnException
		rm.Exception = Exception{Reason: err.Error()}
	default:
		rm.Kind = ReturnResults
		capTable := c.encodeCapTableLocked(result.Caps)
		a.resultCaps = sentExportIDs(capTable)
		a.ownedCaps = result.Caps
		rm.Results = Payload{Content: result.Content, CapTable: capTable}
	}
	c.mu.Unlock()

	sendErr := c.send(c.manager.context(), Message{Kind: MsgReturn, Return: rm})
	a.markReturnSent()
	pending := a.resolve(result, err)
	for {
		c.flushPending(pending, result, err)
		pending = a.takePendingOrMarkFlushed()
		if pending == nil {
			break
		}
	}
	c.maybeRetireAnswer(a)
	if sendErr != nil && sendErr != ErrConnClosed {
		c.abort(protocolErrorf("sending return: %v", sendErr))
	}
}

func (c *Conn) flushPending(pending []pendingItem, result capnp.Result, errv error) {
	for _, item := range pending {
		switch item.kind {
		case pendingCall:
			if errv != nil {
				releaseCaps(item.call.Caps)
				c.sendReturn(item.answer, capnp.Result{}, errv)
				continue
			}
			cp := capnp.ImmediateAnswer(result).Cap(item.transform)
			ans := cp.Call(item.call)
			cp.DecRef()
			a, ans := item.answer, ans
			c.manager.do(func() { c.awaitAndReturn(a, ans) })
		case pendingDisembargo:
			if errv != nil || !c.disembargoTargetImported(result, item.replyTarget) {
				c.abort(protocolErrorf("disembargo request: %v", errDisembargoNonImport))
				continue
			}
			c.sendDisembargoReply(item.embargoID, item.replyTarget)
		}
	}
}

// disembargoTargetImported reports whether result's capability at the
// disembargo target's path is one we imported from the peer -- the
// only shape a senderLoopback request may legitimately name, since the
// embargo exists to fence calls that loop back through the requester.
func (c *Conn) disembargoTargetImported(result capnp.Result, target MessageTarget) bool {
	cp := capnp.ImmediateAnswer(result).Cap(target.PromisedAnswer.Transform)
	imp, ok := cp.Shortest().(*importProxy)
	cp.DecRef()
	return ok && imp.conn == c
}

func (c *Conn) maybeRetireAnswer(a *answer) {
	if !a.isDone() {
		return
	}
	c.mu.Lock()
	c.popAnswer(a.id)
	owned := a.takeOwnedCaps()
	c.mu.Unlock()
	releaseCaps(owned)
}

// handleReturnMessage resolves one of our own questions. A result
// capability at a path we had pipelined calls against is wrapped in an
// embargo if it turns out to be one of our own exports: the pipelined
// wire call may still be in flight, and calling the now-local object
// directly would risk running ahead of it (spec §4.4 embargo
// algorithm, client side).
func (c *Conn) handleReturnMessage(m ReturnMessage) error {
	c.mu.Lock()
	q := c.findQuestion(QuestionID(m.AnswerID))
	if q == nil {
		c.mu.Unlock()
		return protocolErrorf("return: no question %d", m.AnswerID)
	}
	if m.ReleaseParamCaps {
		for _, id := range q.paramCaps {
			c.releaseExport(id, 1)
		}
	}
	if q.markReturnReceived() {
		// Finish already went out: the question was canceled, its
		// Finish carried releaseResultCaps, and nobody is waiting on
		// the payload. Retire the entry without decoding the results.
		c.popQuestion(q.id)
		c.mu.Unlock()
		return nil
	}

	switch m.Kind {
	case ReturnResults:
		caps := c.decodeCapTableLocked(m.Results.CapTable)
		var disembargoes []Message
		for i, d := range m.Results.CapTable {
			if d.Kind != DescReceiverHosted {
				continue
			}
			transform := []capnp.PipelineOp{{Field: uint16(i)}}
			if !q.wasPipelined(transform) {
				continue
			}
			embID, emb := c.newEmbargo(caps[i])
			caps[i] = emb
			disembargoes = append(disembargoes, Message{
				Kind: MsgDisembargo,
				Disembargo: DisembargoMessage{
					Context: DisembargoSenderLoopback,
					ID:      uint32(embID),
					Target: MessageTarget{
						Kind: TargetPromisedAnswer,
						PromisedAnswer: PromisedAnswerTarget{
							QuestionID: uint32(q.id),
							Transform:  transform,
						},
					},
				},
			})
		}
		c.mu.Unlock()
		for _, dm := range disembargoes {
			if err := c.send(c.manager.context(), dm); err != nil {
				return protocolErrorf("sending disembargo request: %v", err)
			}
		}
		q.fulfill(capnp.Result{Content: m.Results.Content, Caps: caps})
	case ReturnException:
		c.mu.Unlock()
		q.reject(questionResolved, &MethodError{InterfaceID: q.method.InterfaceID, MethodID: q.method.MethodID, Err: m.Exception})
	case ReturnCanceled:
		c.mu.Unlock()
		q.reject(questionResolved, errReceiverPeerCanceled)
	default:
		c.mu.Unlock()
		return protocolErrorf("return: unrecognized kind %v", m.Kind)
	}
	return nil
}

// finishQuestion is question.Finish's implementation. A Finish before
// the Return cancels the question (the caller sees ErrCanceled, the
// frame carries releaseResultCaps so the peer drops the results we
// will never look at); a Finish after the Return is the ordinary end
// of the lifecycle and retires the table entry. Either way exactly one
// Finish frame goes out.
func (c *Conn) finishQuestion(q *question) {
	first, returned := q.markFinishSent()
	if !first {
		return
	}
	if !returned {
		q.reject(questionCanceled, ErrCanceled)
		q.cancel()
	}
	msg := Message{Kind: MsgFinish, Finish: FinishMessage{QuestionID: uint32(q.id), ReleaseResultCaps: !returned}}
	if err := c.send(c.manager.context(), msg); err != nil && err != ErrConnClosed {
		c.abort(protocolErrorf("sending finish: %v", err))
	}
	if returned {
		c.mu.Lock()
		c.popQuestion(q.id)
		c.mu.Unlock()
	}
}

// handleFinishMessage retires an Answers table entry once both halves
// of its lifecycle (Return sent, Finish received) have happened, and
// honors ReleaseResultCaps by releasing the exports minted for its
// result.
func (c *Conn) handleFinishMessage(m FinishMessage) error {
	c.mu.Lock()
	a := c.findAnswer(AnswerID(m.QuestionID))
	if a == nil {
		c.mu.Unlock()
		return protocolErrorf("finish: no answer %d", m.QuestionID)
	}
	a.markFinishReceived()
	var owned []capnp.Cap
	if a.isDone() {
		c.popAnswer(a.id)
		owned = a.takeOwnedCaps()
	}
	if m.ReleaseResultCaps {
		for _, id := range a.resultCaps {
			c.releaseExport(id, 1)
		}
	}
	c.mu.Unlock()
	releaseCaps(owned)
	return nil
}

// handleReleaseMessage gives back wire reference counts on one of our
// exports.
func (c *Conn) handleReleaseMessage(m ReleaseMessage) error {
	c.mu.Lock()
	if c.findExport(ExportID(m.ID)) == nil {
		c.mu.Unlock()
		return protocolErrorf("release: no export %d", m.ID)
	}
	c.releaseExport(ExportID(m.ID), int(m.ReferenceCount))
	c.mu.Unlock()
	return nil
}

// sendRelease is used by an importProxy when its last local reference
// is dropped, to give the corresponding wire grants back to the peer.
func (c *Conn) sendRelease(id ImportID, count uint32) {
	msg := Message{Kind: MsgRelease, Release: ReleaseMessage{ID: uint32(id), ReferenceCount: count}}
	if err := c.send(c.manager.context(), msg); err != nil && err != ErrConnClosed {
		c.abort(protocolErrorf("sending release: %v", err))
	}
}

// sendDisembargoReply answers a senderLoopback request once it is safe
// to (spec §4.4): every call queued ahead of it against the same
// answer has already been routed.
func (c *Conn) sendDisembargoReply(id EmbargoID, target MessageTarget) {
	msg := Message{
		Kind: MsgDisembargo,
		Disembargo: DisembargoMessage{
			Context: DisembargoReceiverLoopback,
			ID:      uint32(id),
			Target:  target,
		},
	}
	if err := c.send(c.manager.context(), msg); err != nil && err != ErrConnClosed {
		c.abort(protocolErrorf("sending disembargo reply: %v", err))
	}
}

// handleDisembargoMessage handles both halves of the embargo handshake:
// a senderLoopback request (we are the server being asked to reply once
// ordering is safe) and a receiverLoopback reply (we are the client
// whose embargo just cleared).
func (c *Conn) handleDisembargoMessage(m DisembargoMessage) error {
	switch m.Context {
	case DisembargoReceiverLoopback:
		c.mu.Lock()
		e := c.resolveEmbargo(EmbargoID(m.ID))
		c.mu.Unlock()
		if e == nil {
			return protocolErrorf("disembargo reply: %v", errDisembargoUnknownTarget)
		}
		e.Disembargo()
		return nil
	case DisembargoSenderLoopback:
		if m.Target.Kind != TargetPromisedAnswer {
			return protocolErrorf("disembargo request: %v", errDisembargoNonImport)
		}
		c.mu.Lock()
		a := c.findAnswer(AnswerID(m.Target.PromisedAnswer.QuestionID))
		if a == nil {
			c.mu.Unlock()
			return protocolErrorf("disembargo request: %v", errDisembargoMissingAnswer)
		}
		queued := a.queueDisembargo(EmbargoID(m.ID), m.Target)
		c.mu.Unlock()
		if !queued {
			result, resErr, _ := a.peek()
			if resErr != nil || !c.disembargoTargetImported(result, m.Target) {
				return protocolErrorf("disembargo request: %v", errDisembargoNonImport)
			}
			c.sendDisembargoReply(EmbargoID(m.ID), m.Target)
		}
		return nil
	default:
		return protocolErrorf("disembargo: unrecognized context %v", m.Context)
	}
}

// resolveMessageTargetLocked resolves a Call's target, either to a
// concrete capability ready to invoke (ImportedCap) or to a base
// answer plus transform still to be resolved (PromisedAnswer); exactly
// one of the two return shapes is populated. The caller must be
// holding onto c.mu.
func (c *Conn) resolveMessageTargetLocked(t MessageTarget) (target capnp.Cap, baseAnswer *answer, transform []capnp.PipelineOp, err error) {
	switch t.Kind {
	case TargetImportedCap:
		e := c.findExport(ExportID(t.ImportedCap))
		if e == nil {
			return nil, nil, nil, errBadTarget
		}
		return e.cap.IncRef(), nil, nil, nil
	case TargetPromisedAnswer:
		a := c.findAnswer(AnswerID(t.PromisedAnswer.QuestionID))
		if a == nil {
			return nil, nil, nil, errBadTarget
		}
		return nil, a, t.PromisedAnswer.Transform, nil
	default:
		return nil, nil, nil, errBadTarget
	}
}

// encodeCapTableLocked translates caps into outbound CapDescriptors.
// Ownership of the entries stays with the caller, which must hand them
// to releaseCaps (or an answer's ownedCaps) once c.mu is no longer
// held: a DecRef here could re-enter the connection lock through an
// import proxy's release path. The caller must be holding onto c.mu.
func (c *Conn) encodeCapTableLocked(caps []capnp.Cap) []CapDescriptor {
	if len(caps) == 0 {
		return nil
	}
	descs := make([]CapDescriptor, len(caps))
	for i, cp := range caps {
		descs[i] = c.encodeCapLocked(cp)
	}
	return descs
}

// releaseCaps drops one reference per entry. Must not be called with
// c.mu held.
func releaseCaps(caps []capnp.Cap) {
	for _, cp := range caps {
		if cp != nil {
			cp.DecRef()
		}
	}
}

func (c *Conn) encodeCapLocked(cp capnp.Cap) CapDescriptor {
	if cp == nil || cp == capnp.NullCap {
		return CapDescriptor{Kind: DescNone}
	}
	// Describe the most direct representation: a promise that has
	// already resolved is encoded as whatever it resolved to.
	cp = cp.Shortest()
	if imp, ok := cp.(*importProxy); ok && imp.conn == c {
		// Round-tripping a capability we imported from this same peer:
		// from their side, that id is one of their own exports.
		return CapDescriptor{Kind: DescReceiverHosted, ID: uint32(imp.id)}
	}
	kind := DescSenderHosted
	if pc, ok := cp.(capnp.PromiseCap); ok && pc.PendingResolution() {
		kind = DescSenderPromise
	}
	return CapDescriptor{Kind: kind, ID: uint32(c.exportForCap(cp))}
}

// decodeCapTableLocked translates an inbound CapDescriptor table into
// live Caps. The caller must be holding onto c.mu.
func (c *Conn) decodeCapTableLocked(descs []CapDescriptor) []capnp.Cap {
	if len(descs) == 0 {
		return nil
	}
	caps := make([]capnp.Cap, len(descs))
	for i, d := range descs {
		caps[i] = c.decodeCapLocked(d)
	}
	return caps
}

func (c *Conn) decodeCapLocked(d CapDescriptor) capnp.Cap {
	switch d.Kind {
	case DescNone:
		return capnp.NullCap
	case DescSenderHosted, DescSenderPromise:
		return c.importForID(ImportID(d.ID))
	case DescReceiverHosted:
		e := c.findExport(ExportID(d.ID))
		if e == nil {
			return capnp.ErrorCap(errBadTarget)
		}
		return e.cap.IncRef()
	case DescReceiverAnswer:
		q := c.findQuestion(QuestionID(d.ReceiverAnswer.QuestionID))
		if q == nil {
			return capnp.ErrorCap(errBadTarget)
		}
		return q.Cap(d.ReceiverAnswer.Transform)
	case DescThirdPartyHosted:
		return capnp.ErrorCap(errThirdParty)
	default:
		return capnp.ErrorCap(errBadTarget)
	}
}
