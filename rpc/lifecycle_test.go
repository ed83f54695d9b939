package rpc_test

import (
	"testing"
	"time"

	"golang.org/x/net/context"

	"github.com/captp-core/captp/capnp"
	"github.com/captp-core/captp/promise"
	"github.com/captp-core/captp/rpc"
	"github.com/captp-core/captp/rpc/internal/pipetransport"
)

// closeServer counts how many times it is closed, so a test can assert
// a capability's last reference really was released.
type closeServer struct{ closes *int }

func (closeServer) Call(m *capnp.Call) capnp.Answer {
	return capnp.ImmediateAnswer(capnp.Result{})
}
func (s closeServer) Close() error { *s.closes++; return nil }

// TestReleaseDropsExportOnLastReference drives a Conn manually (no
// peer Conn) to check that the export behind a Bootstrap response is
// released -- and its Server's Close run -- once a Release message
// gives back every reference the peer was ever granted.
func TestReleaseDropsExportOnLastReference(t *testing.T) {
	p, peer := pipetransport.New()
	var closes int
	conn := rpc.NewConn(p, rpc.BootstrapFunc(func(context.Context) capnp.Cap {
		return capnp.NewLocalCap(closeServer{&closes})
	}))
	defer conn.Close()
	defer peer.Close()

	ctx := context.Background()

	if err := peer.SendMessage(ctx, rpc.Message{
		Kind:      rpc.MsgBootstrap,
		Bootstrap: rpc.BootstrapMessage{QuestionID: 0},
	}); err != nil {
		t.Fatalf("SendMessage(bootstrap) error = %v", err)
	}

	ret, err := peer.RecvMessage(ctx)
	if err != nil {
		t.Fatalf("RecvMessage(return) error = %v", err)
	}
	if ret.Kind != rpc.MsgReturn {
		t.Fatalf("received %v; want return", ret.Kind)
	}
	if len(ret.Return.Results.CapTable) != 1 {
		t.Fatalf("return has %d cap descriptors; want 1", len(ret.Return.Results.CapTable))
	}
	desc := ret.Return.Results.CapTable[0]
	if desc.Kind != rpc.DescSenderHosted {
		t.Fatalf("cap descriptor kind = %v; want DescSenderHosted", desc.Kind)
	}

	if err := peer.SendMessage(ctx, rpc.Message{
		Kind: rpc.MsgFinish,
		Finish: rpc.FinishMessage{
			QuestionID:        0,
			ReleaseResultCaps: false,
		},
	}); err != nil {
		t.Fatalf("SendMessage(finish) error = %v", err)
	}

	if closes != 0 {
		t.Fatalf("closes = %d before Release; want 0", closes)
	}

	if err := peer.SendMessage(ctx, rpc.Message{
		Kind: rpc.MsgRelease,
		Release: rpc.ReleaseMessage{
			ID:             desc.ID,
			ReferenceCount: 1,
		},
	}); err != nil {
		t.Fatalf("SendMessage(release) error = %v", err)
	}

	waitFor(t, func() bool { return closes == 1 })
}

// TestFinishBeforeReturnCancelsQuestion checks that calling Finish on
// an Answer whose Return has not arrived yet rejects the caller with
// ErrCanceled rather than hanging, and that the engine still sends a
// Finish frame to the peer for the abandoned question.
func TestFinishBeforeReturnCancelsQuestion(t *testing.T) {
	p, peer := pipetransport.New()
	conn := rpc.NewConn(p)
	defer conn.Close()
	defer peer.Close()

	ctx := context.Background()
	ans := conn.Bootstrap(ctx)

	boot, err := peer.RecvMessage(ctx)
	if err != nil {
		t.Fatalf("RecvMessage(bootstrap) error = %v", err)
	}
	if boot.Kind != rpc.MsgBootstrap {
		t.Fatalf("received %v; want bootstrap", boot.Kind)
	}

	ans.Finish()

	finish, err := peer.RecvMessage(ctx)
	if err != nil {
		t.Fatalf("RecvMessage(finish) error = %v", err)
	}
	if finish.Kind != rpc.MsgFinish {
		t.Fatalf("received %v; want finish", finish.Kind)
	}
	if finish.Finish.QuestionID != boot.Bootstrap.QuestionID {
		t.Fatalf("finish.QuestionID = %d; want %d", finish.Finish.QuestionID, boot.Bootstrap.QuestionID)
	}
	if !finish.Finish.ReleaseResultCaps {
		t.Error("finish.ReleaseResultCaps = false; want true for a canceled question")
	}

	if _, err := ans.Struct(); err != rpc.ErrCanceled {
		t.Fatalf("Struct() error = %v; want ErrCanceled", err)
	}
}

// TestLateReturnAfterFinishIsDiscarded checks that a Return arriving
// for an already-canceled question is absorbed silently: the question
// slot is reclaimed and the connection stays usable, rather than the
// late Return being treated as referring to an unknown id.
func TestLateReturnAfterFinishIsDiscarded(t *testing.T) {
	p, peer := pipetransport.New()
	conn := rpc.NewConn(p)
	defer conn.Close()
	defer peer.Close()

	ctx := context.Background()
	ans := conn.Bootstrap(ctx)

	boot, err := peer.RecvMessage(ctx)
	if err != nil {
		t.Fatalf("RecvMessage(bootstrap) error = %v", err)
	}

	ans.Finish()
	if _, err := peer.RecvMessage(ctx); err != nil {
		t.Fatalf("RecvMessage(finish) error = %v", err)
	}

	if err := peer.SendMessage(ctx, rpc.Message{
		Kind: rpc.MsgReturn,
		Return: rpc.ReturnMessage{
			AnswerID: boot.Bootstrap.QuestionID,
			Kind:     rpc.ReturnResults,
		},
	}); err != nil {
		t.Fatalf("SendMessage(late return) error = %v", err)
	}

	// A second Bootstrap making it onto the wire proves the late
	// Return did not abort the connection.
	ans2 := conn.Bootstrap(ctx)
	defer ans2.Finish()
	boot2, err := peer.RecvMessage(ctx)
	if err != nil {
		t.Fatalf("RecvMessage(second bootstrap) error = %v", err)
	}
	if boot2.Kind != rpc.MsgBootstrap {
		t.Fatalf("received %v; want bootstrap", boot2.Kind)
	}

	waitFor(t, func() bool { return conn.Snapshot().Questions == 1 })
}

// gatedServer answers only once its release channel is closed, so a
// test can hold a call open while other frames are exchanged.
type gatedServer struct {
	release chan struct{}
}

func (s gatedServer) Call(m *capnp.Call) capnp.Answer {
	f := new(promise.StructFulfiller)
	go func() {
		<-s.release
		f.Fulfill(capnp.Result{Content: m.Content})
	}()
	return f
}

// TestFinishBeforeReturnProducesCanceledReturn is the peer half of
// cancellation: a Finish that arrives while the call is still running
// marks the answer canceled, and the eventual Return reports Canceled
// with the callee's results dropped.
func TestFinishBeforeReturnProducesCanceledReturn(t *testing.T) {
	p, peer := pipetransport.New()
	release := make(chan struct{})
	conn := rpc.NewConn(p, rpc.MainInterface(capnp.NewLocalCap(gatedServer{release})))
	defer conn.Close()
	defer peer.Close()

	ctx := context.Background()

	if err := peer.SendMessage(ctx, rpc.Message{
		Kind:      rpc.MsgBootstrap,
		Bootstrap: rpc.BootstrapMessage{QuestionID: 0},
	}); err != nil {
		t.Fatalf("SendMessage(bootstrap) error = %v", err)
	}
	bootRet, err := peer.RecvMessage(ctx)
	if err != nil {
		t.Fatalf("RecvMessage(bootstrap return) error = %v", err)
	}
	mainID := bootRet.Return.Results.CapTable[0].ID
	if err := peer.SendMessage(ctx, rpc.Message{
		Kind:   rpc.MsgFinish,
		Finish: rpc.FinishMessage{QuestionID: 0},
	}); err != nil {
		t.Fatalf("SendMessage(finish bootstrap) error = %v", err)
	}

	if err := peer.SendMessage(ctx, rpc.Message{
		Kind: rpc.MsgCall,
		Call: rpc.CallMessage{
			QuestionID: 1,
			Target:     rpc.MessageTarget{Kind: rpc.TargetImportedCap, ImportedCap: mainID},
			Params:     rpc.Payload{Content: "slow"},
		},
	}); err != nil {
		t.Fatalf("SendMessage(call) error = %v", err)
	}
	if err := peer.SendMessage(ctx, rpc.Message{
		Kind:   rpc.MsgFinish,
		Finish: rpc.FinishMessage{QuestionID: 1, ReleaseResultCaps: true},
	}); err != nil {
		t.Fatalf("SendMessage(finish call) error = %v", err)
	}

	// A third question's Return coming back proves the Finish above has
	// been dispatched before the gate opens.
	if err := peer.SendMessage(ctx, rpc.Message{
		Kind:      rpc.MsgBootstrap,
		Bootstrap: rpc.BootstrapMessage{QuestionID: 2},
	}); err != nil {
		t.Fatalf("SendMessage(second bootstrap) error = %v", err)
	}
	if _, err := peer.RecvMessage(ctx); err != nil {
		t.Fatalf("RecvMessage(second bootstrap return) error = %v", err)
	}

	close(release)

	callRet, err := peer.RecvMessage(ctx)
	if err != nil {
		t.Fatalf("RecvMessage(call return) error = %v", err)
	}
	if callRet.Kind != rpc.MsgReturn || callRet.Return.AnswerID != 1 {
		t.Fatalf("received %v (answer %d); want return for answer 1", callRet.Kind, callRet.Return.AnswerID)
	}
	if callRet.Return.Kind != rpc.ReturnCanceled {
		t.Fatalf("return kind = %v; want ReturnCanceled", callRet.Return.Kind)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}
