package rpc_test

import (
	"errors"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"golang.org/x/net/context"

	"github.com/captp-core/captp/capnp"
	"github.com/captp-core/captp/internal/wireshape"
	"github.com/captp-core/captp/rpc"
	"github.com/captp-core/captp/rpc/internal/pipetransport"
)

func newUnpairedConn(t *testing.T, options ...rpc.ConnOption) (*rpc.Conn, rpc.Transport) {
	p, q := pipetransport.New()
	c := rpc.NewConn(p, options...)
	t.Cleanup(func() {
		c.Close()
		q.Close()
	})
	return c, q
}

// echoServer answers every call with its own content, so pipelining
// and return-value tests can assert against a known shape.
type echoServer struct {
	calls *int
}

func (s echoServer) Call(m *capnp.Call) capnp.Answer {
	if s.calls != nil {
		*s.calls++
	}
	return capnp.ImmediateAnswer(capnp.Result{Content: m.Content})
}

// fieldServer returns a result whose single pointer field (index 0)
// is another capability, so pipelining through a path can be tested.
type fieldServer struct {
	child capnp.Cap
}

func (s fieldServer) Call(m *capnp.Call) capnp.Answer {
	return capnp.ImmediateAnswer(capnp.Result{Content: fieldAccessor{0: s.child}})
}

type fieldAccessor map[uint16]interface{}

func (f fieldAccessor) Field(i uint16) (interface{}, bool) {
	v, ok := f[i]
	return v, ok
}

func TestBootstrap(t *testing.T) {
	var calls int
	main := capnp.NewLocalCap(echoServer{&calls})
	conn, peer := newUnpairedConn(t, rpc.MainInterface(main))

	go func() {
		m, err := peer.RecvMessage(context.Background())
		if err != nil {
			return
		}
		if m.Kind != rpc.MsgBootstrap {
			t.Errorf("peer received %v; want bootstrap", m.Kind)
			return
		}
		peer.SendMessage(context.Background(), rpc.Message{
			Kind: rpc.MsgReturn,
			Return: rpc.ReturnMessage{
				AnswerID: m.Bootstrap.QuestionID,
				Kind:     rpc.ReturnResults,
			},
		})
	}()

	ans := conn.Bootstrap(context.Background())
	if _, err := ans.Struct(); err != nil {
		t.Fatalf("Bootstrap().Struct() error = %v", err)
	}
}

// TestCallRoundTrip drives two real Conns against each other (the
// pipetransport pair) end to end: bootstrap, then an ordinary call
// against the bootstrap capability.
func TestCallRoundTrip(t *testing.T) {
	p, q := pipetransport.New()
	var calls int
	server := rpc.NewConn(p, rpc.MainInterface(capnp.NewLocalCap(echoServer{&calls})))
	client := rpc.NewConn(q)
	defer server.Close()
	defer client.Close()

	ctx := context.Background()
	bootAns := client.Bootstrap(ctx)
	result, err := bootAns.Struct()
	if err != nil {
		t.Fatalf("Bootstrap().Struct() error = %v", err)
	}
	bootAns.Finish()
	if len(result.Caps) != 1 {
		t.Fatalf("bootstrap result has %d caps; want 1", len(result.Caps))
	}
	main := result.Caps[0]
	defer main.DecRef()

	callAns := main.Call(&capnp.Call{Content: "ping"})
	r, err := callAns.Struct()
	if err != nil {
		t.Fatalf("Call().Struct() error = %v", err)
	}
	callAns.Finish()
	if r.Content != "ping" {
		t.Errorf("r.Content = %v; want ping", r.Content)
	}
	if calls != 1 {
		t.Errorf("calls = %d; want 1", calls)
	}
}

// TestPromisePipelining calls through a call's result field before
// that call itself has returned, exercising question.PipelineCall's
// wire path (target = ReceiverAnswer) rather than a local queue.
func TestPromisePipelining(t *testing.T) {
	p, q := pipetransport.New()
	var childCalls int
	child := capnp.NewLocalCap(echoServer{&childCalls})
	server := rpc.NewConn(p, rpc.MainInterface(capnp.NewLocalCap(fieldServer{child: child})))
	client := rpc.NewConn(q)
	defer server.Close()
	defer client.Close()

	ctx := context.Background()
	bootAns := client.Bootstrap(ctx)
	bootResult, err := bootAns.Struct()
	if err != nil {
		t.Fatalf("Bootstrap().Struct() error = %v", err)
	}
	bootAns.Finish()
	main := bootResult.Caps[0]
	defer main.DecRef()

	callAns := main.Call(&capnp.Call{Content: "root"})
	childCap := callAns.Cap([]capnp.PipelineOp{{Field: 0}})
	pipelinedAns := childCap.Call(&capnp.Call{Content: "pipelined"})
	childCap.DecRef()

	r, err := pipelinedAns.Struct()
	if err != nil {
		t.Fatalf("pipelined call error = %v", err)
	}
	pipelinedAns.Finish()
	if r.Content != "pipelined" {
		t.Errorf("r.Content = %v; want pipelined", r.Content)
	}
	if childCalls != 1 {
		t.Errorf("childCalls = %d; want 1", childCalls)
	}

	rootResult, err := callAns.Struct()
	if err != nil {
		t.Fatalf("root call error = %v", err)
	}
	callAns.Finish()
	for _, c := range rootResult.Caps {
		c.DecRef()
	}
}

// TestCallException checks that a Server error is reported back to
// the caller as a MethodError.
func TestCallException(t *testing.T) {
	p, q := pipetransport.New()
	boom := errors.New("boom")
	server := rpc.NewConn(p, rpc.MainInterface(capnp.ErrorCap(boom)))
	client := rpc.NewConn(q)
	defer server.Close()
	defer client.Close()

	ctx := context.Background()
	bootAns := client.Bootstrap(ctx)
	result, err := bootAns.Struct()
	if err != nil {
		t.Fatalf("Bootstrap().Struct() error = %v", err)
	}
	bootAns.Finish()
	main := result.Caps[0]
	defer main.DecRef()

	callAns := main.Call(&capnp.Call{})
	_, err = callAns.Struct()
	callAns.Finish()
	if err == nil {
		t.Fatal("Call().Struct() error = nil; want MethodError")
	}
	var methodErr *rpc.MethodError
	if !errors.As(err, &methodErr) {
		t.Fatalf("Call().Struct() error = %v (%T); want *rpc.MethodError", err, err)
	}
}

// TestCloseRejectsOutstandingQuestions checks that Close unblocks a
// Bootstrap question that never got a Return.
func TestCloseRejectsOutstandingQuestions(t *testing.T) {
	p, _ := pipetransport.New()
	conn := rpc.NewConn(p)

	ans := conn.Bootstrap(context.Background())
	conn.Close()

	if _, err := ans.Struct(); err == nil {
		t.Fatal("Struct() after Close: want error, got nil")
	}
}

// TestSnapshotReflectsLiveTables walks a full bootstrap-and-release
// cycle and checks the client's tables against the empty state a leak
// would show up in.
func TestSnapshotReflectsLiveTables(t *testing.T) {
	p, q := pipetransport.New()
	var calls int
	server := rpc.NewConn(p, rpc.MainInterface(capnp.NewLocalCap(echoServer{&calls})))
	client := rpc.NewConn(q, rpc.Tags(map[string]string{"peer": "test"}))
	defer server.Close()
	defer client.Close()

	ans := client.Bootstrap(context.Background())

	mid := client.Snapshot()
	if mid.Questions != 1 {
		t.Fatalf("Questions with bootstrap in flight = %d; want 1", mid.Questions)
	}

	result, err := ans.Struct()
	if err != nil {
		t.Fatalf("Bootstrap().Struct() error = %v", err)
	}
	result.Caps[0].DecRef()
	ans.Finish()

	want := wireshape.ConnSnapshot{Tags: map[string]string{"peer": "test"}}
	if diff := pretty.Compare(client.Snapshot(), want); diff != "" {
		t.Errorf("snapshot after teardown diff (-got +want):\n%s", diff)
	}
}
