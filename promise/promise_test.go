package promise

import (
	"errors"
	"testing"

	"github.com/captp-core/captp/capnp"
)

type echoServer struct{ calls *int }

func (s echoServer) Call(m *capnp.Call) capnp.Answer {
	*s.calls++
	return capnp.ImmediateAnswer(capnp.Result{Content: m.Content})
}

func TestStructFulfillerQueuesThenReplaysPipelinedCalls(t *testing.T) {
	var calls int
	target := capnp.NewLocalCap(echoServer{&calls})

	f := new(StructFulfiller)
	ans := f.PipelineCall(nil, &capnp.Call{Content: "ping"})

	if calls != 0 {
		t.Fatalf("calls = %d before Fulfill; want 0 (call should queue)", calls)
	}

	f.Fulfill(capnp.Result{Caps: []capnp.Cap{target}})

	r, err := ans.Struct()
	if err != nil {
		t.Fatalf("ans.Struct() error = %v", err)
	}
	if r.Content != "ping" {
		t.Errorf("r.Content = %v; want ping", r.Content)
	}
	if calls != 1 {
		t.Errorf("calls = %d; want 1", calls)
	}
}

func TestStructFulfillerRejectPropagatesToQueuedCalls(t *testing.T) {
	f := new(StructFulfiller)
	ans := f.PipelineCall(nil, &capnp.Call{})
	wantErr := errors.New("boom")
	f.Reject(wantErr)

	if _, err := ans.Struct(); err != wantErr {
		t.Errorf("ans.Struct() error = %v; want %v", err, wantErr)
	}
}

func TestStructFulfillerDoubleResolvePanics(t *testing.T) {
	f := new(StructFulfiller)
	f.Fulfill(capnp.Result{})
	defer func() {
		if recover() == nil {
			t.Fatal("second Fulfill did not panic")
		}
	}()
	f.Fulfill(capnp.Result{})
}

func TestStructFulfillerCapInterning(t *testing.T) {
	f := new(StructFulfiller)
	a := f.Cap([]capnp.PipelineOp{{Field: 1}})
	b := f.Cap([]capnp.PipelineOp{{Field: 1}})
	if a != b {
		t.Error("Cap with equal transforms returned distinct handles; want interning")
	}
	c := f.Cap([]capnp.PipelineOp{{Field: 2}})
	if a == c {
		t.Error("Cap with different transforms returned the same handle")
	}
}

func TestStructFulfillerConnectRejectsCycle(t *testing.T) {
	a := new(StructFulfiller)
	b := new(StructFulfiller)
	if err := a.Connect(b); err != nil {
		t.Fatalf("a.Connect(b) error = %v", err)
	}
	if err := b.Connect(a); err == nil {
		t.Fatal("b.Connect(a) after a.Connect(b): want cycle error, got nil")
	}
}

func TestLocalCapPromiseQueuesUntilResolved(t *testing.T) {
	var calls int
	target := capnp.NewLocalCap(echoServer{&calls})

	p := NewLocalCapPromise()
	ans := p.Call(&capnp.Call{Content: "a"})
	if calls != 0 {
		t.Fatalf("calls = %d before Resolve; want 0", calls)
	}
	p.Resolve(target)
	if calls != 1 {
		t.Fatalf("calls = %d after Resolve; want 1", calls)
	}
	if _, err := ans.Struct(); err != nil {
		t.Fatalf("ans.Struct() error = %v", err)
	}

	// Calls made after resolution go straight through.
	p.Call(&capnp.Call{Content: "b"})
	if calls != 2 {
		t.Fatalf("calls = %d after post-resolve call; want 2", calls)
	}
}

func TestLocalCapPromiseDoubleResolvePanics(t *testing.T) {
	p := NewLocalCapPromise()
	p.Resolve(capnp.NullCap)
	defer func() {
		if recover() == nil {
			t.Fatal("second Resolve did not panic")
		}
	}()
	p.Resolve(capnp.NullCap)
}

func TestEmbargoCapQueuesUntilDisembargo(t *testing.T) {
	var calls int
	target := capnp.NewLocalCap(echoServer{&calls})

	e := NewEmbargoCap(7, target)
	if e.ID() != 7 {
		t.Fatalf("ID() = %d; want 7", e.ID())
	}
	ans := e.Call(&capnp.Call{Content: "queued"})
	if calls != 0 {
		t.Fatalf("calls = %d before Disembargo; want 0", calls)
	}
	e.Disembargo()
	if calls != 1 {
		t.Fatalf("calls = %d after Disembargo; want 1", calls)
	}
	if _, err := ans.Struct(); err != nil {
		t.Fatalf("ans.Struct() error = %v", err)
	}

	// Subsequent calls go straight to target, no further queuing.
	e.Call(&capnp.Call{Content: "direct"})
	if calls != 2 {
		t.Fatalf("calls = %d after direct call; want 2", calls)
	}
}
