package rpc_test

import (
	"sync"
	"testing"

	"golang.org/x/net/context"

	"github.com/captp-core/captp/capnp"
	"github.com/captp-core/captp/rpc"
	"github.com/captp-core/captp/rpc/internal/pipetransport"
)

// loopbackServer echoes back whatever capability it was given as its
// first parameter, both as a pipelineable result field and as the
// lone entry of the result's cap table -- the shape a peer uses to
// hand a capability right back to whoever passed it in. Its one
// parameter reference transfers into the result.
type loopbackServer struct{}

func (loopbackServer) Call(m *capnp.Call) capnp.Answer {
	c := m.Caps[0]
	return capnp.ImmediateAnswer(capnp.Result{
		Content: fieldAccessor{0: c},
		Caps:    []capnp.Cap{c},
	})
}

// orderedServer records the order its calls arrive in, guarded by mu.
type orderedServer struct {
	mu    *sync.Mutex
	order *[]string
}

func (s orderedServer) Call(m *capnp.Call) capnp.Answer {
	s.mu.Lock()
	*s.order = append(*s.order, m.Content.(string))
	s.mu.Unlock()
	return capnp.ImmediateAnswer(capnp.Result{Content: m.Content})
}

// TestEmbargoOrdersLoopbackCalls is the classic CapTP embargo scenario
// (spec §4.4): the client hands the server one of its own local
// capabilities, pipelines a call to it through the server's answer
// before the answer resolves, and discovers on resolution that the
// server handed the exact same capability straight back (a loopback).
// A second call issued directly against the now-local capability must
// not run ahead of the first one, which is still working its way back
// through the server -- that ordering is exactly what the embargo
// exists to preserve.
func TestEmbargoOrdersLoopbackCalls(t *testing.T) {
	p, q := pipetransport.New()
	server := rpc.NewConn(p, rpc.MainInterface(capnp.NewLocalCap(loopbackServer{})))
	client := rpc.NewConn(q)
	defer server.Close()
	defer client.Close()

	var mu sync.Mutex
	var order []string
	l := capnp.NewLocalCap(orderedServer{mu: &mu, order: &order})
	defer l.DecRef()

	ctx := context.Background()
	bootAns := client.Bootstrap(ctx)
	bootResult, err := bootAns.Struct()
	if err != nil {
		t.Fatalf("Bootstrap().Struct() error = %v", err)
	}
	bootAns.Finish()
	main := bootResult.Caps[0]
	defer main.DecRef()

	rootAns := main.Call(&capnp.Call{Caps: []capnp.Cap{l.IncRef()}})
	loopFieldCap := rootAns.Cap([]capnp.PipelineOp{{Field: 0}})
	probeAns := loopFieldCap.Call(&capnp.Call{Content: "probe"})
	loopFieldCap.DecRef()

	rootResult, err := rootAns.Struct()
	if err != nil {
		t.Fatalf("root call error = %v", err)
	}
	rootAns.Finish()
	if len(rootResult.Caps) != 1 {
		t.Fatalf("root result has %d caps; want 1 (the loopback)", len(rootResult.Caps))
	}
	loopback := rootResult.Caps[0]
	defer loopback.DecRef()

	// Issued immediately after seeing the loopback, before the
	// Disembargo handshake with the server has necessarily completed.
	// If the embargo didn't queue this call, it could run before
	// "probe" (still routing back through the server) and the
	// assertion below would fail.
	secondAns := loopback.Call(&capnp.Call{Content: "second"})

	if _, err := probeAns.Struct(); err != nil {
		t.Fatalf("probe call error = %v", err)
	}
	probeAns.Finish()
	if _, err := secondAns.Struct(); err != nil {
		t.Fatalf("second call error = %v", err)
	}
	secondAns.Finish()

	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()
	if len(got) != 2 || got[0] != "probe" || got[1] != "second" {
		t.Fatalf("call order = %v; want [probe second]", got)
	}
}
