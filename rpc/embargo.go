package rpc

import (
	"github.com/captp-core/captp/capnp"
	"github.com/captp-core/captp/promise"
)

// EmbargoID is our own id for an outstanding Disembargo request.
type EmbargoID uint32

// newEmbargo mints an embargo around target, records it, and returns
// the EmbargoCap callers should use in target's place until the
// matching Disembargo reply arrives (spec §4.4 embargo algorithm,
// client side: a loopback result cap is wrapped rather than handed out
// directly, so calls made on it before the embargo clears queue up
// instead of racing the pipelined calls already in flight on the
// wire). The caller must be holding onto c.mu and is responsible for
// sending the senderLoopback Disembargo request for the returned id.
func (c *Conn) newEmbargo(target capnp.Cap) (EmbargoID, *promise.EmbargoCap) {
	id := EmbargoID(c.embargoID.Alloc())
	e := promise.NewEmbargoCap(promise.EmbargoID(id), target)
	if c.embargoes == nil {
		c.embargoes = make(map[EmbargoID]*promise.EmbargoCap)
	}
	c.embargoes[id] = e
	return id, e
}

// resolveEmbargo looks up and removes the embargo at id, clearing it
// for the caller to disembargo. The caller must be holding onto c.mu.
func (c *Conn) resolveEmbargo(id EmbargoID) *promise.EmbargoCap {
	e := c.embargoes[id]
	if e != nil {
		delete(c.embargoes, id)
	}
	return e
}
