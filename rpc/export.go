package rpc

import "github.com/captp-core/captp/capnp"

// ExportID is our own id for a capability we have published to the
// peer.
type ExportID uint32

// export is an Exports table entry: a capability we export, and the
// peer's believed reference count on it (spec invariant 5).
type export struct {
	id           ExportID
	cap          capnp.Cap
	wireRefCount uint32
}

// exportForCap returns the export id to embed in an outbound message
// for cap: reusing cap's existing export if we already published it
// (identified by capnp.Identity, so round-tripping a cap we hold is
// cheap and stable), otherwise minting a new one. Either way, the
// occurrence counts as one more increment toward wireRefCount, per
// spec invariant 5. The caller must be holding onto c.mu.
func (c *Conn) exportForCap(cap_ capnp.Cap) ExportID {
	key := capnp.Identity(cap_)
	if id, ok := c.exportsByCap[key]; ok {
		e := c.exports[id]
		e.wireRefCount++
		return id
	}
	id := ExportID(c.exportID.Alloc())
	e := &export{id: id, cap: cap_.IncRef(), wireRefCount: 1}
	for int(id) >= len(c.exports) {
		c.exports = append(c.exports, nil)
	}
	c.exports[id] = e
	if c.exportsByCap == nil {
		c.exportsByCap = make(map[interface{}]ExportID)
	}
	c.exportsByCap[key] = id
	return id
}

// findExport looks up a live export. The caller must be holding onto
// c.mu.
func (c *Conn) findExport(id ExportID) *export {
	if int(id) >= len(c.exports) {
		return nil
	}
	return c.exports[id]
}

// releaseExport decrements id's wire ref count by count (spec invariant
// 5); at zero the export is dropped and its capability released. The
// caller must be holding onto c.mu; the underlying cap's DecRef runs
// synchronously here, matching rpc.go's releaseExport.
func (c *Conn) releaseExport(id ExportID, count int) {
	e := c.findExport(id)
	if e == nil {
		return
	}
	if uint32(count) >= e.wireRefCount {
		e.wireRefCount = 0
	} else {
		e.wireRefCount -= uint32(count)
	}
	if e.wireRefCount == 0 {
		c.exports[id] = nil
		c.exportID.Release(uint32(id))
		delete(c.exportsByCap, capnp.Identity(e.cap))
		e.cap.DecRef()
	}
}

// releaseAllExports is called once, at connection teardown, to drop
// every remaining export's reference on the underlying capability. The
// caller must be holding onto c.mu.
func (c *Conn) releaseAllExports() {
	for id, e := range c.exports {
		if e == nil {
			continue
		}
		c.exports[id] = nil
		e.cap.DecRef()
	}
	c.exportsByCap = nil
}
