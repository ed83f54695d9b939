// Package id implements the small-integer identifier tables used by the
// CapTP connection state machine: one allocating table per id space we
// hand out (questions, exports, embargoes) and a tracking table for id
// spaces the peer assigns (answers, imports).
package id

import "fmt"

// Gen is an allocating table.  It hands out dense uint32 identifiers,
// drawing from a free list before minting a new one, so that a busy
// connection does not grow its id space without bound.
//
// The zero value is a ready-to-use generator starting at zero.
type Gen struct {
	next uint32
	free []uint32
}

// Alloc draws an id from the free list if one is available, otherwise
// mints the next unused id.  It is the caller's responsibility to record
// a value for the returned id before releasing the lock that guards the
// table; Gen only tracks the numbering, not the values.
func (g *Gen) Alloc() uint32 {
	if n := len(g.free); n > 0 {
		i := g.free[n-1]
		g.free = g.free[:n-1]
		return i
	}
	i := g.next
	g.next++
	return i
}

// Release returns id to the free list.  Releasing an id that was never
// allocated, or releasing the same id twice without an intervening
// Alloc, corrupts the invariant that no live id is also on the free
// list; callers must pair every Release with exactly one prior Alloc.
func (g *Gen) Release(id uint32) {
	g.free = append(g.free, id)
}

// Tracker is a tracking table: a plain map from a peer-assigned id to an
// in-process value.  Unlike Gen it never mints ids of its own.
type Tracker[V any] struct {
	m map[uint32]V
}

// Set records value under id, overwriting any previous entry.
func (t *Tracker[V]) Set(id uint32, value V) {
	if t.m == nil {
		t.m = make(map[uint32]V)
	}
	t.m[id] = value
}

// Find returns the value recorded under id, and whether one was found.
func (t *Tracker[V]) Find(id uint32) (V, bool) {
	v, ok := t.m[id]
	return v, ok
}

// FindExn returns the value recorded under id.  A missing key is a
// protocol error: the peer referred to an id we never assigned or have
// already released, which is fatal to the connection.
func (t *Tracker[V]) FindExn(id uint32) (V, error) {
	v, ok := t.m[id]
	if !ok {
		var zero V
		return zero, fmt.Errorf("id: unknown tracked id %d", id)
	}
	return v, nil
}

// Release removes id from the table.
func (t *Tracker[V]) Release(id uint32) {
	delete(t.m, id)
}

// Len reports the number of tracked entries, for diagnostics.
func (t *Tracker[V]) Len() int {
	return len(t.m)
}

// Each calls f for every tracked entry, in unspecified order.  f must
// not mutate the tracker.
func (t *Tracker[V]) Each(f func(id uint32, value V)) {
	for k, v := range t.m {
		f(k, v)
	}
}
