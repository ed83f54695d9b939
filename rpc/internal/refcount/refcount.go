// Package refcount wraps a single capability reference that a Conn
// owns for the lifetime of the connection (its configured main
// interface) and hands out independent references from it on demand,
// the way rpc.go's MainInterface option uses its own refcount
// package so that every Bootstrap answer gets its own reference
// without disturbing the one the Conn holds.
package refcount

import "github.com/captp-core/captp/capnp"

// Ref owns one reference to a capability and mints independent
// references from it.
type Ref struct {
	base capnp.Cap
}

// New takes ownership of cap_ (exactly one DecRef is due when Close
// runs) and returns a Ref that can mint further references to it.
func New(cap_ capnp.Cap) *Ref {
	return &Ref{base: cap_}
}

// Get returns a new independent reference to the wrapped capability.
func (r *Ref) Get() capnp.Cap {
	return r.base.IncRef()
}

// Close releases the reference New took ownership of.
func (r *Ref) Close() error {
	r.base.DecRef()
	return nil
}
