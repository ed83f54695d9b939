// Package capnp defines the capability abstraction shared by the CapTP
// protocol engine and the objects it wires together: the polymorphic
// Cap value, the Answer/Resolver pair for a (possibly unresolved) call
// result, and the Call and Result types that carry an already-decoded,
// opaque application payload.  The RPC frame types live in the rpc
// package; encoding them onto a byte stream is a host concern (see
// rpc.Transport) and is intentionally not done here.
package capnp
