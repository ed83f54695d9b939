// Package wireshape gives a Conn's four-table state a serializable
// shape for diagnostics: dumping a connection's live questions,
// answers, exports, and imports to a log or a debug endpoint without
// exposing the live, lock-guarded types themselves. It is msgp-tagged
// and encoded with github.com/tinylib/msgp, mirroring the teacher's
// own use of that codec for its generated-code fast path -- here
// repurposed as the concrete wire format for this supplemental
// feature, since this module has no generated schema code of its own
// to exercise it otherwise.
package wireshape

//go:generate msgp

// ConnSnapshot is a point-in-time view of one Conn's table sizes and
// identifying tags, suitable for Conn.Snapshot().
type ConnSnapshot struct {
	Tags map[string]string `msg:"tags"`

	Questions int `msg:"questions"`
	Answers   int `msg:"answers"`
	Exports   int `msg:"exports"`
	Imports   int `msg:"imports"`
	Embargoes int `msg:"embargoes"`

	Closed bool `msg:"closed"`
}
