package wireshape

// Code below is written in the shape `msgp` would generate for
// ConnSnapshot (see the go:generate directive in snapshot.go); it is
// hand-maintained here since this module does not run `go generate`.

import "github.com/tinylib/msgp/msgp"

// MarshalMsg appends the MessagePack encoding of z to b.
func (z *ConnSnapshot) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 7)
	o = msgp.AppendString(o, "tags")
	o = msgp.AppendMapHeader(o, uint32(len(z.Tags)))
	for k, v := range z.Tags {
		o = msgp.AppendString(o, k)
		o = msgp.AppendString(o, v)
	}
	o = msgp.AppendString(o, "questions")
	o = msgp.AppendInt(o, z.Questions)
	o = msgp.AppendString(o, "answers")
	o = msgp.AppendInt(o, z.Answers)
	o = msgp.AppendString(o, "exports")
	o = msgp.AppendInt(o, z.Exports)
	o = msgp.AppendString(o, "imports")
	o = msgp.AppendInt(o, z.Imports)
	o = msgp.AppendString(o, "embargoes")
	o = msgp.AppendInt(o, z.Embargoes)
	o = msgp.AppendString(o, "closed")
	o = msgp.AppendBool(o, z.Closed)
	return o, nil
}

// UnmarshalMsg decodes a MessagePack-encoded ConnSnapshot from bts,
// returning any trailing bytes.
func (z *ConnSnapshot) UnmarshalMsg(bts []byte) ([]byte, error) {
	count, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, err
	}
	for i := uint32(0); i < count; i++ {
		var field string
		field, bts, err = msgp.ReadStringBytes(bts)
		if err != nil {
			return bts, err
		}
		switch field {
		case "tags":
			var n uint32
			n, bts, err = msgp.ReadMapHeaderBytes(bts)
			if err != nil {
				return bts, err
			}
			z.Tags = make(map[string]string, n)
			for j := uint32(0); j < n; j++ {
				var k, v string
				k, bts, err = msgp.ReadStringBytes(bts)
				if err != nil {
					return bts, err
				}
				v, bts, err = msgp.ReadStringBytes(bts)
				if err != nil {
					return bts, err
				}
				z.Tags[k] = v
			}
		case "questions":
			z.Questions, bts, err = msgp.ReadIntBytes(bts)
		case "answers":
			z.Answers, bts, err = msgp.ReadIntBytes(bts)
		case "exports":
			z.Exports, bts, err = msgp.ReadIntBytes(bts)
		case "imports":
			z.Imports, bts, err = msgp.ReadIntBytes(bts)
		case "embargoes":
			z.Embargoes, bts, err = msgp.ReadIntBytes(bts)
		case "closed":
			z.Closed, bts, err = msgp.ReadBoolBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return bts, err
		}
	}
	return bts, nil
}

// Msgsize returns an upper bound on the encoded size of z.
func (z *ConnSnapshot) Msgsize() (s int) {
	s = 1 + 5 + msgp.MapHeaderSize
	for k, v := range z.Tags {
		s += msgp.StringPrefixSize + len(k) + msgp.StringPrefixSize + len(v)
	}
	s += 10 + msgp.IntSize + 8 + msgp.IntSize + 8 + msgp.IntSize + 8 + msgp.IntSize + 10 + msgp.IntSize + 7 + msgp.BoolSize
	return
}
