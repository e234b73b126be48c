package nkn

import (
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldSessionID protowire.Number = 1
	fieldSequence  protowire.Number = 2
	fieldFlags     protowire.Number = 3
	fieldPayload   protowire.Number = 4
)

// MarshalFragment encodes a fragment in protobuf wire format so it can be
// carried by a relay message.
func MarshalFragment(f *Fragment) []byte {
	size := protowire.SizeTag(fieldSessionID) + protowire.SizeBytes(len(f.SessionID)) +
		protowire.SizeTag(fieldSequence) + protowire.SizeVarint(f.Sequence) +
		protowire.SizeTag(fieldFlags) + protowire.SizeVarint(uint64(f.Flags)) +
		protowire.SizeTag(fieldPayload) + protowire.SizeBytes(len(f.Payload))

	b := make([]byte, 0, size)
	b = protowire.AppendTag(b, fieldSessionID, protowire.BytesType)
	b = protowire.AppendBytes(b, f.SessionID)
	b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, f.Sequence)
	b = protowire.AppendTag(b, fieldFlags, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Flags))
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	return b
}

// UnmarshalFragment decodes a fragment encoded by MarshalFragment. Unknown
// fields are skipped. Byte fields are copied out of buf.
func UnmarshalFragment(buf []byte) (*Fragment, error) {
	f := &Fragment{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		buf = buf[n:]

		switch {
		case num == fieldSessionID && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			f.SessionID = append([]byte(nil), v...)
			buf = buf[n:]
		case num == fieldSequence && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			f.Sequence = v
			buf = buf[n:]
		case num == fieldFlags && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			f.Flags = FragmentFlag(v)
			buf = buf[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			f.Payload = append([]byte(nil), v...)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			buf = buf[n:]
		}
	}

	if len(f.SessionID) == 0 || f.Flags == 0 {
		return nil, ErrInvalidFragment
	}
	return f, nil
}
