package nkn

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// go test -v -run=TestMarshalFragment
func TestMarshalFragment(t *testing.T) {
	fragments := []*Fragment{
		{SessionID: []byte("12345678"), Sequence: 1, Flags: FlagData, Payload: []byte("hello")},
		{SessionID: []byte("12345678"), Sequence: 1 << 40, Flags: FlagData, Payload: make([]byte, 1024)},
		{SessionID: []byte("12345678"), Sequence: 7, Flags: FlagAck},
		{SessionID: []byte("x"), Sequence: 11, Flags: FlagClose},
	}
	for _, f := range fragments {
		decoded, err := UnmarshalFragment(MarshalFragment(f))
		require.Nil(t, err)
		require.Equal(t, f.SessionID, decoded.SessionID)
		require.Equal(t, f.Sequence, decoded.Sequence)
		require.Equal(t, f.Flags, decoded.Flags)
		require.Equal(t, len(f.Payload), len(decoded.Payload))
		if len(f.Payload) > 0 {
			require.Equal(t, f.Payload, decoded.Payload)
		}
	}
}

// go test -v -run=TestUnmarshalCopiesBuffer
func TestUnmarshalCopiesBuffer(t *testing.T) {
	buf := MarshalFragment(&Fragment{SessionID: []byte("s"), Sequence: 1, Flags: FlagData, Payload: []byte("abc")})
	f, err := UnmarshalFragment(buf)
	require.Nil(t, err)
	for i := range buf {
		buf[i] = 0
	}
	require.Equal(t, []byte("abc"), f.Payload)
	require.Equal(t, []byte("s"), f.SessionID)
}

// go test -v -run=TestUnmarshalSkipsUnknownFields
func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	buf := MarshalFragment(&Fragment{SessionID: []byte("s"), Sequence: 3, Flags: FlagAck})
	buf = protowire.AppendTag(buf, 15, protowire.BytesType)
	buf = protowire.AppendBytes(buf, []byte("future"))
	buf = protowire.AppendTag(buf, 16, protowire.VarintType)
	buf = protowire.AppendVarint(buf, 42)

	f, err := UnmarshalFragment(buf)
	require.Nil(t, err)
	require.Equal(t, uint64(3), f.Sequence)
	require.True(t, f.IsAck())
}

// go test -v -run=TestUnmarshalInvalid
func TestUnmarshalInvalid(t *testing.T) {
	_, err := UnmarshalFragment(nil)
	require.Equal(t, ErrInvalidFragment, err)

	_, err = UnmarshalFragment(MarshalFragment(&Fragment{SessionID: []byte("s"), Sequence: 1}))
	require.Equal(t, ErrInvalidFragment, err)

	buf := MarshalFragment(&Fragment{SessionID: []byte("s"), Sequence: 1, Flags: FlagData, Payload: []byte("abc")})
	_, err = UnmarshalFragment(buf[:len(buf)-1])
	require.NotNil(t, err)
}
