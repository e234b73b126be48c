package nkn

import (
	"sort"
)

const (
	// MinSequenceID is the sequence number of the first data fragment of a
	// session in each direction.
	MinSequenceID = 1
	// SessionIDSize is the size of session id generated by registry in bytes.
	SessionIDSize = 8
)

// FragmentFlag marks what a fragment carries.
type FragmentFlag uint32

const (
	FlagData FragmentFlag = 1 << iota
	FlagAck
	FlagClose
)

// Has returns whether all bits of flag are set.
func (f FragmentFlag) Has(flag FragmentFlag) bool {
	return f&flag == flag
}

func (f FragmentFlag) String() string {
	switch {
	case f.Has(FlagData):
		return "data"
	case f.Has(FlagAck):
		return "ack"
	case f.Has(FlagClose):
		return "close"
	default:
		return "unknown"
	}
}

// Fragment is the unit of delivery and acknowledgment of a session. A data
// fragment carries a slice of the application stream; an ack fragment carries
// the acknowledged sequence number; a close fragment carries the sender's next
// unused sequence number. Fragments should not be modified after being sent.
type Fragment struct {
	SessionID []byte
	Sequence  uint64
	Flags     FragmentFlag
	Payload   []byte
}

// IsData returns whether fragment carries stream data.
func (f *Fragment) IsData() bool { return f.Flags.Has(FlagData) }

// IsAck returns whether fragment is an acknowledgment.
func (f *Fragment) IsAck() bool { return f.Flags.Has(FlagAck) }

// IsClose returns whether fragment signals end of the stream.
func (f *Fragment) IsClose() bool { return f.Flags.Has(FlagClose) }

func newAckFragment(sessionID []byte, seq uint64) *Fragment {
	return &Fragment{SessionID: sessionID, Sequence: seq, Flags: FlagAck}
}

// SplitPayload splits payload into slices no larger than maxFragmentSize. The
// last slice may be shorter. Returned slices share memory with payload.
func SplitPayload(payload []byte, maxFragmentSize int) ([][]byte, error) {
	if maxFragmentSize < 1 {
		return nil, ErrInvalidFragmentSize
	}
	if len(payload) == 0 {
		return nil, nil
	}
	n := (len(payload) + maxFragmentSize - 1) / maxFragmentSize
	slices := make([][]byte, 0, n)
	for len(payload) > 0 {
		end := maxFragmentSize
		if end > len(payload) {
			end = len(payload)
		}
		slices = append(slices, payload[:end:end])
		payload = payload[end:]
	}
	return slices, nil
}

// JoinFragments concatenates data fragment payloads in ascending sequence
// order. It returns ErrIncompleteStream if sequence numbers are not contiguous.
func JoinFragments(fragments []*Fragment) ([]byte, error) {
	if len(fragments) == 0 {
		return nil, nil
	}

	sorted := make([]*Fragment, len(fragments))
	copy(sorted, fragments)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Sequence < sorted[j].Sequence
	})

	size := 0
	for i, f := range sorted {
		if i > 0 && f.Sequence != sorted[i-1].Sequence+1 {
			return nil, newFragmentError(ErrIncompleteStream, sorted[i-1].Sequence+1)
		}
		size += len(f.Payload)
	}

	payload := make([]byte, 0, size)
	for _, f := range sorted {
		payload = append(payload, f.Payload...)
	}
	return payload, nil
}
