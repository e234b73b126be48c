package nkn

import (
	"sync"
	"time"
)

// Reassembler buffers out of order data fragments of a session and delivers
// their payload to a read queue strictly in sequence order.
type Reassembler struct {
	sessionID []byte
	maxGap    uint64
	update    chan struct{}

	sync.Mutex
	next       uint64
	held       map[uint64][]byte
	lowestHeld uint64 // valid while held is not empty
	ready      [][]byte
	readyBytes int
	stallSince time.Time
}

// NewReassembler creates a reassembler expecting MinSequenceID first.
func NewReassembler(sessionID []byte, maxGap int) *Reassembler {
	return &Reassembler{
		sessionID: sessionID,
		maxGap:    uint64(maxGap),
		update:    make(chan struct{}, 1),
		next:      MinSequenceID,
		held:      make(map[uint64][]byte),
	}
}

// Push accepts a data fragment and returns the ack fragment that should be
// sent back, including for duplicates, and the number of bytes that became
// readable. A fragment is rejected with ErrExcessiveReorderGap and should not
// be acked if holding it would put the lowest held sequence more than maxGap
// ahead of the next expected one, or hold more than maxGap fragments.
func (r *Reassembler) Push(f *Fragment) (*Fragment, int, error) {
	if !f.IsData() || f.Sequence < MinSequenceID {
		return nil, 0, ErrInvalidFragment
	}

	ack := newAckFragment(r.sessionID, f.Sequence)

	r.Lock()
	if f.Sequence < r.next {
		r.Unlock()
		return ack, 0, nil
	}
	if _, ok := r.held[f.Sequence]; ok {
		r.Unlock()
		return ack, 0, nil
	}
	if f.Sequence > r.next {
		lowest := f.Sequence
		if len(r.held) > 0 && r.lowestHeld < lowest {
			lowest = r.lowestHeld
		}
		if lowest-r.next > r.maxGap || len(r.held) >= int(r.maxGap) {
			next := r.next
			r.Unlock()
			err := newFragmentError(ErrExcessiveReorderGap, f.Sequence)
			err.Sequences = append(err.Sequences, next)
			return nil, 0, err
		}
		r.lowestHeld = lowest
	}

	r.held[f.Sequence] = f.Payload
	delivered := 0
	for {
		payload, ok := r.held[r.next]
		if !ok {
			break
		}
		delete(r.held, r.next)
		if len(payload) > 0 {
			r.ready = append(r.ready, payload)
			r.readyBytes += len(payload)
			delivered += len(payload)
		}
		r.next++
	}
	if len(r.held) > 0 && r.lowestHeld < r.next {
		r.lowestHeld = r.findLowestHeld()
	}

	if len(r.held) == 0 {
		r.stallSince = time.Time{}
	} else if r.stallSince.IsZero() || delivered > 0 {
		r.stallSince = time.Now()
	}
	r.Unlock()

	if delivered > 0 {
		select {
		case r.update <- struct{}{}:
		default:
		}
	}

	return ack, delivered, nil
}

// caller should hold the lock
func (r *Reassembler) findLowestHeld() uint64 {
	var lowest uint64
	for seq := range r.held {
		if lowest == 0 || seq < lowest {
			lowest = seq
		}
	}
	return lowest
}

// Read copies delivered bytes into b in order and removes them from the
// queue. It does not block and returns 0 if nothing is readable.
func (r *Reassembler) Read(b []byte) int {
	r.Lock()
	defer r.Unlock()
	n := 0
	for n < len(b) && len(r.ready) > 0 {
		m := copy(b[n:], r.ready[0])
		if m == len(r.ready[0]) {
			r.ready[0] = nil
			r.ready = r.ready[1:]
		} else {
			r.ready[0] = r.ready[0][m:]
		}
		n += m
	}
	r.readyBytes -= n
	return n
}

// Updated returns a channel that receives a value when new bytes become
// readable.
func (r *Reassembler) Updated() <-chan struct{} {
	return r.update
}

// Cursor returns the next expected sequence number.
func (r *Reassembler) Cursor() uint64 {
	r.Lock()
	defer r.Unlock()
	return r.next
}

// Held returns the number of fragments waiting for a missing predecessor.
func (r *Reassembler) Held() int {
	r.Lock()
	defer r.Unlock()
	return len(r.held)
}

// Buffered returns the number of delivered but unread bytes.
func (r *Reassembler) Buffered() int {
	r.Lock()
	defer r.Unlock()
	return r.readyBytes
}

// CheckStall returns a FragmentError wrapping ErrIncompleteStream with the
// missing sequence number if held fragments have waited for it longer than
// grace. The stall timer restarts after each report.
func (r *Reassembler) CheckStall(now time.Time, grace time.Duration) error {
	r.Lock()
	defer r.Unlock()
	if len(r.held) == 0 || r.stallSince.IsZero() || now.Sub(r.stallSince) <= grace {
		return nil
	}
	r.stallSince = now
	return newFragmentError(ErrIncompleteStream, r.next)
}

// DiscardHeld drops fragments waiting for a missing predecessor but keeps
// delivered bytes readable.
func (r *Reassembler) DiscardHeld() {
	r.Lock()
	defer r.Unlock()
	r.held = make(map[uint64][]byte)
	r.lowestHeld = 0
	r.stallSince = time.Time{}
}

// Reset drops held fragments and delivered but unread bytes.
func (r *Reassembler) Reset() {
	r.Lock()
	defer r.Unlock()
	r.held = make(map[uint64][]byte)
	r.lowestHeld = 0
	r.ready = nil
	r.readyBytes = 0
	r.stallSince = time.Time{}
}
