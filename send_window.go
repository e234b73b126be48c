package nkn

import (
	"container/heap"
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var maxWait = time.Second

type sendEntry struct {
	fragment  *Fragment
	sentAt    time.Time
	retries   int
	channelID string // empty while the fragment is not carried by any channel
	acked     bool
	deadline  time.Time
	index     int
}

// SendWindow buffers sent but unacknowledged fragments of a session, assigns
// sequence numbers and drives retransmission. Write is not safe for
// concurrent use; other methods are.
type SendWindow struct {
	sessionID []byte
	config    *SessionConfig
	pool      *ChannelPool
	metrics   *sessionMetrics
	log       *log.Entry
	update    chan struct{}

	sync.Mutex
	isClosed         bool
	nextSeq          uint64
	lowestPending    uint64 // nextSeq while no fragment is outstanding
	entries          map[uint64]*sendEntry
	deadlines        deadlineHeap
	outstandingBytes int
}

// NewSendWindow creates a send window that dispatches fragments through pool.
func NewSendWindow(sessionID []byte, config *SessionConfig, pool *ChannelPool, metrics *sessionMetrics, logger *log.Entry) *SendWindow {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if metrics == nil {
		metrics = noopSessionMetrics()
	}
	w := &SendWindow{
		sessionID:     sessionID,
		config:        config,
		pool:          pool,
		metrics:       metrics,
		log:           logger,
		update:        make(chan struct{}, 1),
		nextSeq:       MinSequenceID,
		lowestPending: MinSequenceID,
		entries:       make(map[uint64]*sendEntry),
	}
	heap.Init(&w.deadlines)
	return w
}

// Len returns the number of outstanding fragments.
func (w *SendWindow) Len() int {
	w.Lock()
	defer w.Unlock()
	return len(w.entries)
}

// OutstandingBytes returns the payload size of outstanding fragments.
func (w *SendWindow) OutstandingBytes() int {
	w.Lock()
	defer w.Unlock()
	return w.outstandingBytes
}

// NextSequence returns the sequence number the next fragment will get.
func (w *SendWindow) NextSequence() uint64 {
	w.Lock()
	defer w.Unlock()
	return w.nextSeq
}

// Pending returns sequence numbers of outstanding fragments.
func (w *SendWindow) Pending() []uint64 {
	w.Lock()
	defer w.Unlock()
	seqs := make([]uint64, 0, len(w.entries))
	for seq := range w.entries {
		seqs = append(seqs, seq)
	}
	return seqs
}

// Updated returns a channel that receives a value when outstanding capacity
// is freed.
func (w *SendWindow) Updated() <-chan struct{} {
	return w.update
}

func (w *SendWindow) notify() {
	select {
	case w.update <- struct{}{}:
	default:
	}
}

func (w *SendWindow) hasCapacity(n int) bool {
	if len(w.entries) >= int(w.config.MaxOutstandingFragments) {
		return false
	}
	// receiver holds at most MaxReorderGap fragments behind a missing one
	if w.config.MaxReorderGap > 0 && w.nextSeq-w.lowestPending >= uint64(w.config.MaxReorderGap) {
		return false
	}
	return w.outstandingBytes == 0 || w.outstandingBytes+n <= int(w.config.MaxOutstandingBytes)
}

func (w *SendWindow) waitForCapacity(ctx context.Context, n int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		w.Lock()
		isClosed, ok := w.isClosed, w.hasCapacity(n)
		w.Unlock()
		if isClosed {
			return ErrSessionClosed
		}
		if ok {
			return nil
		}

		select {
		case <-w.update:
		case <-time.After(maxWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Write splits payload into fragments, assigns sequence numbers and
// dispatches each fragment to a channel. It blocks while outstanding
// fragments or bytes reach the configured cap. It returns once every fragment
// is dispatched, not acknowledged. Payload is copied.
func (w *SendWindow) Write(ctx context.Context, payload []byte) (int, error) {
	slices, err := SplitPayload(payload, int(w.config.MaxFragmentSize))
	if err != nil {
		return 0, err
	}

	bytesSent := 0
	for _, data := range slices {
		err = w.waitForCapacity(ctx, len(data))
		if err != nil {
			return bytesSent, err
		}

		ch, err := w.pool.Select()
		if err != nil {
			return bytesSent, err
		}

		now := time.Now()
		w.Lock()
		if w.isClosed {
			w.Unlock()
			w.pool.Settle(ch.ID())
			return bytesSent, ErrSessionClosed
		}
		e := &sendEntry{
			fragment: &Fragment{
				SessionID: w.sessionID,
				Sequence:  w.nextSeq,
				Flags:     FlagData,
				Payload:   append([]byte(nil), data...),
			},
			sentAt:    now,
			channelID: ch.ID(),
			deadline:  now.Add(w.pool.RetransmissionTimeout(ch.ID(), 0)),
		}
		w.nextSeq++
		w.entries[e.fragment.Sequence] = e
		heap.Push(&w.deadlines, e)
		w.outstandingBytes += len(data)
		w.Unlock()

		w.dispatch(ctx, ch, e.fragment)
		bytesSent += len(data)
	}

	return bytesSent, nil
}

func (w *SendWindow) dispatch(ctx context.Context, ch Channel, f *Fragment) {
	ctx, cancel := context.WithTimeout(ctx, w.pool.RetransmissionTimeout(ch.ID(), 0))
	defer cancel()

	w.metrics.fragmentSent(len(f.Payload))

	err := ch.Send(ctx, f)
	if err == nil {
		return
	}

	// failure is charged to the channel when the expired entry is checked
	w.log.WithField("channel", ch.ID()).Debugf("Send fragment %d error: %v", f.Sequence, err)
	w.expire(f.Sequence, ch.ID())
}

// expire makes a fragment due for retransmission now if it is still carried
// by channelID.
func (w *SendWindow) expire(seq uint64, channelID string) {
	w.Lock()
	defer w.Unlock()
	e, ok := w.entries[seq]
	if !ok || e.channelID != channelID || e.index < 0 {
		return
	}
	e.deadline = time.Now()
	heap.Fix(&w.deadlines, e.index)
}

// Requeue makes every outstanding fragment carried by a channel due for
// retransmission now. It is called when a channel dies or leaves the pool.
func (w *SendWindow) Requeue(channelID string) int {
	w.Lock()
	defer w.Unlock()
	now := time.Now()
	n := 0
	for _, e := range w.entries {
		if e.channelID != channelID || e.index < 0 {
			continue
		}
		e.deadline = now
		heap.Fix(&w.deadlines, e.index)
		n++
	}
	if n > 0 {
		w.log.WithField("channel", channelID).Debugf("Requeue %d fragments", n)
	}
	return n
}

// OnAck removes the entry with the given sequence number. channelID is the
// channel the ack arrived on, which is reported alive to the pool. The RTT
// sample is only taken from fragments that were never retransmitted. It
// returns false if no such entry is outstanding.
func (w *SendWindow) OnAck(seq uint64, channelID string) bool {
	w.Lock()
	e, ok := w.entries[seq]
	if !ok {
		w.Unlock()
		return false
	}
	e.acked = true
	delete(w.entries, seq)
	if e.index >= 0 {
		heap.Remove(&w.deadlines, e.index)
	}
	w.outstandingBytes -= len(e.fragment.Payload)
	for w.lowestPending < w.nextSeq {
		if _, ok := w.entries[w.lowestPending]; ok {
			break
		}
		w.lowestPending++
	}
	carrier := e.channelID
	if carrier != "" {
		w.pool.Settle(carrier)
	}
	rtt := time.Since(e.sentAt)
	sample := e.retries == 0 && carrier != ""
	w.Unlock()

	w.notify()
	w.metrics.fragmentAcked()

	w.pool.OnSendResult(channelID, true)
	if sample {
		w.pool.OnAckObserved(carrier, rtt)
	}
	return true
}

// CheckTimeouts retransmits every fragment whose deadline is not after now,
// possibly through a different channel. It returns a FragmentError wrapping
// ErrDeliveryFailed if a fragment exhausted its retries.
func (w *SendWindow) CheckTimeouts(ctx context.Context, now time.Time) error {
	w.Lock()
	if w.isClosed {
		w.Unlock()
		return nil
	}
	var due []*sendEntry
	// one failure per channel per check
	timedOut := make(map[string]struct{})
	for w.deadlines.Len() > 0 && !w.deadlines[0].deadline.After(now) {
		e := heap.Pop(&w.deadlines).(*sendEntry)
		if e.retries >= int(w.config.MaxRetries) {
			heap.Push(&w.deadlines, e)
			for _, d := range due {
				heap.Push(&w.deadlines, d)
			}
			w.Unlock()
			var channelIDs []string
			if e.channelID != "" {
				channelIDs = append(channelIDs, e.channelID)
			}
			return newFragmentError(ErrDeliveryFailed, e.fragment.Sequence, channelIDs...)
		}
		if e.channelID != "" {
			w.pool.Settle(e.channelID)
			timedOut[e.channelID] = struct{}{}
			e.channelID = ""
		}
		due = append(due, e)
	}
	w.Unlock()

	for id := range timedOut {
		state, changed := w.pool.OnSendResult(id, false)
		if changed && state == ChannelDead {
			w.Requeue(id)
		}
	}

	for _, e := range due {
		ch, err := w.pool.Select()

		w.Lock()
		if e.acked || w.isClosed {
			w.Unlock()
			if err == nil {
				w.pool.Settle(ch.ID())
			}
			continue
		}
		if err != nil {
			// not a retry, nothing was sent
			e.deadline = now.Add(w.pool.RetransmissionTimeout("", e.retries))
			heap.Push(&w.deadlines, e)
			w.Unlock()
			continue
		}
		e.retries++
		e.channelID = ch.ID()
		e.sentAt = now
		e.deadline = now.Add(w.pool.RetransmissionTimeout(ch.ID(), e.retries))
		heap.Push(&w.deadlines, e)
		w.Unlock()

		w.metrics.fragmentRetransmitted()
		w.log.WithField("channel", ch.ID()).Tracef("Retransmit fragment %d, retry %d", e.fragment.Sequence, e.retries)
		w.dispatch(ctx, ch, e.fragment)
	}

	return nil
}

// Teardown discards every outstanding fragment and releases blocked writers.
// Write returns ErrSessionClosed afterwards.
func (w *SendWindow) Teardown() {
	w.Lock()
	w.isClosed = true
	for seq, e := range w.entries {
		if e.channelID != "" {
			w.pool.Settle(e.channelID)
		}
		delete(w.entries, seq)
	}
	w.deadlines = w.deadlines[:0]
	w.outstandingBytes = 0
	w.Unlock()
	w.notify()
}
