// Package mem provides an in-process lossy relay link for tests and
// benchmarks. Each link has two ends implementing nkn.Channel. Fragments sent
// on one end are received on the other after a random delay, or dropped with
// a given probability.
package mem

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	nkn "github.com/jsmith/nknsdk"
)

// ErrLinkDown is returned when sending or receiving on a killed link.
var ErrLinkDown = errors.New("mem: link down")

// LinkConfig is the link configuration.
type LinkConfig struct {
	DropRate float64       // Probability that a fragment is silently dropped, in [0, 1].
	MaxDelay time.Duration // Fragments are delayed uniformly in [0, MaxDelay), which reorders them.
	Seed     int64         // Seed of the drop and delay random source. Zero uses current time.
	QueueLen int           // Receive queue length of each end. Fragments arriving at a full queue are dropped.
}

// DefaultLinkConfig is the default link config.
var DefaultLinkConfig = LinkConfig{
	DropRate: 0,
	MaxDelay: 0,
	Seed:     0,
	QueueLen: 1024,
}

// Stats is a snapshot of the counters of one link end.
type Stats struct {
	Sent      uint64
	Dropped   uint64
	Delivered uint64
}

// Link is a bidirectional lossy link between two ends.
type Link struct {
	id       string
	config   LinkConfig
	a, b     *End
	dropRate atomic.Uint64
	killOnce sync.Once
	killed   chan struct{}

	sync.Mutex
	rand *rand.Rand
}

// NewLink creates a link. Both ends share the link id as their channel id.
func NewLink(id string, config LinkConfig) *Link {
	if config.QueueLen <= 0 {
		config.QueueLen = DefaultLinkConfig.QueueLen
	}
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	l := &Link{
		id:     id,
		config: config,
		killed: make(chan struct{}),
		rand:   rand.New(rand.NewSource(seed)),
	}
	l.SetDropRate(config.DropRate)
	l.a = &End{link: l, inbox: make(chan *nkn.Fragment, config.QueueLen)}
	l.b = &End{link: l, inbox: make(chan *nkn.Fragment, config.QueueLen)}
	l.a.peer, l.b.peer = l.b, l.a
	return l
}

// A returns one end of the link.
func (l *Link) A() *End { return l.a }

// B returns the other end of the link.
func (l *Link) B() *End { return l.b }

// ID returns the link id.
func (l *Link) ID() string { return l.id }

// SetDropRate changes the drop probability of both directions.
func (l *Link) SetDropRate(rate float64) {
	l.dropRate.Store(math.Float64bits(rate))
}

// DropRate returns the drop probability of both directions.
func (l *Link) DropRate() float64 {
	return math.Float64frombits(l.dropRate.Load())
}

// Kill takes the link down. Send and Recv on both ends return ErrLinkDown and
// Alive returns false afterwards.
func (l *Link) Kill() {
	l.killOnce.Do(func() {
		close(l.killed)
	})
}

// IsKilled returns whether the link is down.
func (l *Link) IsKilled() bool {
	select {
	case <-l.killed:
		return true
	default:
		return false
	}
}

func (l *Link) roll() (drop bool, delay time.Duration) {
	l.Lock()
	defer l.Unlock()
	drop = l.rand.Float64() < l.DropRate()
	if l.config.MaxDelay > 0 {
		delay = time.Duration(l.rand.Int63n(int64(l.config.MaxDelay)))
	}
	return drop, delay
}

// End is one end of a link. It implements nkn.Channel.
type End struct {
	link  *Link
	peer  *End
	inbox chan *nkn.Fragment

	sent      atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
}

// ID returns the link id.
func (e *End) ID() string {
	return e.link.id
}

// Send sends a copy of a fragment to the other end. A dropped fragment is
// not reported as an error.
func (e *End) Send(ctx context.Context, f *nkn.Fragment) error {
	if e.link.IsKilled() {
		return ErrLinkDown
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.sent.Add(1)

	drop, delay := e.link.roll()
	if drop {
		e.dropped.Add(1)
		return nil
	}

	f = &nkn.Fragment{
		SessionID: append([]byte(nil), f.SessionID...),
		Sequence:  f.Sequence,
		Flags:     f.Flags,
		Payload:   append([]byte(nil), f.Payload...),
	}

	if delay == 0 {
		e.peer.enqueue(e, f)
	} else {
		time.AfterFunc(delay, func() {
			e.peer.enqueue(e, f)
		})
	}

	return nil
}

func (e *End) enqueue(from *End, f *nkn.Fragment) {
	if e.link.IsKilled() {
		from.dropped.Add(1)
		return
	}
	select {
	case e.inbox <- f:
		from.delivered.Add(1)
	default:
		from.dropped.Add(1)
	}
}

// Recv waits for and returns the next fragment from the other end.
func (e *End) Recv(ctx context.Context) (*nkn.Fragment, error) {
	select {
	case f := <-e.inbox:
		return f, nil
	case <-e.link.killed:
		return nil, ErrLinkDown
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Alive returns false once the link is killed.
func (e *End) Alive() bool {
	return !e.link.IsKilled()
}

// Stats returns counters of fragments sent from this end.
func (e *End) Stats() Stats {
	return Stats{
		Sent:      e.sent.Load(),
		Dropped:   e.dropped.Load(),
		Delivered: e.delivered.Load(),
	}
}
