package nkn

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Channel is one relay path to a remote peer. Relay transports implement it
// to carry fragments. Delivery is at-most-once and may drop or reorder
// fragments, but never corrupt them. Alive should not block.
type Channel interface {
	ID() string
	Send(ctx context.Context, f *Fragment) error
	Recv(ctx context.Context) (*Fragment, error)
	Alive() bool
}

// ChannelState is the liveness state of a channel as seen by a session.
type ChannelState int32

const (
	ChannelActive ChannelState = iota
	ChannelDegraded
	ChannelDead
)

func (s ChannelState) String() string {
	switch s {
	case ChannelActive:
		return "active"
	case ChannelDegraded:
		return "degraded"
	case ChannelDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ChannelHandle is a snapshot of a channel's state in a pool.
type ChannelHandle struct {
	ID          string
	State       ChannelState
	RTT         time.Duration
	Outstanding int
}

type pooledChannel struct {
	channel       Channel
	state         ChannelState
	rtt           time.Duration
	sampled       bool
	outstanding   int
	failures      int
	currentWeight float64
}

// ChannelPool tracks the relay channels of one session, their liveness and
// RTT estimate, and picks a channel for each outgoing fragment.
type ChannelPool struct {
	config *SessionConfig
	log    *log.Entry

	sync.RWMutex
	channels map[string]*pooledChannel
	order    []string
}

// NewChannelPool creates a channel pool with the given channels.
func NewChannelPool(config *SessionConfig, logger *log.Entry, channels ...Channel) *ChannelPool {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	pool := &ChannelPool{
		config:   config,
		log:      logger,
		channels: make(map[string]*pooledChannel, len(channels)),
	}
	for _, ch := range channels {
		pool.Register(ch)
	}
	return pool
}

// Register adds a channel to the pool. Registering a channel with an existing
// id replaces the underlying transport but keeps its liveness and RTT stats.
func (pool *ChannelPool) Register(ch Channel) {
	pool.Lock()
	defer pool.Unlock()
	if pc, ok := pool.channels[ch.ID()]; ok {
		pc.channel = ch
		return
	}
	pool.channels[ch.ID()] = &pooledChannel{
		channel: ch,
		state:   ChannelActive,
		rtt:     msToDuration(pool.config.InitialRTT),
	}
	pool.order = append(pool.order, ch.ID())
}

// Deregister removes a channel from the pool. It returns false if the channel
// is not in the pool.
func (pool *ChannelPool) Deregister(id string) bool {
	return pool.deregister(id, nil)
}

// DeregisterChannel removes ch from the pool unless its id was registered
// again with another transport since.
func (pool *ChannelPool) DeregisterChannel(ch Channel) bool {
	return pool.deregister(ch.ID(), ch)
}

func (pool *ChannelPool) deregister(id string, ch Channel) bool {
	pool.Lock()
	defer pool.Unlock()
	pc, ok := pool.channels[id]
	if !ok || (ch != nil && pc.channel != ch) {
		return false
	}
	delete(pool.channels, id)
	for i, chID := range pool.order {
		if chID == id {
			pool.order = append(pool.order[:i], pool.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the channel with the given id regardless of its state.
func (pool *ChannelPool) Get(id string) (Channel, bool) {
	pool.RLock()
	defer pool.RUnlock()
	if pc, ok := pool.channels[id]; ok {
		return pc.channel, true
	}
	return nil, false
}

// Len returns the number of channels in the pool, including dead ones.
func (pool *ChannelPool) Len() int {
	pool.RLock()
	defer pool.RUnlock()
	return len(pool.channels)
}

func (pool *ChannelPool) usable(pc *pooledChannel) bool {
	return pc.state != ChannelDead && pc.channel.Alive()
}

func (pool *ChannelPool) weight(pc *pooledChannel) float64 {
	rtt := pc.rtt
	if rtt < time.Millisecond {
		rtt = time.Millisecond
	}
	w := float64(time.Second) / float64(rtt)
	if pc.state == ChannelDegraded {
		w *= pool.config.DegradedWeight
	}
	return w
}

// smooth weighted round robin, caller should hold the lock
func (pool *ChannelPool) pick() *pooledChannel {
	var best *pooledChannel
	var total float64
	for _, id := range pool.order {
		pc := pool.channels[id]
		if !pool.usable(pc) {
			continue
		}
		w := pool.weight(pc)
		pc.currentWeight += w
		total += w
		if best == nil || pc.currentWeight > best.currentWeight ||
			(pc.currentWeight == best.currentWeight && pc.outstanding < best.outstanding) {
			best = pc
		}
	}
	if best != nil {
		best.currentWeight -= total
	}
	return best
}

// Select picks a channel for an outgoing data fragment, biased toward lower
// RTT and away from degraded channels. Ties are broken by least outstanding
// fragments. The chosen channel's outstanding count is incremented and should
// be released by Settle. It never returns a dead channel.
func (pool *ChannelPool) Select() (Channel, error) {
	pool.Lock()
	defer pool.Unlock()
	pc := pool.pick()
	if pc == nil {
		return nil, ErrNoChannelsAvailable
	}
	pc.outstanding++
	return pc.channel, nil
}

// SelectFor returns the channel with preferred id if it is usable, otherwise
// any usable channel. It is used for control fragments and does not change
// outstanding counts.
func (pool *ChannelPool) SelectFor(preferredID string) (Channel, error) {
	pool.Lock()
	defer pool.Unlock()
	if pc, ok := pool.channels[preferredID]; ok && pool.usable(pc) {
		return pc.channel, nil
	}
	pc := pool.pick()
	if pc == nil {
		return nil, ErrNoChannelsAvailable
	}
	return pc.channel, nil
}

// Usable returns all channels that are neither dead nor reported down by
// their transport.
func (pool *ChannelPool) Usable() []Channel {
	pool.RLock()
	defer pool.RUnlock()
	channels := make([]Channel, 0, len(pool.order))
	for _, id := range pool.order {
		if pc := pool.channels[id]; pool.usable(pc) {
			channels = append(channels, pc.channel)
		}
	}
	return channels
}

// Settle releases one outstanding fragment of a channel.
func (pool *ChannelPool) Settle(id string) {
	pool.Lock()
	defer pool.Unlock()
	if pc, ok := pool.channels[id]; ok && pc.outstanding > 0 {
		pc.outstanding--
	}
}

// OnSendResult updates channel liveness. Failures are send errors and ack
// timeouts; success is an observed ack, which promotes the channel one level.
// It returns the channel state after the update and whether it changed.
func (pool *ChannelPool) OnSendResult(id string, success bool) (ChannelState, bool) {
	pool.Lock()
	defer pool.Unlock()

	pc, ok := pool.channels[id]
	if !ok {
		return ChannelDead, false
	}

	prev := pc.state
	if success {
		pc.failures = 0
		if pc.state > ChannelActive {
			pc.state--
		}
	} else {
		pc.failures++
		switch pc.state {
		case ChannelActive:
			if pc.failures >= int(pool.config.DegradeThreshold) {
				pc.state = ChannelDegraded
				pc.failures = 0
			}
		case ChannelDegraded:
			if pc.failures >= int(pool.config.DeadThreshold) {
				pc.state = ChannelDead
				pc.failures = 0
			}
		}
	}

	if pc.state != prev {
		pool.log.WithField("channel", id).Infof("Channel %s -> %s", prev, pc.state)
		return pc.state, true
	}
	return pc.state, false
}

// OnAckObserved updates the channel's RTT estimate with a new sample.
func (pool *ChannelPool) OnAckObserved(id string, rtt time.Duration) {
	pool.Lock()
	defer pool.Unlock()
	pc, ok := pool.channels[id]
	if !ok {
		return
	}
	if !pc.sampled {
		pc.rtt = rtt
		pc.sampled = true
		return
	}
	alpha := pool.config.RTTSmoothing
	pc.rtt = time.Duration((1-alpha)*float64(pc.rtt) + alpha*float64(rtt))
}

// RTT returns the current RTT estimate of a channel.
func (pool *ChannelPool) RTT(id string) time.Duration {
	pool.RLock()
	defer pool.RUnlock()
	if pc, ok := pool.channels[id]; ok {
		return pc.rtt
	}
	return msToDuration(pool.config.InitialRTT)
}

// RetransmissionTimeout returns the retransmission timeout of a fragment sent
// through a channel after the given number of retries.
func (pool *ChannelPool) RetransmissionTimeout(id string, retries int) time.Duration {
	minRTO := msToDuration(pool.config.MinRetransmissionTimeout)
	maxRTO := msToDuration(pool.config.MaxRetransmissionTimeout)

	rto := 3 * pool.RTT(id)
	if rto < minRTO {
		rto = minRTO
	}
	for i := 0; i < retries && rto < maxRTO; i++ {
		rto = time.Duration(float64(rto) * pool.config.RetransmissionBackoff)
	}
	if rto > maxRTO {
		rto = maxRTO
	}
	return rto
}

// State returns the liveness state of a channel. Unknown channels are dead.
func (pool *ChannelPool) State(id string) ChannelState {
	pool.RLock()
	defer pool.RUnlock()
	if pc, ok := pool.channels[id]; ok {
		return pc.state
	}
	return ChannelDead
}

// IDs returns ids of all channels in registration order.
func (pool *ChannelPool) IDs() []string {
	pool.RLock()
	defer pool.RUnlock()
	ids := make([]string, len(pool.order))
	copy(ids, pool.order)
	return ids
}

// Handles returns a snapshot of all channels in registration order.
func (pool *ChannelPool) Handles() []ChannelHandle {
	pool.RLock()
	defer pool.RUnlock()
	handles := make([]ChannelHandle, 0, len(pool.order))
	for _, id := range pool.order {
		pc := pool.channels[id]
		handles = append(handles, ChannelHandle{
			ID:          id,
			State:       pc.state,
			RTT:         pc.rtt,
			Outstanding: pc.outstanding,
		})
	}
	return handles
}

// Close removes all channels from the pool.
func (pool *ChannelPool) Close() {
	pool.Lock()
	defer pool.Unlock()
	pool.channels = make(map[string]*pooledChannel)
	pool.order = nil
}
