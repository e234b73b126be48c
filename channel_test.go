package nkn

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	id    string
	dead  atomic.Bool
	inbox chan *Fragment

	sync.Mutex
	sendErr error
	sent    []*Fragment
}

func newFakeChannel(id string) *fakeChannel {
	return &fakeChannel{id: id, inbox: make(chan *Fragment, 1024)}
}

func (c *fakeChannel) ID() string { return c.id }

func (c *fakeChannel) Send(ctx context.Context, f *Fragment) error {
	c.Lock()
	defer c.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeChannel) Recv(ctx context.Context) (*Fragment, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeChannel) Alive() bool { return !c.dead.Load() }

func (c *fakeChannel) setSendErr(err error) {
	c.Lock()
	defer c.Unlock()
	c.sendErr = err
}

func (c *fakeChannel) sentFragments() []*Fragment {
	c.Lock()
	defer c.Unlock()
	sent := make([]*Fragment, len(c.sent))
	copy(sent, c.sent)
	return sent
}

func (c *fakeChannel) sentSequences() []uint64 {
	var seqs []uint64
	for _, f := range c.sentFragments() {
		seqs = append(seqs, f.Sequence)
	}
	return seqs
}

func countSelections(t *testing.T, pool *ChannelPool, n int) map[string]int {
	counts := make(map[string]int)
	for i := 0; i < n; i++ {
		ch, err := pool.Select()
		require.Nil(t, err)
		counts[ch.ID()]++
		pool.Settle(ch.ID())
	}
	return counts
}

// go test -v -run=TestChannelDemotion
func TestChannelDemotion(t *testing.T) {
	pool := NewChannelPool(GetDefaultSessionConfig(), nil, newFakeChannel("a"))

	for i := 0; i < 2; i++ {
		state, changed := pool.OnSendResult("a", false)
		require.Equal(t, ChannelActive, state)
		require.False(t, changed)
	}

	state, changed := pool.OnSendResult("a", false)
	require.Equal(t, ChannelDegraded, state)
	require.True(t, changed)

	_, err := pool.Select()
	require.Nil(t, err)
	pool.Settle("a")

	state, changed = pool.OnSendResult("a", false)
	require.Equal(t, ChannelDead, state)
	require.True(t, changed)

	_, err = pool.Select()
	require.Equal(t, ErrNoChannelsAvailable, err)
	require.Len(t, pool.Usable(), 0)
}

// go test -v -run=TestChannelPromotion
func TestChannelPromotion(t *testing.T) {
	config := GetDefaultSessionConfig()
	pool := NewChannelPool(config, nil, newFakeChannel("a"))
	for i := 0; i < int(config.DegradeThreshold+config.DeadThreshold); i++ {
		pool.OnSendResult("a", false)
	}
	require.Equal(t, ChannelDead, pool.State("a"))

	state, changed := pool.OnSendResult("a", true)
	require.Equal(t, ChannelDegraded, state)
	require.True(t, changed)

	state, _ = pool.OnSendResult("a", true)
	require.Equal(t, ChannelActive, state)

	state, changed = pool.OnSendResult("a", true)
	require.Equal(t, ChannelActive, state)
	require.False(t, changed)
}

// go test -v -run=TestSuccessResetsFailures
func TestSuccessResetsFailures(t *testing.T) {
	pool := NewChannelPool(GetDefaultSessionConfig(), nil, newFakeChannel("a"))
	for i := 0; i < 10; i++ {
		pool.OnSendResult("a", false)
		pool.OnSendResult("a", false)
		pool.OnSendResult("a", true)
	}
	require.Equal(t, ChannelActive, pool.State("a"))
}

// go test -v -run=TestSelectNeverReturnsDeadChannel
func TestSelectNeverReturnsDeadChannel(t *testing.T) {
	config := GetDefaultSessionConfig()
	pool := NewChannelPool(config, nil, newFakeChannel("a"), newFakeChannel("b"), newFakeChannel("c"))
	for i := 0; i < int(config.DegradeThreshold+config.DeadThreshold); i++ {
		pool.OnSendResult("b", false)
	}

	counts := countSelections(t, pool, 100)
	require.Equal(t, 0, counts["b"])
	require.Equal(t, 50, counts["a"])
	require.Equal(t, 50, counts["c"])
}

// go test -v -run=TestSelectSkipsDownTransport
func TestSelectSkipsDownTransport(t *testing.T) {
	a, b := newFakeChannel("a"), newFakeChannel("b")
	pool := NewChannelPool(GetDefaultSessionConfig(), nil, a, b)
	a.dead.Store(true)

	counts := countSelections(t, pool, 10)
	require.Equal(t, 10, counts["b"])

	b.dead.Store(true)
	_, err := pool.Select()
	require.Equal(t, ErrNoChannelsAvailable, err)
}

// go test -v -run=TestSelectRoundRobin
func TestSelectRoundRobin(t *testing.T) {
	pool := NewChannelPool(GetDefaultSessionConfig(), nil, newFakeChannel("a"), newFakeChannel("b"), newFakeChannel("c"))
	counts := countSelections(t, pool, 300)
	require.Equal(t, 100, counts["a"])
	require.Equal(t, 100, counts["b"])
	require.Equal(t, 100, counts["c"])
}

// go test -v -run=TestSelectPrefersLowRTT
func TestSelectPrefersLowRTT(t *testing.T) {
	pool := NewChannelPool(GetDefaultSessionConfig(), nil, newFakeChannel("fast"), newFakeChannel("slow"))
	pool.OnAckObserved("fast", 50*time.Millisecond)
	pool.OnAckObserved("slow", 200*time.Millisecond)

	counts := countSelections(t, pool, 500)
	require.InDelta(t, 400, counts["fast"], 2)
	require.InDelta(t, 100, counts["slow"], 2)
}

// go test -v -run=TestSelectAvoidsDegraded
func TestSelectAvoidsDegraded(t *testing.T) {
	config := GetDefaultSessionConfig()
	pool := NewChannelPool(config, nil, newFakeChannel("a"), newFakeChannel("b"))
	for i := 0; i < int(config.DegradeThreshold); i++ {
		pool.OnSendResult("b", false)
	}
	require.Equal(t, ChannelDegraded, pool.State("b"))

	counts := countSelections(t, pool, 500)
	require.InDelta(t, 400, counts["a"], 2)
	require.InDelta(t, 100, counts["b"], 2)
}

// go test -v -run=TestSelectFor
func TestSelectFor(t *testing.T) {
	config := GetDefaultSessionConfig()
	pool := NewChannelPool(config, nil, newFakeChannel("a"), newFakeChannel("b"))

	ch, err := pool.SelectFor("b")
	require.Nil(t, err)
	require.Equal(t, "b", ch.ID())

	for i := 0; i < int(config.DegradeThreshold+config.DeadThreshold); i++ {
		pool.OnSendResult("b", false)
	}
	ch, err = pool.SelectFor("b")
	require.Nil(t, err)
	require.Equal(t, "a", ch.ID())

	for _, h := range pool.Handles() {
		require.Equal(t, 0, h.Outstanding)
	}
}

// go test -v -run=TestRTTEstimate
func TestRTTEstimate(t *testing.T) {
	config := GetDefaultSessionConfig()
	pool := NewChannelPool(config, nil, newFakeChannel("a"))
	require.Equal(t, msToDuration(config.InitialRTT), pool.RTT("a"))

	pool.OnAckObserved("a", 100*time.Millisecond)
	require.Equal(t, 100*time.Millisecond, pool.RTT("a"))

	pool.OnAckObserved("a", 200*time.Millisecond)
	require.InDelta(t, float64(120*time.Millisecond), float64(pool.RTT("a")), float64(time.Microsecond))
}

// go test -v -run=TestRetransmissionTimeout
func TestRetransmissionTimeout(t *testing.T) {
	config := GetDefaultSessionConfig()
	pool := NewChannelPool(config, nil, newFakeChannel("a"))

	require.Equal(t, 600*time.Millisecond, pool.RetransmissionTimeout("a", 0))
	require.Equal(t, 1200*time.Millisecond, pool.RetransmissionTimeout("a", 1))
	require.Equal(t, 2400*time.Millisecond, pool.RetransmissionTimeout("a", 2))
	require.Equal(t, msToDuration(config.MaxRetransmissionTimeout), pool.RetransmissionTimeout("a", 20))

	pool.OnAckObserved("a", 10*time.Millisecond)
	require.Equal(t, msToDuration(config.MinRetransmissionTimeout), pool.RetransmissionTimeout("a", 0))
}

// go test -v -run=TestRegisterKeepsStats
func TestRegisterKeepsStats(t *testing.T) {
	pool := NewChannelPool(GetDefaultSessionConfig(), nil, newFakeChannel("a"))
	pool.OnAckObserved("a", 50*time.Millisecond)
	for i := 0; i < 3; i++ {
		pool.OnSendResult("a", false)
	}

	replacement := newFakeChannel("a")
	pool.Register(replacement)
	require.Equal(t, 1, pool.Len())
	require.Equal(t, ChannelDegraded, pool.State("a"))
	require.Equal(t, 50*time.Millisecond, pool.RTT("a"))

	ch, ok := pool.Get("a")
	require.True(t, ok)
	require.True(t, ch == Channel(replacement))

	require.True(t, pool.Deregister("a"))
	require.False(t, pool.Deregister("a"))
	require.Equal(t, ChannelDead, pool.State("a"))
}
