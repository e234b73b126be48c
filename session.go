package nkn

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// SessionState is the lifecycle state of a session.
type SessionState int32

const (
	SessionOpening SessionState = iota
	SessionEstablished
	SessionClosing
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionOpening:
		return "opening"
	case SessionEstablished:
		return "established"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is a reliable ordered byte stream to a remote peer carried by a
// set of unreliable relay channels. It implements net.Conn interface.
type Session struct {
	OnError *OnError

	config      *SessionConfig
	id          []byte
	localAddr   *ClientAddr
	remoteAddr  *ClientAddr
	pool        *ChannelPool
	window      *SendWindow
	reassembler *Reassembler
	metrics     *sessionMetrics
	log         *log.Entry
	onClosed    func(*Session)

	ctx            context.Context
	cancel         context.CancelFunc
	readIOContext  context.Context
	readIOCancel   context.CancelFunc
	writeIOContext context.Context
	writeIOCancel  context.CancelFunc
	readContext    context.Context
	readCancel     context.CancelFunc
	writeContext   context.Context
	writeCancel    context.CancelFunc
	readLock       sync.Mutex
	writeLock      sync.Mutex
	deadlineLock   sync.Mutex
	closeOnce      sync.Once
	teardownOnce   sync.Once
	done           chan struct{}

	sync.RWMutex
	state             SessionState
	err               error
	closeRequested    bool
	localClosing      bool
	peerClosed        bool
	peerCloseSeq      uint64
	peerClosedAt      time.Time
	lastReceived      time.Time
	incompleteReports int
}

// NewSession creates an established session with a given session id over a
// set of channels. Inbound fragments of the session should be passed to
// HandleFragment. Usually sessions are created by a Registry instead.
func NewSession(id []byte, localAddr, remoteAddr string, channels []Channel, config *SessionConfig) (*Session, error) {
	return newSession(id, localAddr, remoteAddr, channels, config, nil, nil)
}

func newSession(id []byte, localAddr, remoteAddr string, channels []Channel, config *SessionConfig, metrics *sessionMetrics, onClosed func(*Session)) (*Session, error) {
	config, err := MergeSessionConfig(config)
	if err != nil {
		return nil, err
	}
	if config.MaxFragmentSize < 1 {
		return nil, ErrInvalidFragmentSize
	}
	if len(id) == 0 {
		return nil, ErrInvalidFragment
	}
	if metrics == nil {
		metrics = noopSessionMetrics()
	}

	logger := log.WithFields(log.Fields{
		"session_id": hex.EncodeToString(id),
		"remote":     remoteAddr,
	})

	pool := NewChannelPool(config, logger, channels...)

	session := &Session{
		OnError:      NewOnError(1, nil),
		config:       config,
		id:           id,
		localAddr:    NewClientAddr(localAddr),
		remoteAddr:   NewClientAddr(remoteAddr),
		pool:         pool,
		window:       NewSendWindow(id, config, pool, metrics, logger),
		reassembler:  NewReassembler(id, int(config.MaxReorderGap)),
		metrics:      metrics,
		log:          logger,
		onClosed:     onClosed,
		done:         make(chan struct{}),
		state:        SessionOpening,
		lastReceived: time.Now(),
	}

	session.ctx, session.cancel = context.WithCancel(context.Background())
	session.readIOContext, session.readIOCancel = context.WithCancel(session.ctx)
	session.writeIOContext, session.writeIOCancel = context.WithCancel(session.ctx)
	session.SetReadDeadline(zeroTime)
	session.SetWriteDeadline(zeroTime)

	session.state = SessionEstablished
	metrics.sessionOpened()
	go session.start()

	session.log.Debugf("Session established with %d channels", pool.Len())

	return session, nil
}

// ID returns the session id.
func (session *Session) ID() []byte {
	return session.id
}

// State returns the lifecycle state of the session.
func (session *Session) State() SessionState {
	session.RLock()
	defer session.RUnlock()
	return session.state
}

// IsEstablished returns whether the session is established and not closing.
func (session *Session) IsEstablished() bool {
	return session.State() == SessionEstablished
}

// IsClosed returns whether the session is closed.
func (session *Session) IsClosed() bool {
	return session.State() == SessionClosed
}

// Err returns the fatal error that closed the session, or nil if the session
// is open or closed normally.
func (session *Session) Err() error {
	session.RLock()
	defer session.RUnlock()
	return session.err
}

// Done returns a channel that is closed when the session is closed.
func (session *Session) Done() <-chan struct{} {
	return session.done
}

// SendWindowUsed returns the number of sent but unacknowledged fragments.
func (session *Session) SendWindowUsed() int {
	return session.window.Len()
}

// ReassemblyHeld returns the number of received fragments waiting for a
// missing predecessor.
func (session *Session) ReassemblyHeld() int {
	return session.reassembler.Held()
}

// Buffered returns the number of delivered but unread bytes.
func (session *Session) Buffered() int {
	return session.reassembler.Buffered()
}

// AddChannel adds a channel to the session, or replaces the transport of an
// existing channel with the same id.
func (session *Session) AddChannel(ch Channel) {
	if session.IsClosed() {
		return
	}
	session.pool.Register(ch)
}

// RemoveChannel removes a channel from the session. Fragments outstanding on
// that channel are retransmitted through the remaining ones.
func (session *Session) RemoveChannel(id string) bool {
	if !session.pool.Deregister(id) {
		return false
	}
	session.window.Requeue(id)
	return true
}

func (session *Session) removeChannel(ch Channel) bool {
	if !session.pool.DeregisterChannel(ch) {
		return false
	}
	session.window.Requeue(ch.ID())
	return true
}

// ChannelIDs returns ids of all channels of the session.
func (session *Session) ChannelIDs() *StringArray {
	return NewStringArray(session.pool.IDs()...)
}

// ChannelStates returns a snapshot of all channels of the session.
func (session *Session) ChannelStates() []ChannelHandle {
	return session.pool.Handles()
}

func (session *Session) closedErr() error {
	if err := session.Err(); err != nil {
		return err
	}
	return ErrSessionClosed
}

func (session *Session) ioError(err, deadlineErr error) error {
	switch {
	case err == nil:
		return nil
	case err == context.DeadlineExceeded:
		return deadlineErr
	case err == context.Canceled, err == ErrSessionClosed:
		return session.closedErr()
	}
	return err
}

func (session *Session) getReadContext() context.Context {
	session.deadlineLock.Lock()
	defer session.deadlineLock.Unlock()
	return session.readContext
}

func (session *Session) getWriteContext() context.Context {
	session.deadlineLock.Lock()
	defer session.deadlineLock.Unlock()
	return session.writeContext
}

// HandleFragment processes a fragment of this session received from the
// channel with the given id.
func (session *Session) HandleFragment(channelID string, f *Fragment) error {
	if !bytes.Equal(f.SessionID, session.id) {
		return ErrSessionIDMismatch
	}

	session.RLock()
	state, localClosing := session.state, session.localClosing
	peerClosed, peerCloseSeq := session.peerClosed, session.peerCloseSeq
	session.RUnlock()

	if state == SessionClosed {
		session.metrics.fragmentDropped()
		return ErrSessionClosed
	}

	switch {
	case f.IsAck():
		session.touch()
		session.window.OnAck(f.Sequence, channelID)
		return nil

	case f.IsClose():
		session.touch()
		session.handlePeerClose(f.Sequence)
		return nil

	case f.IsData():
		if localClosing {
			session.metrics.fragmentDropped()
			return ErrSessionClosed
		}
		if peerClosed && f.Sequence >= peerCloseSeq {
			session.metrics.fragmentDropped()
			return nil
		}

		ack, n, err := session.reassembler.Push(f)
		if err != nil {
			session.metrics.fragmentDropped()
			if errors.Is(err, ErrExcessiveReorderGap) {
				var fe *FragmentError
				if errors.As(err, &fe) {
					fe.ChannelIDs = append(fe.ChannelIDs, channelID)
				}
				session.fail(err)
			}
			return err
		}
		session.touch()

		if n > 0 {
			session.metrics.delivered(n)
			session.Lock()
			session.incompleteReports = 0
			session.Unlock()
		}

		session.sendAck(channelID, ack)

		if peerClosed && session.reassembler.Cursor() >= peerCloseSeq {
			session.teardown(false)
		}
		return nil
	}

	return ErrInvalidFragment
}

func (session *Session) touch() {
	session.Lock()
	session.lastReceived = time.Now()
	session.Unlock()
}

func (session *Session) sendAck(channelID string, ack *Fragment) {
	ch, err := session.pool.SelectFor(channelID)
	if err != nil {
		session.log.Debugf("Send ack %d error: %v", ack.Sequence, err)
		return
	}

	ctx, cancel := context.WithTimeout(session.ctx, session.pool.RetransmissionTimeout(ch.ID(), 0))
	defer cancel()

	err = ch.Send(ctx, ack)
	if err != nil {
		session.log.WithField("channel", ch.ID()).Debugf("Send ack %d error: %v", ack.Sequence, err)
	}
}

func (session *Session) handlePeerClose(seq uint64) {
	session.Lock()
	if session.peerClosed || session.state == SessionClosed {
		session.Unlock()
		return
	}
	session.peerClosed = true
	session.peerCloseSeq = seq
	session.peerClosedAt = time.Now()
	if session.state == SessionEstablished {
		session.state = SessionClosing
	}
	localClosing := session.localClosing
	session.Unlock()

	session.log.Debugf("Peer closed session at sequence %d", seq)

	if localClosing {
		return
	}

	// peer does not read anymore
	session.writeIOCancel()

	if session.reassembler.Cursor() >= seq {
		session.teardown(false)
	}
}

func (session *Session) requestClose() bool {
	session.Lock()
	defer session.Unlock()
	if session.closeRequested || session.state == SessionClosed {
		return false
	}
	session.closeRequested = true
	return true
}

func (session *Session) fail(err error) {
	session.Lock()
	if session.err != nil || session.state == SessionClosed {
		session.Unlock()
		return
	}
	session.err = err
	session.Unlock()

	session.log.Warnf("Session failed: %v", err)
	session.OnError.receive(err)

	if session.requestClose() {
		go session.Close()
	}
}

func (session *Session) start() {
	ticker := time.NewTicker(msToDuration(session.config.CheckTimeoutInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-session.ctx.Done():
			return
		}

		now := time.Now()

		err := session.window.CheckTimeouts(session.ctx, now)
		if err != nil {
			session.fail(err)
			continue
		}

		err = session.reassembler.CheckStall(now, msToDuration(session.config.IncompleteStreamGrace))
		if err != nil {
			session.handleIncompleteStream(err)
		}

		session.RLock()
		state := session.state
		localClosing := session.localClosing
		peerClosed := session.peerClosed
		peerClosedAt := session.peerClosedAt
		idle := now.Sub(session.lastReceived)
		session.RUnlock()

		if peerClosed && !localClosing && now.Sub(peerClosedAt) > msToDuration(session.config.CloseTimeout) {
			session.teardown(false)
			return
		}

		if state == SessionEstablished && session.config.IdleTimeout > 0 && idle > msToDuration(session.config.IdleTimeout) {
			if session.requestClose() {
				session.log.Infof("Session idle for %v, closing", idle)
				go session.Close()
			}
		}
	}
}

func (session *Session) handleIncompleteStream(err error) {
	session.Lock()
	session.incompleteReports++
	reports := session.incompleteReports
	session.Unlock()

	if reports < int(session.config.MaxIncompleteStreams) {
		session.log.Debugf("%v, report %d", err, reports)
		session.OnError.receive(err)
		return
	}

	fe := &FragmentError{Err: ErrDeliveryFailed}
	var ie *FragmentError
	if errors.As(err, &ie) {
		fe.Sequences = ie.Sequences
	}
	session.fail(fe)
}

// Read reads delivered bytes into b in order. It blocks until at least one
// byte is available, the read deadline is exceeded or the session is closed.
// Bytes delivered before the peer closed the session stay readable.
func (session *Session) Read(b []byte) (_ int, e error) {
	defer func() {
		e = session.ioError(e, ErrReadDeadlineExceeded)
	}()

	if len(b) == 0 {
		return 0, nil
	}

	session.readLock.Lock()
	defer session.readLock.Unlock()

	ctx := session.getReadContext()
	for {
		if n := session.reassembler.Read(b); n > 0 {
			return n, nil
		}

		if err := ctx.Err(); err != nil {
			return 0, err
		}

		select {
		case <-session.reassembler.Updated():
		case <-time.After(maxWait):
		case <-ctx.Done():
		}

		ctx = session.getReadContext()
	}
}

// Write writes b to the session. It blocks while the outstanding capacity is
// used up and returns once all bytes are sent, not when they are
// acknowledged.
func (session *Session) Write(b []byte) (_ int, e error) {
	defer func() {
		e = session.ioError(e, ErrWriteDeadlineExceeded)
	}()

	if session.State() != SessionEstablished {
		return 0, ErrSessionClosed
	}

	if len(b) == 0 {
		return 0, nil
	}

	session.writeLock.Lock()
	defer session.writeLock.Unlock()

	return session.window.Write(session.getWriteContext(), b)
}

// Close closes the session. It waits up to CloseTimeout for outstanding
// fragments to be acknowledged, signals the peer and releases all channels.
// Blocked Read and Write return ErrSessionClosed. Close is idempotent.
func (session *Session) Close() error {
	session.requestClose()
	session.closeOnce.Do(session.close)
	<-session.done
	return nil
}

func (session *Session) close() {
	session.Lock()
	if session.state == SessionClosed {
		session.Unlock()
		return
	}
	session.state = SessionClosing
	session.localClosing = true
	failed := session.err != nil
	peerClosed := session.peerClosed
	session.Unlock()

	session.readIOCancel()
	session.writeIOCancel()

	ctx, cancel := context.WithTimeout(session.ctx, msToDuration(session.config.CloseTimeout))
	defer cancel()

	if !failed && !peerClosed {
		session.linger(ctx)
	}

	if !peerClosed {
		err := session.sendClose(ctx)
		if err != nil {
			session.log.Debugf("Send close fragment error: %v", err)
		}
	}

	session.teardown(true)
}

func (session *Session) linger(ctx context.Context) {
	ticker := time.NewTicker(msToDuration(session.config.CheckTimeoutInterval))
	defer ticker.Stop()

	for session.window.Len() > 0 {
		session.RLock()
		peerClosed := session.peerClosed
		session.RUnlock()
		if peerClosed {
			return
		}

		select {
		case <-session.window.Updated():
		case <-ticker.C:
		case <-ctx.Done():
			session.log.Debugf("Close with %d fragments unacknowledged", session.window.Len())
			return
		}
	}
}

func (session *Session) sendClose(ctx context.Context) error {
	channels := session.pool.Usable()
	if len(channels) == 0 {
		return ErrNoChannelsAvailable
	}

	f := &Fragment{
		SessionID: session.id,
		Sequence:  session.window.NextSequence(),
		Flags:     FlagClose,
	}

	var wg sync.WaitGroup
	var lock sync.Mutex
	var errs *multierror.Error
	success := false
	for _, ch := range channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			err := ch.Send(ctx, f)
			lock.Lock()
			defer lock.Unlock()
			if err != nil {
				errs = multierror.Append(errs, err)
			} else {
				success = true
			}
		}(ch)
	}
	wg.Wait()

	if success {
		return nil
	}
	return errs.ErrorOrNil()
}

func (session *Session) teardown(discardDelivered bool) {
	session.teardownOnce.Do(func() {
		session.readIOCancel()
		session.writeIOCancel()
		session.cancel()

		session.window.Teardown()
		if discardDelivered {
			session.reassembler.Reset()
		} else {
			session.reassembler.DiscardHeld()
		}
		session.pool.Close()

		session.Lock()
		session.state = SessionClosed
		session.Unlock()

		session.metrics.sessionClosed()

		// registry forgets the session before Close returns
		if session.onClosed != nil {
			session.onClosed(session)
		}

		close(session.done)

		session.log.Debug("Session closed")
	})
}

// LocalAddr returns the local address.
func (session *Session) LocalAddr() net.Addr {
	return session.localAddr
}

// RemoteAddr returns the remote address.
func (session *Session) RemoteAddr() net.Addr {
	return session.remoteAddr
}

// SetDeadline sets both read and write deadline. A zero value for t means no
// deadline.
func (session *Session) SetDeadline(t time.Time) error {
	err := session.SetReadDeadline(t)
	if err != nil {
		return err
	}
	err = session.SetWriteDeadline(t)
	if err != nil {
		return err
	}
	return nil
}

// SetReadDeadline sets the read deadline. A zero value for t means Read will
// not time out.
func (session *Session) SetReadDeadline(t time.Time) error {
	session.deadlineLock.Lock()
	defer session.deadlineLock.Unlock()
	if session.readCancel != nil {
		session.readCancel()
	}
	if t == zeroTime {
		session.readContext, session.readCancel = context.WithCancel(session.readIOContext)
	} else {
		session.readContext, session.readCancel = context.WithDeadline(session.readIOContext, t)
	}
	return nil
}

// SetWriteDeadline sets the write deadline. A zero value for t means Write
// will not time out.
func (session *Session) SetWriteDeadline(t time.Time) error {
	session.deadlineLock.Lock()
	defer session.deadlineLock.Unlock()
	if session.writeCancel != nil {
		session.writeCancel()
	}
	if t == zeroTime {
		session.writeContext, session.writeCancel = context.WithCancel(session.writeIOContext)
	} else {
		session.writeContext, session.writeCancel = context.WithDeadline(session.writeIOContext, t)
	}
	return nil
}
