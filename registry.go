package nkn

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Registry owns the relay channels to remote peers and the sessions carried
// by them. It demultiplexes inbound fragments by session id, and accepts
// sessions opened by remote peers.
type Registry struct {
	OnSession *OnSession

	config         *RegistryConfig
	localAddr      string
	metrics        *sessionMetrics
	closedSessions *cache.Cache
	log            *log.Entry
	ctx            context.Context
	cancel         context.CancelFunc

	sync.RWMutex
	isClosed   bool
	peers      map[string]map[string]Channel
	sessions   map[string]*Session
	peerUpdate chan struct{}
}

// NewRegistry creates a session registry. Sessions opened or accepted by the
// registry use config.SessionConfig.
func NewRegistry(localAddr string, config *RegistryConfig) (*Registry, error) {
	config, err := MergeRegistryConfig(config)
	if err != nil {
		return nil, err
	}

	config.SessionConfig, err = MergeSessionConfig(config.SessionConfig)
	if err != nil {
		return nil, err
	}

	metrics, err := newSessionMetrics(config.Meter)
	if err != nil {
		return nil, err
	}

	expiration := msToDuration(config.ClosedSessionExpiration)

	r := &Registry{
		OnSession:      NewOnSession(int(config.AcceptChanLen), nil),
		config:         config,
		localAddr:      localAddr,
		metrics:        metrics,
		closedSessions: cache.New(expiration, expiration),
		log:            log.WithField("local", localAddr),
		peers:          make(map[string]map[string]Channel),
		sessions:       make(map[string]*Session),
		peerUpdate:     make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	return r, nil
}

// IsClosed returns whether the registry is closed.
func (r *Registry) IsClosed() bool {
	r.RLock()
	defer r.RUnlock()
	return r.isClosed
}

// Serve adds a channel to a remote peer and reads fragments from it until ctx
// is done, the registry is closed or the channel fails. The channel is also
// added to every open session with that peer, and removed from them when
// Serve returns.
func (r *Registry) Serve(ctx context.Context, peer string, ch Channel) error {
	err := r.addChannel(peer, ch)
	if err != nil {
		return err
	}
	defer r.removeChannel(peer, ch.ID(), ch)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	logger := r.log.WithFields(log.Fields{"remote": peer, "channel": ch.ID()})

	for {
		f, err := ch.Recv(ctx)
		if err != nil {
			if r.IsClosed() {
				return ErrClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Debugf("Channel receive error: %v", err)
			return err
		}

		err = r.dispatch(peer, ch.ID(), f)
		if err != nil {
			logger.Tracef("Handle %s fragment %d error: %v", f.Flags, f.Sequence, err)
		}
	}
}

func (r *Registry) addChannel(peer string, ch Channel) error {
	r.Lock()
	if r.isClosed {
		r.Unlock()
		return ErrClosed
	}
	channels, ok := r.peers[peer]
	if !ok {
		channels = make(map[string]Channel)
		r.peers[peer] = channels
	}
	channels[ch.ID()] = ch
	sessions := r.peerSessions(peer)
	close(r.peerUpdate)
	r.peerUpdate = make(chan struct{})
	r.Unlock()

	for _, session := range sessions {
		session.AddChannel(ch)
	}

	r.log.WithFields(log.Fields{"remote": peer, "channel": ch.ID()}).Debug("Channel added")

	return nil
}

// RemoveChannel removes a channel to a remote peer from the registry and from
// every session with that peer.
func (r *Registry) RemoveChannel(peer, id string) {
	r.removeChannel(peer, id, nil)
}

// removeChannel removes the channel with id, or only ch if it is not nil and
// has not been replaced by another channel with the same id.
func (r *Registry) removeChannel(peer, id string, ch Channel) {
	r.Lock()
	channels := r.peers[peer]
	if current, ok := channels[id]; !ok || (ch != nil && current != ch) {
		r.Unlock()
		return
	}
	delete(channels, id)
	if len(channels) == 0 {
		delete(r.peers, peer)
	}
	sessions := r.peerSessions(peer)
	r.Unlock()

	for _, session := range sessions {
		if ch != nil {
			session.removeChannel(ch)
		} else {
			session.RemoveChannel(id)
		}
	}
}

// caller should hold the lock
func (r *Registry) peerSessions(peer string) []*Session {
	var sessions []*Session
	for _, session := range r.sessions {
		if session.remoteAddr.String() == peer {
			sessions = append(sessions, session)
		}
	}
	return sessions
}

// caller should hold the lock
func (r *Registry) peerChannels(peer string) []Channel {
	channels := make([]Channel, 0, len(r.peers[peer]))
	for _, ch := range r.peers[peer] {
		channels = append(channels, ch)
	}
	return channels
}

// PeerChannels returns the number of channels to a remote peer.
func (r *Registry) PeerChannels(peer string) int {
	r.RLock()
	defer r.RUnlock()
	return len(r.peers[peer])
}

func (r *Registry) dispatch(peer, channelID string, f *Fragment) error {
	key := sessionKey(peer, f.SessionID)
	if _, ok := r.closedSessions.Get(key); ok {
		r.metrics.fragmentDropped()
		return ErrSessionClosed
	}

	r.RLock()
	session, ok := r.sessions[key]
	isClosed := r.isClosed
	r.RUnlock()

	if !ok {
		if isClosed {
			return ErrClosed
		}
		if !f.IsData() {
			r.metrics.fragmentDropped()
			return ErrInvalidFragment
		}
		var err error
		session, err = r.accept(peer, f.SessionID)
		if err != nil {
			return err
		}
	}

	return session.HandleFragment(channelID, f)
}

func (r *Registry) accept(peer string, sessionID []byte) (*Session, error) {
	key := sessionKey(peer, sessionID)

	r.Lock()
	if r.isClosed {
		r.Unlock()
		return nil, ErrClosed
	}
	if session, ok := r.sessions[key]; ok {
		r.Unlock()
		return session, nil
	}
	session, err := newSession(append([]byte(nil), sessionID...), r.localAddr, peer, r.peerChannels(peer), r.config.SessionConfig, r.metrics, r.onSessionClosed)
	if err != nil {
		r.Unlock()
		return nil, err
	}
	r.sessions[key] = session
	r.Unlock()

	if !r.OnSession.receive(session) {
		r.log.WithField("remote", peer).Warnf("Accept session channel full, discarding session %s", hex.EncodeToString(sessionID))
		go session.Close()
		return session, nil
	}

	r.log.WithField("remote", peer).Debugf("Accepted session %s", hex.EncodeToString(sessionID))

	return session, nil
}

func (r *Registry) onSessionClosed(session *Session) {
	key := sessionKey(session.remoteAddr.String(), session.id)
	r.closedSessions.Set(key, struct{}{}, cache.DefaultExpiration)

	r.Lock()
	if s, ok := r.sessions[key]; ok && s == session {
		delete(r.sessions, key)
	}
	r.Unlock()
}

// Open opens a session with a random session id to a remote peer. It blocks
// until at least one channel to the peer is available or ctx is done.
func (r *Registry) Open(ctx context.Context, peer string) (*Session, error) {
	sessionID, err := RandomBytes(SessionIDSize)
	if err != nil {
		return nil, err
	}
	return r.OpenWithID(ctx, peer, sessionID)
}

// OpenWithID opens a session with a given session id negotiated out of band.
func (r *Registry) OpenWithID(ctx context.Context, peer string, sessionID []byte) (*Session, error) {
	key := sessionKey(peer, sessionID)
	if _, ok := r.closedSessions.Get(key); ok {
		return nil, ErrSessionClosed
	}

	for {
		r.Lock()
		if r.isClosed {
			r.Unlock()
			return nil, ErrClosed
		}
		if _, ok := r.sessions[key]; ok {
			r.Unlock()
			return nil, ErrSessionExists
		}
		if len(r.peers[peer]) > 0 {
			session, err := newSession(sessionID, r.localAddr, peer, r.peerChannels(peer), r.config.SessionConfig, r.metrics, r.onSessionClosed)
			if err != nil {
				r.Unlock()
				return nil, err
			}
			r.sessions[key] = session
			r.Unlock()
			return session, nil
		}
		peerUpdate := r.peerUpdate
		r.Unlock()

		select {
		case <-peerUpdate:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.ctx.Done():
			return nil, ErrClosed
		}
	}
}

// Accept waits for and returns the next session opened by a remote peer.
func (r *Registry) Accept(ctx context.Context) (*Session, error) {
	for {
		select {
		case session := <-r.OnSession.C:
			if session.IsClosed() {
				continue
			}
			return session, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.ctx.Done():
			return nil, ErrClosed
		}
	}
}

// AcceptWithTimeout wraps Accept with a timeout in millisecond.
func (r *Registry) AcceptWithTimeout(timeout int32) (*Session, error) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Millisecond)
		defer cancel()
	}
	return r.Accept(ctx)
}

// Session returns the open session with a remote peer and session id, or nil.
func (r *Registry) Session(peer string, sessionID []byte) *Session {
	r.RLock()
	defer r.RUnlock()
	return r.sessions[sessionKey(peer, sessionID)]
}

// Sessions returns all open sessions.
func (r *Registry) Sessions() []*Session {
	r.RLock()
	defer r.RUnlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// Close closes every session and stops all Serve loops. Open and Accept
// return ErrClosed afterwards.
func (r *Registry) Close() error {
	r.Lock()
	if r.isClosed {
		r.Unlock()
		return nil
	}
	r.isClosed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.Unlock()

	var lock sync.Mutex
	var errs *multierror.Error
	var g errgroup.Group
	for _, session := range sessions {
		session := session
		g.Go(func() error {
			err := session.Close()
			if err == nil {
				err = session.Err()
			}
			if err != nil {
				lock.Lock()
				errs = multierror.Append(errs, err)
				lock.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	r.cancel()

	return errs.ErrorOrNil()
}
