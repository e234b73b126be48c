package nkn

import (
	"crypto/rand"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	zeroTime time.Time
)

// OnErrorFunc is a wrapper type for gomobile compatibility.
type OnErrorFunc interface{ OnError(error) }

// OnError is a wrapper type for gomobile compatibility.
type OnError struct {
	C        chan error
	Callback OnErrorFunc
}

// NewOnError creates an OnError channel with a channel size and callback
// function.
func NewOnError(size int, cb OnErrorFunc) *OnError {
	return &OnError{
		C:        make(chan error, size),
		Callback: cb,
	}
}

// Next waits and returns the next element from the channel.
func (c *OnError) Next() error {
	return <-c.C
}

func (c *OnError) receive(err error) {
	if c == nil {
		return
	}
	if c.Callback != nil {
		c.Callback.OnError(err)
	} else {
		select {
		case c.C <- err:
		default:
			log.Debugf("OnError channel full, discarding error: %v", err)
		}
	}
}

// OnSessionFunc is a wrapper type for gomobile compatibility.
type OnSessionFunc interface{ OnSession(*Session) }

// OnSession is a wrapper type for gomobile compatibility. It is notified when
// a registry accepts a session opened by a remote peer.
type OnSession struct {
	C        chan *Session
	Callback OnSessionFunc
}

// NewOnSession creates an OnSession channel with a channel size and callback
// function.
func NewOnSession(size int, cb OnSessionFunc) *OnSession {
	return &OnSession{
		C:        make(chan *Session, size),
		Callback: cb,
	}
}

// Next waits and returns the next element from the channel.
func (c *OnSession) Next() *Session {
	return <-c.C
}

func (c *OnSession) receive(session *Session) bool {
	if c.Callback != nil {
		c.Callback.OnSession(session)
		return true
	}
	select {
	case c.C <- session:
		return true
	default:
		return false
	}
}

// ClientAddr represents NKN client address. It implements net.Addr interface.
type ClientAddr struct {
	addr string
}

// NewClientAddr creates a ClientAddr from a client address string.
func NewClientAddr(addr string) *ClientAddr {
	return &ClientAddr{addr: addr}
}

// Network returns "nkn"
func (addr ClientAddr) Network() string { return "nkn" }

// String returns the NKN client address string.
func (addr ClientAddr) String() string { return addr.addr }

// RandomBytes return cryptographically secure random bytes with given size.
func RandomBytes(numBytes int) ([]byte, error) {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func sessionKey(remoteAddr string, sessionID []byte) string {
	return remoteAddr + string(sessionID)
}
