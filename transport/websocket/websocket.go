// Package websocket carries session fragments over websocket connections,
// one binary message per fragment.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/imdario/mergo"
	nkn "github.com/jsmith/nknsdk"
	log "github.com/sirupsen/logrus"
)

// ErrClosed is returned when sending on a closed channel.
var ErrClosed = errors.New("websocket: channel closed")

// WsConn is the subset of websocket connection used by Conn.
type WsConn interface {
	SetReadLimit(int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) (err error)
	ReadMessage() (messageType int, data []byte, err error)
	SetPongHandler(func(string) error)
	Close() error
}

// Config is the websocket channel configuration. Durations are in
// millisecond.
type Config struct {
	WriteTimeout     int32 // Timeout of writing one fragment when ctx has no earlier deadline.
	ReadLimit        int64 // Max size of one websocket message in bytes.
	DialRetries      int32 // Max retries of Dial, with exponential backoff.
	HandshakeTimeout int32 // Websocket handshake timeout.
	PingInterval     int32 // Ping interval. Channel is reported not alive after 3 intervals without pong. Zero disables ping.
}

// DefaultConfig is the default websocket channel config.
var DefaultConfig = Config{
	WriteTimeout:     10000,
	ReadLimit:        1 << 20,
	DialRetries:      5,
	HandshakeTimeout: 5000,
	PingInterval:     0,
}

// GetDefaultConfig returns the default websocket channel config.
func GetDefaultConfig() *Config {
	conf := DefaultConfig
	return &conf
}

// MergeConfig merges a given config with the default config. Any non zero
// value fields will override the default config.
func MergeConfig(conf *Config) (*Config, error) {
	merged := GetDefaultConfig()
	if conf != nil {
		err := mergo.Merge(merged, conf, mergo.WithOverride)
		if err != nil {
			return nil, err
		}
	}
	return merged, nil
}

func msToDuration(ms int32) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Conn is a relay channel over a websocket connection. It implements
// nkn.Channel.
type Conn struct {
	id     string
	config *Config
	conn   WsConn
	log    *log.Entry
	done   chan struct{}

	writeLock sync.Mutex
	readLock  sync.Mutex
	closeOnce sync.Once
	isBroken  atomic.Bool
	lastPong  atomic.Int64
}

// NewConn creates a channel with a given id over an established websocket
// connection.
func NewConn(conn WsConn, id string, config *Config) (*Conn, error) {
	config, err := MergeConfig(config)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		id:     id,
		config: config,
		conn:   conn,
		log:    log.WithField("channel", id),
		done:   make(chan struct{}),
	}
	c.lastPong.Store(time.Now().UnixNano())

	conn.SetReadLimit(config.ReadLimit)
	conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	if config.PingInterval > 0 {
		go c.keepAlive()
	}

	return c, nil
}

// Dial connects to a websocket url and returns a channel with a given id.
// Failed attempts are retried with exponential backoff up to
// config.DialRetries times or until ctx is done.
func Dial(ctx context.Context, url, id string, config *Config) (*Conn, error) {
	config, err := MergeConfig(config)
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: msToDuration(config.HandshakeTimeout),
	}

	var conn *websocket.Conn
	operation := func() error {
		var err error
		conn, _, err = dialer.DialContext(ctx, url, nil)
		if err != nil {
			log.WithField("channel", id).Debugf("Dial %s error: %v", url, err)
			return err
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(config.DialRetries)), ctx)
	err = backoff.Retry(operation, b)
	if err != nil {
		return nil, err
	}

	return NewConn(conn, id, config)
}

// Accept upgrades an http request to websocket and returns a channel with a
// given id.
func Accept(w http.ResponseWriter, r *http.Request, id string, config *Config) (*Conn, error) {
	config, err := MergeConfig(config)
	if err != nil {
		return nil, err
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: msToDuration(config.HandshakeTimeout),
		CheckOrigin:      func(*http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	return NewConn(conn, id, config)
}

// ID returns the channel id.
func (c *Conn) ID() string {
	return c.id
}

// Send writes a fragment as one binary message.
func (c *Conn) Send(ctx context.Context, f *nkn.Fragment) error {
	if c.IsClosed() {
		return ErrClosed
	}

	buf := nkn.MarshalFragment(f)

	deadline := time.Now().Add(msToDuration(c.config.WriteTimeout))
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	err := c.conn.SetWriteDeadline(deadline)
	if err != nil {
		return err
	}

	err = c.conn.WriteMessage(websocket.BinaryMessage, buf)
	if err != nil {
		c.isBroken.Store(true)
		return err
	}

	return nil
}

// Recv reads the next fragment. Non binary messages are skipped. Canceling
// ctx interrupts a pending read, after which the connection can no longer be
// read from.
func (c *Conn) Recv(ctx context.Context) (*nkn.Fragment, error) {
	c.readLock.Lock()
	defer c.readLock.Unlock()

	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			c.isBroken.Store(true)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debugf("Read message error: %v", err)
			}
			return nil, err
		}

		if msgType != websocket.BinaryMessage {
			continue
		}

		f, err := nkn.UnmarshalFragment(data)
		if err != nil {
			c.log.Debugf("Unmarshal fragment error: %v", err)
			continue
		}

		return f, nil
	}
}

// Alive returns false if the connection is closed or broken, or no pong is
// received for 3 ping intervals.
func (c *Conn) Alive() bool {
	if c.IsClosed() || c.isBroken.Load() {
		return false
	}
	if c.config.PingInterval > 0 {
		lastPong := time.Unix(0, c.lastPong.Load())
		if time.Since(lastPong) > 3*msToDuration(c.config.PingInterval) {
			return false
		}
	}
	return true
}

func (c *Conn) keepAlive() {
	ticker := time.NewTicker(msToDuration(c.config.PingInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-c.done:
			return
		}

		c.writeLock.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(msToDuration(c.config.WriteTimeout)))
		err := c.conn.WriteMessage(websocket.PingMessage, nil)
		c.writeLock.Unlock()
		if err != nil {
			c.log.Debugf("Send ping error: %v", err)
		}
	}
}

// IsClosed returns whether the channel is closed.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close sends a close message and closes the underlying connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeLock.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeLock.Unlock()
		err = c.conn.Close()
	})
	return err
}
