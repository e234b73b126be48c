package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	nkn "github.com/jsmith/nknsdk"
	"github.com/stretchr/testify/require"
)

func newEchoServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Accept(w, r, "server", nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			f, err := conn.Recv(r.Context())
			if err != nil {
				return
			}
			if err = conn.Send(r.Context(), f); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// go test -v -run=TestConnRoundTrip
func TestConnRoundTrip(t *testing.T) {
	srv := newEchoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, wsURL(srv), "relay-1", &Config{PingInterval: 50})
	require.Nil(t, err)
	defer conn.Close()
	require.Equal(t, "relay-1", conn.ID())
	require.True(t, conn.Alive())

	for i := uint64(0); i < 10; i++ {
		err = conn.Send(ctx, &nkn.Fragment{
			SessionID: []byte{1, 2, 3, 4},
			Sequence:  i,
			Flags:     nkn.FlagData,
			Payload:   []byte("hello"),
		})
		require.Nil(t, err)
	}

	for i := uint64(0); i < 10; i++ {
		f, err := conn.Recv(ctx)
		require.Nil(t, err)
		require.Equal(t, i, f.Sequence)
		require.Equal(t, []byte{1, 2, 3, 4}, f.SessionID)
		require.True(t, f.IsData())
		require.Equal(t, "hello", string(f.Payload))
	}

	require.Nil(t, conn.Close())
	require.True(t, conn.IsClosed())
	require.False(t, conn.Alive())
	require.Equal(t, ErrClosed, conn.Send(ctx, &nkn.Fragment{Flags: nkn.FlagAck}))
}

// go test -v -run=TestConnRecvCanceled
func TestConnRecvCanceled(t *testing.T) {
	srv := newEchoServer(t)

	conn, err := Dial(context.Background(), wsURL(srv), "relay-1", nil)
	require.Nil(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = conn.Recv(ctx)
	require.Equal(t, context.DeadlineExceeded, err)
	require.False(t, conn.Alive())
}

// go test -v -run=TestDialError
func TestDialError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, url, "relay-1", &Config{DialRetries: 1})
	require.NotNil(t, err)
}

// go test -v -run=TestMergeConfig
func TestMergeConfig(t *testing.T) {
	conf, err := MergeConfig(&Config{WriteTimeout: 100})
	require.Nil(t, err)
	require.Equal(t, int32(100), conf.WriteTimeout)
	require.Equal(t, DefaultConfig.ReadLimit, conf.ReadLimit)
	require.Equal(t, DefaultConfig.DialRetries, conf.DialRetries)
}
