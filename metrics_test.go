package nkn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*sessionMetrics, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		provider.Shutdown(context.Background())
	})
	metrics, err := newSessionMetrics(provider.Meter(meterName))
	require.Nil(t, err)
	return metrics, reader
}

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	var rm metricdata.ResourceMetrics
	require.Nil(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				sums[m.Name] += dp.Value
			}
		}
	}
	return sums
}

// go test -v -run=TestWindowMetrics
func TestWindowMetrics(t *testing.T) {
	metrics, reader := newTestMetrics(t)

	config, err := MergeSessionConfig(&SessionConfig{MaxFragmentSize: 2})
	require.Nil(t, err)
	a := newFakeChannel("a")
	pool := NewChannelPool(config, nil, a)
	w := NewSendWindow([]byte("session1"), config, pool, metrics, nil)

	_, err = w.Write(context.Background(), []byte("abcde"))
	require.Nil(t, err)
	require.True(t, w.OnAck(1, "a"))
	require.True(t, w.OnAck(2, "a"))

	// fragment 3 is lost and retransmitted once
	require.Nil(t, w.CheckTimeouts(context.Background(), time.Now().Add(time.Hour)))
	require.True(t, w.OnAck(3, "a"))

	sums := collectSums(t, reader)
	require.Equal(t, int64(4), sums["session_fragments_sent"])
	require.Equal(t, int64(6), sums["session_bytes_sent"])
	require.Equal(t, int64(1), sums["session_fragments_retransmitted"])
	require.Equal(t, int64(3), sums["session_fragments_acked"])
}

// go test -v -run=TestSessionMetrics
func TestSessionMetrics(t *testing.T) {
	metrics, reader := newTestMetrics(t)

	id := []byte("session1")
	session, err := newSession(id, "alice", "bob", []Channel{newFakeChannel("a")}, nil, metrics, nil)
	require.Nil(t, err)
	require.Equal(t, int64(1), collectSums(t, reader)["session_open"])

	require.Nil(t, session.HandleFragment("a", &Fragment{SessionID: id, Sequence: 1, Flags: FlagData, Payload: []byte("hello")}))
	require.Nil(t, session.HandleFragment("a", &Fragment{SessionID: id, Sequence: 3, Flags: FlagData, Payload: []byte("!")}))

	require.Nil(t, session.Close())
	require.Equal(t, ErrSessionClosed, session.HandleFragment("a", &Fragment{SessionID: id, Sequence: 2, Flags: FlagData, Payload: []byte("x")}))

	sums := collectSums(t, reader)
	require.Equal(t, int64(5), sums["session_bytes_delivered"])
	require.Equal(t, int64(1), sums["session_fragments_dropped"])
	require.Equal(t, int64(0), sums["session_open"])
}
