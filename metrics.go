package nkn

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/jsmith/nknsdk"

type sessionMetrics struct {
	fragmentsSent          metric.Int64Counter
	bytesSent              metric.Int64Counter
	fragmentsRetransmitted metric.Int64Counter
	fragmentsAcked         metric.Int64Counter
	fragmentsDropped       metric.Int64Counter
	bytesDelivered         metric.Int64Counter
	sessionsOpen           metric.Int64UpDownCounter
}

func newSessionMetrics(meter metric.Meter) (*sessionMetrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(meterName)
	}

	fragmentsSent, err := meter.Int64Counter("session_fragments_sent")
	if err != nil {
		return nil, err
	}

	bytesSent, err := meter.Int64Counter("session_bytes_sent")
	if err != nil {
		return nil, err
	}

	fragmentsRetransmitted, err := meter.Int64Counter("session_fragments_retransmitted")
	if err != nil {
		return nil, err
	}

	fragmentsAcked, err := meter.Int64Counter("session_fragments_acked")
	if err != nil {
		return nil, err
	}

	fragmentsDropped, err := meter.Int64Counter("session_fragments_dropped")
	if err != nil {
		return nil, err
	}

	bytesDelivered, err := meter.Int64Counter("session_bytes_delivered")
	if err != nil {
		return nil, err
	}

	sessionsOpen, err := meter.Int64UpDownCounter("session_open")
	if err != nil {
		return nil, err
	}

	return &sessionMetrics{
		fragmentsSent:          fragmentsSent,
		bytesSent:              bytesSent,
		fragmentsRetransmitted: fragmentsRetransmitted,
		fragmentsAcked:         fragmentsAcked,
		fragmentsDropped:       fragmentsDropped,
		bytesDelivered:         bytesDelivered,
		sessionsOpen:           sessionsOpen,
	}, nil
}

func noopSessionMetrics() *sessionMetrics {
	// noop meter never returns an error
	m, _ := newSessionMetrics(nil)
	return m
}

func (m *sessionMetrics) fragmentSent(n int) {
	m.fragmentsSent.Add(context.Background(), 1)
	m.bytesSent.Add(context.Background(), int64(n))
}

func (m *sessionMetrics) fragmentRetransmitted() {
	m.fragmentsRetransmitted.Add(context.Background(), 1)
}

func (m *sessionMetrics) fragmentAcked() {
	m.fragmentsAcked.Add(context.Background(), 1)
}

func (m *sessionMetrics) fragmentDropped() {
	m.fragmentsDropped.Add(context.Background(), 1)
}

func (m *sessionMetrics) delivered(n int) {
	m.bytesDelivered.Add(context.Background(), int64(n))
}

func (m *sessionMetrics) sessionOpened() {
	m.sessionsOpen.Add(context.Background(), 1)
}

func (m *sessionMetrics) sessionClosed() {
	m.sessionsOpen.Add(context.Background(), -1)
}
