package bayeux

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/cometgo/bayeux"

// sessionMetrics instruments the session against the global OpenTelemetry
// meter provider. Without a provider configured by the host process the
// counters are no-ops.
type sessionMetrics struct {
	messagesSent     metric.Int64Counter
	messagesReceived metric.Int64Counter
	handshakes       metric.Int64Counter
	reconnects       metric.Int64Counter
}

func newSessionMetrics() *sessionMetrics {
	meter := otel.Meter(instrumentationName)
	m := &sessionMetrics{}
	m.messagesSent, _ = meter.Int64Counter("bayeux.client.messages.sent")
	m.messagesReceived, _ = meter.Int64Counter("bayeux.client.messages.received")
	m.handshakes, _ = meter.Int64Counter("bayeux.client.handshakes")
	m.reconnects, _ = meter.Int64Counter("bayeux.client.reconnects")
	return m
}

func (m *sessionMetrics) sent(n int) {
	m.messagesSent.Add(context.Background(), int64(n))
}

func (m *sessionMetrics) received(n int) {
	m.messagesReceived.Add(context.Background(), int64(n))
}

func (m *sessionMetrics) handshake() {
	m.handshakes.Add(context.Background(), 1)
}

func (m *sessionMetrics) reconnect() {
	m.reconnects.Add(context.Background(), 1)
}
