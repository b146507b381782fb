package node

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory operational counters. Nothing here is ever
// exported off the process or written to disk; the chat UI renders a
// snapshot on demand and the counters die with the process.
type Metrics struct {
	startTime time.Time

	MessagesSent     atomic.Int64
	MessagesReceived atomic.Int64
	BytesSent        atomic.Int64
	BytesReceived    atomic.Int64

	HandshakesCompleted atomic.Int64
	HandshakeFailures   atomic.Int64
	CryptoFailures      atomic.Int64
	OversizeRejected    atomic.Int64
	SendTimeouts        atomic.Int64

	DiscoveryErrors     atomic.Int64
	ConnectionsRejected atomic.Int64
}

// NewMetrics creates a metrics collector
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// MetricsSnapshot is a point-in-time copy of all counters
type MetricsSnapshot struct {
	Uptime time.Duration

	MessagesSent     int64
	MessagesReceived int64
	BytesSent        int64
	BytesReceived    int64

	HandshakesCompleted int64
	HandshakeFailures   int64
	CryptoFailures      int64
	OversizeRejected    int64
	SendTimeouts        int64

	DiscoveryErrors     int64
	ConnectionsRejected int64
}

// Snapshot returns a consistent-enough copy for display
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Uptime:              time.Since(m.startTime),
		MessagesSent:        m.MessagesSent.Load(),
		MessagesReceived:    m.MessagesReceived.Load(),
		BytesSent:           m.BytesSent.Load(),
		BytesReceived:       m.BytesReceived.Load(),
		HandshakesCompleted: m.HandshakesCompleted.Load(),
		HandshakeFailures:   m.HandshakeFailures.Load(),
		CryptoFailures:      m.CryptoFailures.Load(),
		OversizeRejected:    m.OversizeRejected.Load(),
		SendTimeouts:        m.SendTimeouts.Load(),
		DiscoveryErrors:     m.DiscoveryErrors.Load(),
		ConnectionsRejected: m.ConnectionsRejected.Load(),
	}
}
