package rdt

import "sync/atomic"

// Metrics holds lock-free counters for one Engine's lifetime. The
// observability package scrapes these into Prometheus collectors; keeping
// them as plain atomics here avoids taking a Prometheus dependency on the
// hot path.
type Metrics struct {
	PacketsSent     atomic.Int64
	PacketsReceived atomic.Int64
	PacketsDropped  atomic.Int64
	EventsDropped   atomic.Int64
	RxQueueDropped  atomic.Int64
	NacksSent       atomic.Int64
	NacksReceived   atomic.Int64
	Retries         atomic.Int64
	SendsAbandoned  atomic.Int64
	SendFailed      atomic.Int64
}

// NewMetrics returns a zeroed Metrics block.
func NewMetrics() *Metrics { return &Metrics{} }

// Snapshot is a point-in-time copy of every counter, used by the gateway's
// Prometheus collector.
type Snapshot struct {
	PacketsSent     int64
	PacketsReceived int64
	PacketsDropped  int64
	EventsDropped   int64
	RxQueueDropped  int64
	NacksSent       int64
	NacksReceived   int64
	Retries         int64
	SendsAbandoned  int64
	SendFailed      int64
}

// Snapshot copies every counter's current value.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		PacketsSent:     m.PacketsSent.Load(),
		PacketsReceived: m.PacketsReceived.Load(),
		PacketsDropped:  m.PacketsDropped.Load(),
		EventsDropped:   m.EventsDropped.Load(),
		RxQueueDropped:  m.RxQueueDropped.Load(),
		NacksSent:       m.NacksSent.Load(),
		NacksReceived:   m.NacksReceived.Load(),
		Retries:         m.Retries.Load(),
		SendsAbandoned:  m.SendsAbandoned.Load(),
		SendFailed:      m.SendFailed.Load(),
	}
}
