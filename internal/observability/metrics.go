package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgemesh/rdt-gateway/internal/rdt"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdtgw",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests served by the gateway.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rdtgw",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	brokerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdtgw",
			Subsystem: "broker",
			Name:      "requests_total",
			Help:      "Request/response broker calls by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
	pairingTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rdtgw",
			Subsystem: "pairing",
			Name:      "transitions_total",
			Help:      "Pairing state machine transitions by resulting state.",
		},
		[]string{"status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, brokerRequests, pairingTransitions)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// RecordBrokerRequest counts one RequestBlocking call, labeled by channel
// and its resulting Outcome (as reported by Outcome.String()).
func RecordBrokerRequest(channel uint8, outcome string) {
	RegisterMetrics()
	brokerRequests.WithLabelValues(strconv.Itoa(int(channel)), outcome).Inc()
}

// RecordPairingTransition counts one pairing state machine transition,
// labeled by the state it transitioned into (as reported by Status.String()).
func RecordPairingTransition(status string) {
	RegisterMetrics()
	pairingTransitions.WithLabelValues(status).Inc()
}

// rdtCollector is a Prometheus Collector that reads an rdt.Engine's atomic
// counters at scrape time rather than mirroring them into Prometheus types
// on every packet — keeping the engine's hot path free of Prometheus calls.
type rdtCollector struct {
	channel string
	snap    func() rdt.Snapshot

	packetsSent     *prometheus.Desc
	packetsReceived *prometheus.Desc
	packetsDropped  *prometheus.Desc
	eventsDropped   *prometheus.Desc
	rxQueueDropped  *prometheus.Desc
	nacksSent       *prometheus.Desc
	nacksReceived   *prometheus.Desc
	retries         *prometheus.Desc
	sendsAbandoned  *prometheus.Desc
	sendFailed      *prometheus.Desc
}

// NewRDTCollector wraps an Engine's Metrics as a Prometheus Collector,
// labeled by a stable name (typically the link/peer identifier).
func NewRDTCollector(name string, snapshot func() rdt.Snapshot) prometheus.Collector {
	labels := []string{"link"}
	mk := func(sub, name2, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName("rdtgw", "rdt", sub+"_"+name2),
			help, labels, nil,
		)
	}
	return &rdtCollector{
		channel:         name,
		snap:            snapshot,
		packetsSent:     mk("packets", "sent_total", "RDT packets transmitted."),
		packetsReceived: mk("packets", "received_total", "RDT packets received."),
		packetsDropped:  mk("packets", "dropped_total", "RDT packets dropped (CRC or malformed)."),
		eventsDropped:   mk("events", "dropped_total", "Inbound frames dropped due to a full event queue."),
		rxQueueDropped:  mk("rx_queue", "dropped_total", "Reassembled blocks dropped due to a full rx_queue."),
		nacksSent:       mk("nacks", "sent_total", "NACKs sent by this engine as a receiver."),
		nacksReceived:   mk("nacks", "received_total", "NACKs received by this engine as a sender."),
		retries:         mk("sends", "retries_total", "Full BEGIN retransmissions."),
		sendsAbandoned:  mk("sends", "abandoned_total", "Sends abandoned after exceeding max retries."),
		sendFailed:      mk("sends", "failed_total", "Link-level send failures."),
	}
}

func (c *rdtCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsSent
	ch <- c.packetsReceived
	ch <- c.packetsDropped
	ch <- c.eventsDropped
	ch <- c.rxQueueDropped
	ch <- c.nacksSent
	ch <- c.nacksReceived
	ch <- c.retries
	ch <- c.sendsAbandoned
	ch <- c.sendFailed
}

func (c *rdtCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.snap()
	emit := func(desc *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), c.channel)
	}
	emit(c.packetsSent, s.PacketsSent)
	emit(c.packetsReceived, s.PacketsReceived)
	emit(c.packetsDropped, s.PacketsDropped)
	emit(c.eventsDropped, s.EventsDropped)
	emit(c.rxQueueDropped, s.RxQueueDropped)
	emit(c.nacksSent, s.NacksSent)
	emit(c.nacksReceived, s.NacksReceived)
	emit(c.retries, s.Retries)
	emit(c.sendsAbandoned, s.SendsAbandoned)
	emit(c.sendFailed, s.SendFailed)
}

// pairingCollector exposes the pairing state machine's tri-state status as a
// gauge (0=unpaired, 1=pairing_active, 2=paired).
type pairingCollector struct {
	status func() int
	desc   *prometheus.Desc
}

// NewPairingCollector wraps a status accessor (rdt gateway pairing.Machine's
// Status, converted to int by the caller) as a Prometheus gauge collector.
func NewPairingCollector(status func() int) prometheus.Collector {
	return &pairingCollector{
		status: status,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName("rdtgw", "pairing", "status"),
			"Pairing state machine status: 0=unpaired 1=pairing_active 2=paired.",
			nil, nil,
		),
	}
}

func (c *pairingCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *pairingCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(c.status()))
}
