package daemon

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "clipmesh"

type counterDesc struct {
	desc  *prometheus.Desc
	value func(CounterMetrics) int64
}

// Collector exposes Metrics in Prometheus format. Values are read from a
// snapshot on every scrape, so the daemon keeps a single set of counters.
type Collector struct {
	metrics *Metrics
	gauges  func() GaugeMetrics

	counters []counterDesc

	messagesReceived *prometheus.Desc
	messagesSent     *prometheus.Desc
	connectedPeers   *prometheus.Desc
	candidates       *prometheus.Desc
	trustedPeers     *prometheus.Desc
	pairingOpen      *prometheus.Desc
	handshakeP95     *prometheus.Desc
	applyP95         *prometheus.Desc
}

func newCounter(name, help string, value func(CounterMetrics) int64) counterDesc {
	return counterDesc{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, nil),
		value: value,
	}
}

func newDesc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, labels, nil)
}

// NewCollector creates a collector over metrics. gauges may be nil.
func NewCollector(metrics *Metrics, gauges func() GaugeMetrics) *Collector {
	return &Collector{
		metrics: metrics,
		gauges:  gauges,
		counters: []counterDesc{
			newCounter("connections_accepted_total", "Inbound connections accepted.", func(c CounterMetrics) int64 { return c.ConnectionsAccepted }),
			newCounter("connections_rejected_total", "Inbound connections rejected by the connection limiter.", func(c CounterMetrics) int64 { return c.ConnectionsRejected }),
			newCounter("dial_attempts_total", "Outbound connection attempts.", func(c CounterMetrics) int64 { return c.DialAttempts }),
			newCounter("reconnects_total", "Redials after a backoff.", func(c CounterMetrics) int64 { return c.Reconnects }),
			newCounter("handshakes_completed_total", "Connections that authenticated.", func(c CounterMetrics) int64 { return c.HandshakesCompleted }),
			newCounter("handshake_failures_total", "Connections that failed before authenticating.", func(c CounterMetrics) int64 { return c.HandshakeFailures }),
			newCounter("auth_failures_total", "Failed challenge responses.", func(c CounterMetrics) int64 { return c.AuthFailures }),
			newCounter("trust_denials_total", "Peers refused by the trust policy.", func(c CounterMetrics) int64 { return c.TrustDenials }),
			newCounter("protocol_violations_total", "Connections closed for protocol violations.", func(c CounterMetrics) int64 { return c.ProtocolViolations }),
			newCounter("bytes_received_total", "Frame payload bytes received.", func(c CounterMetrics) int64 { return c.BytesReceived }),
			newCounter("bytes_sent_total", "Frame payload bytes sent.", func(c CounterMetrics) int64 { return c.BytesSent }),
			newCounter("queue_full_drops_total", "Peers dropped because their send queue was full.", func(c CounterMetrics) int64 { return c.QueueFullDrops }),
			newCounter("rate_limit_drops_total", "Clipboard updates dropped by the update rate limiter.", func(c CounterMetrics) int64 { return c.RateLimitDrops }),
			newCounter("local_changes_total", "Local clipboard changes sent to peers.", func(c CounterMetrics) int64 { return c.LocalChanges }),
			newCounter("updates_applied_total", "Clipboard updates written to the local clipboard.", func(c CounterMetrics) int64 { return c.UpdatesApplied }),
			newCounter("updates_filtered_total", "Clipboard values skipped by the content filter.", func(c CounterMetrics) int64 { return c.UpdatesFiltered }),
			newCounter("echo_suppressed_total", "Inbound updates ignored because the content was already current.", func(c CounterMetrics) int64 { return c.EchoSuppressed }),
			newCounter("clipboard_errors_total", "Clipboard read or write failures.", func(c CounterMetrics) int64 { return c.ClipboardErrors }),
		},
		messagesReceived: newDesc("messages_received_total", "Messages received by type.", "type"),
		messagesSent:     newDesc("messages_sent_total", "Messages sent by type.", "type"),
		connectedPeers:   newDesc("connected_peers", "Authenticated peer connections."),
		candidates:       newDesc("candidates", "Known dial candidates."),
		trustedPeers:     newDesc("trusted_peers", "Trusted peer records."),
		pairingOpen:      newDesc("pairing_open", "1 while a pairing window is open."),
		handshakeP95:     newDesc("handshake_latency_p95_ms", "95th percentile handshake latency over recent connections."),
		applyP95:         newDesc("apply_latency_p95_ms", "95th percentile clipboard write latency over recent updates."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, cd := range c.counters {
		ch <- cd.desc
	}
	ch <- c.messagesReceived
	ch <- c.messagesSent
	ch <- c.connectedPeers
	ch <- c.candidates
	ch <- c.trustedPeers
	ch <- c.pairingOpen
	ch <- c.handshakeP95
	ch <- c.applyP95
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.metrics.Snapshot(c.gauges)

	for _, cd := range c.counters {
		ch <- prometheus.MustNewConstMetric(cd.desc, prometheus.CounterValue, float64(cd.value(snap.Counters)))
	}
	for msgType, n := range snap.MessagesByType.Received {
		ch <- prometheus.MustNewConstMetric(c.messagesReceived, prometheus.CounterValue, float64(n), msgType)
	}
	for msgType, n := range snap.MessagesByType.Sent {
		ch <- prometheus.MustNewConstMetric(c.messagesSent, prometheus.CounterValue, float64(n), msgType)
	}

	pairing := 0.0
	if snap.Gauges.PairingOpen {
		pairing = 1
	}
	ch <- prometheus.MustNewConstMetric(c.connectedPeers, prometheus.GaugeValue, float64(snap.Gauges.ConnectedPeers))
	ch <- prometheus.MustNewConstMetric(c.candidates, prometheus.GaugeValue, float64(snap.Gauges.Candidates))
	ch <- prometheus.MustNewConstMetric(c.trustedPeers, prometheus.GaugeValue, float64(snap.Gauges.TrustedPeers))
	ch <- prometheus.MustNewConstMetric(c.pairingOpen, prometheus.GaugeValue, pairing)
	ch <- prometheus.MustNewConstMetric(c.handshakeP95, prometheus.GaugeValue, snap.Latencies.HandshakeP95Ms)
	ch <- prometheus.MustNewConstMetric(c.applyP95, prometheus.GaugeValue, snap.Latencies.ApplyP95Ms)
}

// MetricsHandler returns the /metrics handler. It uses its own registry so
// tests and multiple daemons in one process do not collide.
func MetricsHandler(metrics *Metrics, gauges func() GaugeMetrics) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(metrics, gauges),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
