package daemon

import (
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects connection and clipboard counters for status output
type Metrics struct {
	startTime time.Time

	// Connections
	ConnectionsAccepted atomic.Int64
	ConnectionsRejected atomic.Int64
	DialAttempts        atomic.Int64
	Reconnects          atomic.Int64
	HandshakesCompleted atomic.Int64
	HandshakeFailures   atomic.Int64
	AuthFailures        atomic.Int64
	TrustDenials        atomic.Int64
	ProtocolViolations  atomic.Int64

	// Messages
	MessagesReceived atomic.Int64
	MessagesSent     atomic.Int64
	BytesReceived    atomic.Int64
	BytesSent        atomic.Int64
	QueueFullDrops   atomic.Int64
	RateLimitDrops   atomic.Int64

	// Clipboard
	LocalChanges    atomic.Int64
	UpdatesApplied  atomic.Int64
	UpdatesFiltered atomic.Int64
	EchoSuppressed  atomic.Int64
	ClipboardErrors atomic.Int64

	msgCountersMu sync.RWMutex
	msgReceived   map[string]int64
	msgSent       map[string]int64

	errorsMu   sync.RWMutex
	errors     []ErrorEntry
	errorIndex int

	latencyMu        sync.RWMutex
	handshakeLatency []time.Duration
	applyLatency     []time.Duration
	handshakeIndex   int
	applyIndex       int
}

// ErrorEntry records an error event
type ErrorEntry struct {
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Peer    string    `json:"peer,omitempty"`
}

// MetricsSnapshot is a point-in-time view of all metrics
type MetricsSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	UptimeSec float64   `json:"uptime_sec"`

	System         SystemMetrics  `json:"system"`
	Counters       CounterMetrics `json:"counters"`
	MessagesByType MessageMetrics `json:"messages_by_type"`
	Gauges         GaugeMetrics   `json:"gauges"`
	Latencies      LatencyMetrics `json:"latencies"`
	RecentErrors   []ErrorEntry   `json:"recent_errors"`
}

// SystemMetrics contains runtime information
type SystemMetrics struct {
	GoVersion    string  `json:"go_version"`
	NumCPU       int     `json:"num_cpu"`
	NumGoroutine int     `json:"num_goroutine"`
	MemAllocMB   float64 `json:"mem_alloc_mb"`
	MemSysMB     float64 `json:"mem_sys_mb"`
	NumGC        uint32  `json:"num_gc"`
}

// CounterMetrics contains cumulative counters
type CounterMetrics struct {
	ConnectionsAccepted int64 `json:"connections_accepted"`
	ConnectionsRejected int64 `json:"connections_rejected"`
	DialAttempts        int64 `json:"dial_attempts"`
	Reconnects          int64 `json:"reconnects"`
	HandshakesCompleted int64 `json:"handshakes_completed"`
	HandshakeFailures   int64 `json:"handshake_failures"`
	AuthFailures        int64 `json:"auth_failures"`
	TrustDenials        int64 `json:"trust_denials"`
	ProtocolViolations  int64 `json:"protocol_violations"`
	MessagesReceived    int64 `json:"messages_received"`
	MessagesSent        int64 `json:"messages_sent"`
	BytesReceived       int64 `json:"bytes_received"`
	BytesSent           int64 `json:"bytes_sent"`
	QueueFullDrops      int64 `json:"queue_full_drops"`
	RateLimitDrops      int64 `json:"rate_limit_drops"`
	LocalChanges        int64 `json:"local_changes"`
	UpdatesApplied      int64 `json:"updates_applied"`
	UpdatesFiltered     int64 `json:"updates_filtered"`
	EchoSuppressed      int64 `json:"echo_suppressed"`
	ClipboardErrors     int64 `json:"clipboard_errors"`
}

// MessageMetrics breaks down messages by type
type MessageMetrics struct {
	Received map[string]int64 `json:"received"`
	Sent     map[string]int64 `json:"sent"`
}

// GaugeMetrics contains current state values
type GaugeMetrics struct {
	ConnectedPeers int  `json:"connected_peers"`
	Candidates     int  `json:"candidates"`
	TrustedPeers   int  `json:"trusted_peers"`
	PairingOpen    bool `json:"pairing_open"`
}

// LatencyMetrics contains latency statistics in milliseconds
type LatencyMetrics struct {
	HandshakeAvgMs float64 `json:"handshake_avg_ms"`
	HandshakeP95Ms float64 `json:"handshake_p95_ms"`
	HandshakeMaxMs float64 `json:"handshake_max_ms"`
	ApplyAvgMs     float64 `json:"apply_avg_ms"`
	ApplyP95Ms     float64 `json:"apply_p95_ms"`
	ApplyMaxMs     float64 `json:"apply_max_ms"`
}

const (
	maxErrorEntries   = 100
	maxLatencySamples = 100
)

// NewMetrics creates an empty metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		startTime:        time.Now(),
		msgReceived:      make(map[string]int64),
		msgSent:          make(map[string]int64),
		errors:           make([]ErrorEntry, maxErrorEntries),
		handshakeLatency: make([]time.Duration, maxLatencySamples),
		applyLatency:     make([]time.Duration, maxLatencySamples),
	}
}

// RecordMessageReceived records a received frame
func (m *Metrics) RecordMessageReceived(msgType string, size int) {
	m.MessagesReceived.Add(1)
	m.BytesReceived.Add(int64(size))

	m.msgCountersMu.Lock()
	m.msgReceived[msgType]++
	m.msgCountersMu.Unlock()
}

// RecordMessageSent records a sent frame
func (m *Metrics) RecordMessageSent(msgType string, size int) {
	m.MessagesSent.Add(1)
	m.BytesSent.Add(int64(size))

	m.msgCountersMu.Lock()
	m.msgSent[msgType]++
	m.msgCountersMu.Unlock()
}

// RecordError keeps the error in a ring of recent errors
func (m *Metrics) RecordError(kind, message, peer string) {
	m.errorsMu.Lock()
	m.errors[m.errorIndex] = ErrorEntry{
		Time:    time.Now(),
		Kind:    kind,
		Message: message,
		Peer:    peer,
	}
	m.errorIndex = (m.errorIndex + 1) % maxErrorEntries
	m.errorsMu.Unlock()
}

// RecordHandshakeLatency records how long a handshake took
func (m *Metrics) RecordHandshakeLatency(d time.Duration) {
	m.latencyMu.Lock()
	m.handshakeLatency[m.handshakeIndex] = d
	m.handshakeIndex = (m.handshakeIndex + 1) % maxLatencySamples
	m.latencyMu.Unlock()
}

// RecordApplyLatency records how long writing a remote update to the
// local clipboard took
func (m *Metrics) RecordApplyLatency(d time.Duration) {
	m.latencyMu.Lock()
	m.applyLatency[m.applyIndex] = d
	m.applyIndex = (m.applyIndex + 1) % maxLatencySamples
	m.latencyMu.Unlock()
}

// Snapshot returns a point-in-time view of all metrics
func (m *Metrics) Snapshot(gaugeProvider func() GaugeMetrics) *MetricsSnapshot {
	now := time.Now()
	uptime := now.Sub(m.startTime)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.msgCountersMu.RLock()
	received := make(map[string]int64, len(m.msgReceived))
	for k, v := range m.msgReceived {
		received[k] = v
	}
	sent := make(map[string]int64, len(m.msgSent))
	for k, v := range m.msgSent {
		sent[k] = v
	}
	m.msgCountersMu.RUnlock()

	// Newest first
	m.errorsMu.RLock()
	recentErrors := make([]ErrorEntry, 0, maxErrorEntries)
	for i := 0; i < maxErrorEntries; i++ {
		idx := (m.errorIndex - 1 - i + maxErrorEntries) % maxErrorEntries
		if !m.errors[idx].Time.IsZero() {
			recentErrors = append(recentErrors, m.errors[idx])
		}
	}
	m.errorsMu.RUnlock()

	var gauges GaugeMetrics
	if gaugeProvider != nil {
		gauges = gaugeProvider()
	}

	m.latencyMu.RLock()
	hs := computeLatencyStats(m.handshakeLatency)
	ap := computeLatencyStats(m.applyLatency)
	m.latencyMu.RUnlock()

	return &MetricsSnapshot{
		Timestamp: now,
		Uptime:    uptime.Round(time.Second).String(),
		UptimeSec: uptime.Seconds(),
		System: SystemMetrics{
			GoVersion:    runtime.Version(),
			NumCPU:       runtime.NumCPU(),
			NumGoroutine: runtime.NumGoroutine(),
			MemAllocMB:   float64(memStats.Alloc) / 1024 / 1024,
			MemSysMB:     float64(memStats.Sys) / 1024 / 1024,
			NumGC:        memStats.NumGC,
		},
		Counters: CounterMetrics{
			ConnectionsAccepted: m.ConnectionsAccepted.Load(),
			ConnectionsRejected: m.ConnectionsRejected.Load(),
			DialAttempts:        m.DialAttempts.Load(),
			Reconnects:          m.Reconnects.Load(),
			HandshakesCompleted: m.HandshakesCompleted.Load(),
			HandshakeFailures:   m.HandshakeFailures.Load(),
			AuthFailures:        m.AuthFailures.Load(),
			TrustDenials:        m.TrustDenials.Load(),
			ProtocolViolations:  m.ProtocolViolations.Load(),
			MessagesReceived:    m.MessagesReceived.Load(),
			MessagesSent:        m.MessagesSent.Load(),
			BytesReceived:       m.BytesReceived.Load(),
			BytesSent:           m.BytesSent.Load(),
			QueueFullDrops:      m.QueueFullDrops.Load(),
			RateLimitDrops:      m.RateLimitDrops.Load(),
			LocalChanges:        m.LocalChanges.Load(),
			UpdatesApplied:      m.UpdatesApplied.Load(),
			UpdatesFiltered:     m.UpdatesFiltered.Load(),
			EchoSuppressed:      m.EchoSuppressed.Load(),
			ClipboardErrors:     m.ClipboardErrors.Load(),
		},
		MessagesByType: MessageMetrics{
			Received: received,
			Sent:     sent,
		},
		Gauges: gauges,
		Latencies: LatencyMetrics{
			HandshakeAvgMs: hs.avg,
			HandshakeP95Ms: hs.p95,
			HandshakeMaxMs: hs.max,
			ApplyAvgMs:     ap.avg,
			ApplyP95Ms:     ap.p95,
			ApplyMaxMs:     ap.max,
		},
		RecentErrors: recentErrors,
	}
}

type latencyStats struct {
	avg, p95, max float64
}

func computeLatencyStats(samples []time.Duration) latencyStats {
	valid := make([]time.Duration, 0, len(samples))
	for _, d := range samples {
		if d > 0 {
			valid = append(valid, d)
		}
	}
	if len(valid) == 0 {
		return latencyStats{}
	}

	slices.Sort(valid)

	var total time.Duration
	for _, d := range valid {
		total += d
	}
	avg := total / time.Duration(len(valid))

	p95Index := int(float64(len(valid)) * 0.95)
	if p95Index >= len(valid) {
		p95Index = len(valid) - 1
	}

	return latencyStats{
		avg: ms(avg),
		p95: ms(valid[p95Index]),
		max: ms(valid[len(valid)-1]),
	}
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
