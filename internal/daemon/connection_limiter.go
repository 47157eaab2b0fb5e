package daemon

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Reasons an inbound connection is refused before the handshake starts
var (
	ErrAddressBlocked   = errors.New("address temporarily blocked")
	ErrAcceptRate       = errors.New("connection rate exceeded")
	ErrTooManyConns     = errors.New("max connections reached")
	ErrTooManyPerSource = errors.New("per-address connection limit exceeded")
)

// ConnectionLimiterConfig holds limits for inbound connections
type ConnectionLimiterConfig struct {
	MaxConnections    int           // Total inbound connections
	ConnectionsPerSec float64       // New connections per second
	ConnectionBurst   int           // Burst allowance
	MaxPerAddress     int           // Open connections per remote IP
	MaxFailures       int           // Auth failures before a temporary block
	FailureWindow     time.Duration // Window for counting failures
	BlockDuration     time.Duration // How long a block lasts
}

// DefaultConnectionLimiterConfig returns limits suited to a LAN
func DefaultConnectionLimiterConfig() *ConnectionLimiterConfig {
	return &ConnectionLimiterConfig{
		MaxConnections:    32,
		ConnectionsPerSec: 10,
		ConnectionBurst:   20,
		MaxPerAddress:     4,
		MaxFailures:       5,
		FailureWindow:     time.Minute,
		BlockDuration:     5 * time.Minute,
	}
}

// ConnectionLimiter gates inbound connections before any bytes are parsed.
// Remote IPs that keep failing authentication are blocked for a while.
type ConnectionLimiter struct {
	config *ConnectionLimiterConfig
	accept *rate.Limiter
	now    func() time.Time

	mu      sync.Mutex
	open    int
	sources map[string]*sourceState
}

type sourceState struct {
	open         int
	failures     int
	lastFailure  time.Time
	blockedUntil time.Time
}

// NewConnectionLimiter creates a limiter; nil config means defaults
func NewConnectionLimiter(config *ConnectionLimiterConfig) *ConnectionLimiter {
	if config == nil {
		config = DefaultConnectionLimiterConfig()
	}
	return &ConnectionLimiter{
		config:  config,
		accept:  rate.NewLimiter(rate.Limit(config.ConnectionsPerSec), config.ConnectionBurst),
		now:     time.Now,
		sources: make(map[string]*sourceState),
	}
}

// AllowConnection reserves a slot for a connection from remote, or returns
// the reason it is refused. Every nil return must be paired with
// ReleaseConnection.
func (cl *ConnectionLimiter) AllowConnection(remote net.Addr) error {
	ip := extractIP(remote)
	now := cl.now()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	src := cl.source(ip)
	if now.Before(src.blockedUntil) {
		return ErrAddressBlocked
	}
	if cl.open >= cl.config.MaxConnections {
		return ErrTooManyConns
	}
	if src.open >= cl.config.MaxPerAddress {
		return ErrTooManyPerSource
	}
	if !cl.accept.AllowN(now, 1) {
		return ErrAcceptRate
	}

	cl.open++
	src.open++
	return nil
}

// ReleaseConnection frees the slot taken by AllowConnection
func (cl *ConnectionLimiter) ReleaseConnection(remote net.Addr) {
	ip := extractIP(remote)

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.open > 0 {
		cl.open--
	}
	if src, ok := cl.sources[ip]; ok && src.open > 0 {
		src.open--
	}
}

// RecordFailure counts a failed authentication from remote
func (cl *ConnectionLimiter) RecordFailure(remote net.Addr) {
	ip := extractIP(remote)
	now := cl.now()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	src := cl.source(ip)
	if now.Sub(src.lastFailure) > cl.config.FailureWindow {
		src.failures = 0
	}
	src.failures++
	src.lastFailure = now

	if src.failures >= cl.config.MaxFailures {
		src.blockedUntil = now.Add(cl.config.BlockDuration)
		src.failures = 0
		slog.Warn("Address blocked after repeated authentication failures",
			"ip", ip,
			"blocked_until", src.blockedUntil.Format(time.RFC3339))
	}
}

// RecordSuccess clears the failure count for remote
func (cl *ConnectionLimiter) RecordSuccess(remote net.Addr) {
	ip := extractIP(remote)

	cl.mu.Lock()
	if src, ok := cl.sources[ip]; ok {
		src.failures = 0
	}
	cl.mu.Unlock()
}

// Stats returns current limiter state
func (cl *ConnectionLimiter) Stats() ConnectionLimiterStats {
	now := cl.now()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	stats := ConnectionLimiterStats{
		OpenConnections: cl.open,
		MaxConnections:  cl.config.MaxConnections,
	}
	for _, src := range cl.sources {
		if now.Before(src.blockedUntil) {
			stats.BlockedAddresses++
		}
	}
	return stats
}

// ConnectionLimiterStats holds connection limiter statistics
type ConnectionLimiterStats struct {
	OpenConnections  int `json:"open_connections"`
	MaxConnections   int `json:"max_connections"`
	BlockedAddresses int `json:"blocked_addresses"`
}

// Cleanup forgets idle sources whose block and failures have expired
func (cl *ConnectionLimiter) Cleanup() {
	now := cl.now()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	for ip, src := range cl.sources {
		if src.open == 0 && now.After(src.blockedUntil) && now.Sub(src.lastFailure) > cl.config.FailureWindow {
			delete(cl.sources, ip)
		}
	}
}

func (cl *ConnectionLimiter) source(ip string) *sourceState {
	src, ok := cl.sources[ip]
	if !ok {
		src = &sourceState{}
		cl.sources[ip] = src
	}
	return src
}

// extractIP returns the host part of addr
func extractIP(addr net.Addr) string {
	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	case *net.UDPAddr:
		return v.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
