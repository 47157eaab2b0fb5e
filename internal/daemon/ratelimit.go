package daemon

import (
	"sync"

	"golang.org/x/time/rate"
)

// UpdateLimitConfig bounds how fast peers may push clipboard updates
type UpdateLimitConfig struct {
	// Per peer
	UpdatesPerSecond float64
	Burst            int

	// Across all peers
	GlobalUpdatesPerSecond float64
	GlobalBurst            int
}

// DefaultUpdateLimitConfig returns the limits used when none are configured
func DefaultUpdateLimitConfig() *UpdateLimitConfig {
	return &UpdateLimitConfig{
		UpdatesPerSecond:       5,
		Burst:                  20,
		GlobalUpdatesPerSecond: 50,
		GlobalBurst:            100,
	}
}

// UpdateLimiter rate limits inbound clipboard updates. Limiters are keyed by
// peer identity so a reconnecting peer does not get a fresh burst.
type UpdateLimiter struct {
	config *UpdateLimitConfig
	global *rate.Limiter

	mu      sync.Mutex
	peers   map[string]*rate.Limiter
	dropped map[string]int64
}

// NewUpdateLimiter creates a limiter; nil config means defaults
func NewUpdateLimiter(config *UpdateLimitConfig) *UpdateLimiter {
	if config == nil {
		config = DefaultUpdateLimitConfig()
	}
	return &UpdateLimiter{
		config:  config,
		global:  rate.NewLimiter(rate.Limit(config.GlobalUpdatesPerSecond), config.GlobalBurst),
		peers:   make(map[string]*rate.Limiter),
		dropped: make(map[string]int64),
	}
}

// Allow reports whether an update from peer may be processed now
func (l *UpdateLimiter) Allow(peer string, size int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.peers[peer]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.config.UpdatesPerSecond), l.config.Burst)
		l.peers[peer] = lim
	}

	// Check the peer first so one noisy peer cannot drain the global bucket.
	if !lim.Allow() || !l.global.Allow() {
		l.dropped[peer]++
		return false
	}
	return true
}

// Forget drops the limiter state for peer
func (l *UpdateLimiter) Forget(peer string) {
	l.mu.Lock()
	delete(l.peers, peer)
	delete(l.dropped, peer)
	l.mu.Unlock()
}

// Dropped returns how many updates were dropped per peer
func (l *UpdateLimiter) Dropped() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]int64, len(l.dropped))
	for k, v := range l.dropped {
		out[k] = v
	}
	return out
}
