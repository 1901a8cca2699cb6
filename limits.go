package rbtp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// LimitAction specifies what a listener does with a SYN that exceeds a limit.
type LimitAction int

const (
	// LimitActionDrop silently drops the SYN (default). The client sees the
	// same thing as a lost packet and eventually gives up.
	LimitActionDrop LimitAction = iota
	// LimitActionReset answers with RST.
	LimitActionReset
)

// ConnectionLimitsConfig configures connection rate limiting on listeners.
// All limit values of 0 mean disabled (unlimited).
type ConnectionLimitsConfig struct {
	// MaxConcurrentConns limits connections alive at once on one listener.
	MaxConcurrentConns int `yaml:"max_concurrent_conns"`

	// MaxHalfOpen limits connections still in the handshake. This bounds
	// the state a SYN flood can make the listener hold.
	MaxHalfOpen int `yaml:"max_half_open"`

	// Per-host incoming connection limits. A host is the IP of the UDP peer.
	MaxConnsPerMinute int `yaml:"max_conns_per_minute"`
	MaxConnsPerHour   int `yaml:"max_conns_per_hour"`
	MaxConnsPerDay    int `yaml:"max_conns_per_day"`

	// Total incoming connection limits (all hosts combined)
	MaxTotalConnsPerMinute int `yaml:"max_total_conns_per_minute"`
	MaxTotalConnsPerHour   int `yaml:"max_total_conns_per_hour"`
	MaxTotalConnsPerDay    int `yaml:"max_total_conns_per_day"`

	LimitAction LimitAction `yaml:"limit_action"`

	// DisableRejectLogging disables log warnings when connections are rejected
	DisableRejectLogging bool `yaml:"disable_reject_logging"`
}

// DefaultConnectionLimitsConfig returns the default configuration: no rate
// limits and at most 256 handshakes in flight.
func DefaultConnectionLimitsConfig() *ConnectionLimitsConfig {
	return &ConnectionLimitsConfig{
		MaxHalfOpen: 256,
		LimitAction: LimitActionDrop,
	}
}

// connectionLimiter tracks and enforces connection limits.
// It maintains per-host and total connection counters with time-based windows.
type connectionLimiter struct {
	config *ConnectionLimitsConfig
	mu     sync.Mutex

	activeConns int

	// Per-host connection history: host -> connection timestamps
	hostHistory map[string]*connectionHistory

	// Total connection timestamps across all hosts
	totalHistory *connectionHistory
}

// connectionHistory tracks connection timestamps for rate limiting.
// Guarded by the owning limiter's mutex.
type connectionHistory struct {
	timestamps []time.Time
}

func newConnectionLimiter(config *ConnectionLimitsConfig) *connectionLimiter {
	if config == nil {
		config = DefaultConnectionLimitsConfig()
	}
	return &connectionLimiter{
		config:       config,
		hostHistory:  make(map[string]*connectionHistory),
		totalHistory: &connectionHistory{},
	}
}

// ActiveConns returns the number of connections counted as alive.
func (cl *connectionLimiter) ActiveConns() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.activeConns
}

// CheckAndRecord checks whether a new connection from addr is allowed.
// If allowed, it records the connection and returns nil.
func (cl *connectionLimiter) CheckAndRecord(addr net.Addr) error {
	return cl.checkAndRecordAt(addr, time.Now())
}

func (cl *connectionLimiter) checkAndRecordAt(addr net.Addr, now time.Time) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.config.MaxConcurrentConns > 0 && cl.activeConns >= cl.config.MaxConcurrentConns {
		return fmt.Errorf("max concurrent connections limit exceeded (%d)", cl.config.MaxConcurrentConns)
	}

	cl.totalHistory.prune(now)
	if err := checkWindows(cl.totalHistory, now, "total connections",
		cl.config.MaxTotalConnsPerMinute, cl.config.MaxTotalConnsPerHour, cl.config.MaxTotalConnsPerDay); err != nil {
		return err
	}

	host := hostKey(addr)
	history := cl.hostHistory[host]
	if history != nil {
		history.prune(now)
		if err := checkWindows(history, now, "connections from host",
			cl.config.MaxConnsPerMinute, cl.config.MaxConnsPerHour, cl.config.MaxConnsPerDay); err != nil {
			return err
		}
	} else {
		history = &connectionHistory{}
		cl.hostHistory[host] = history
	}

	cl.activeConns++
	cl.totalHistory.timestamps = append(cl.totalHistory.timestamps, now)
	history.timestamps = append(history.timestamps, now)
	return nil
}

// checkWindows applies per-minute, per-hour and per-day limits to h.
func checkWindows(h *connectionHistory, now time.Time, what string, perMinute, perHour, perDay int) error {
	for _, w := range []struct {
		limit int
		span  time.Duration
		name  string
	}{
		{perMinute, time.Minute, "minute"},
		{perHour, time.Hour, "hour"},
		{perDay, 24 * time.Hour, "day"},
	} {
		if w.limit > 0 && h.countSince(now.Add(-w.span)) >= w.limit {
			return fmt.Errorf("%s per %s limit exceeded (%d)", what, w.name, w.limit)
		}
	}
	return nil
}

// ConnectionClosed should be called when a recorded connection goes away.
func (cl *connectionLimiter) ConnectionClosed() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.activeConns > 0 {
		cl.activeConns--
	}
}

// CleanupStaleHistory removes host entries with no activity in the last day.
func (cl *connectionLimiter) CleanupStaleHistory() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := time.Now()
	removed := 0
	for host, history := range cl.hostHistory {
		history.prune(now)
		if len(history.timestamps) == 0 {
			delete(cl.hostHistory, host)
			removed++
		}
	}
	log.Debug().
		Int("removed", removed).
		Int("remaining", len(cl.hostHistory)).
		Msg("stale connection history cleanup complete")
	return removed
}

// prune drops entries older than a day.
func (h *connectionHistory) prune(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	kept := h.timestamps[:0]
	for _, ts := range h.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	h.timestamps = kept
}

func (h *connectionHistory) countSince(since time.Time) int {
	count := 0
	for _, ts := range h.timestamps {
		if ts.After(since) {
			count++
		}
	}
	return count
}

// hostKey identifies the host behind an address, ignoring ports.
func hostKey(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if a, ok := addr.(*Addr); ok && a.Net != nil {
		addr = a.Net
	}
	if host, _, err := net.SplitHostPort(addr.String()); err == nil {
		return host
	}
	return addr.String()
}

// logLimitExceeded logs a warning about a rejected connection.
func logLimitExceeded(config *ConnectionLimitsConfig, addr net.Addr, reason string) {
	if config.DisableRejectLogging {
		return
	}
	log.Warn().
		Str("peer", hostKey(addr)).
		Str("reason", reason).
		Msg("incoming connection rejected due to limit")
}
