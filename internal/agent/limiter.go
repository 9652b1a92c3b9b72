package agent

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ConnectionLimiter protects the message listener from connection floods.
// It is consulted before any frame is read from an accepted connection.
type ConnectionLimiter struct {
	maxConnections     int32
	currentConnections int32
	connectionsPerSec  *rate.Limiter

	perIPLimits sync.Map // IP -> *ipLimit

	blocked sync.Map // IP -> unblockTime

	maxConnectionsPerIP int32
	maxFailuresPerIP    int32
	blockDuration       time.Duration
	failureWindow       time.Duration
	ipConnectionsPerSec float64
	ipConnectionBurst   int
}

// ipLimit tracks connection state for a single IP
type ipLimit struct {
	connections int32
	limiter     *rate.Limiter
	failures    int32
	lastFailure time.Time
	mu          sync.Mutex
}

// ConnectionLimiterConfig holds configuration for the connection limiter
type ConnectionLimiterConfig struct {
	MaxConnections      int32         // Max total connections
	ConnectionsPerSec   float64       // New connections per second globally
	ConnectionBurst     int           // Burst allowance
	MaxConnectionsPerIP int32         // Max connections per IP
	IPConnectionsPerSec float64       // New connections per second per IP
	IPConnectionBurst   int           // Burst per IP
	MaxFailuresPerIP    int32         // Malformed frames before temp ban
	FailureWindow       time.Duration // Window for counting failures
	BlockDuration       time.Duration // How long to block after failures
}

// DefaultConnectionLimiterConfig returns defaults sized for a small mesh
func DefaultConnectionLimiterConfig() *ConnectionLimiterConfig {
	return &ConnectionLimiterConfig{
		MaxConnections:      64,
		ConnectionsPerSec:   20,
		ConnectionBurst:     40,
		MaxConnectionsPerIP: 8,
		IPConnectionsPerSec: 4,
		IPConnectionBurst:   8,
		MaxFailuresPerIP:    5,
		FailureWindow:       time.Minute,
		BlockDuration:       5 * time.Minute,
	}
}

// NewConnectionLimiter creates a new connection limiter
func NewConnectionLimiter(config *ConnectionLimiterConfig) *ConnectionLimiter {
	if config == nil {
		config = DefaultConnectionLimiterConfig()
	}

	return &ConnectionLimiter{
		maxConnections:      config.MaxConnections,
		connectionsPerSec:   rate.NewLimiter(rate.Limit(config.ConnectionsPerSec), config.ConnectionBurst),
		maxConnectionsPerIP: config.MaxConnectionsPerIP,
		maxFailuresPerIP:    config.MaxFailuresPerIP,
		blockDuration:       config.BlockDuration,
		failureWindow:       config.FailureWindow,
		ipConnectionsPerSec: config.IPConnectionsPerSec,
		ipConnectionBurst:   config.IPConnectionBurst,
	}
}

// AllowConnection checks if a new connection should be accepted, and
// counts it when allowed
func (cl *ConnectionLimiter) AllowConnection(remoteAddr net.Addr) error {
	ip := addrIP(remoteAddr)

	if unblockTime, blocked := cl.blocked.Load(ip); blocked {
		if time.Now().Before(unblockTime.(time.Time)) {
			return fmt.Errorf("IP temporarily blocked")
		}
		cl.blocked.Delete(ip)
	}

	if !cl.connectionsPerSec.Allow() {
		return fmt.Errorf("global connection rate exceeded")
	}

	if atomic.LoadInt32(&cl.currentConnections) >= cl.maxConnections {
		return fmt.Errorf("max connections reached")
	}

	limit := cl.getIPLimit(ip)

	if atomic.LoadInt32(&limit.connections) >= cl.maxConnectionsPerIP {
		return fmt.Errorf("per-IP connection limit exceeded")
	}

	if !limit.limiter.Allow() {
		return fmt.Errorf("per-IP rate limit exceeded")
	}

	atomic.AddInt32(&cl.currentConnections, 1)
	atomic.AddInt32(&limit.connections, 1)

	return nil
}

// ReleaseConnection decrements connection counters. Must be called when
// an allowed connection closes.
func (cl *ConnectionLimiter) ReleaseConnection(remoteAddr net.Addr) {
	ip := addrIP(remoteAddr)

	atomic.AddInt32(&cl.currentConnections, -1)

	if limitVal, ok := cl.perIPLimits.Load(ip); ok {
		limit := limitVal.(*ipLimit)
		atomic.AddInt32(&limit.connections, -1)
	}
}

// RecordFailure records a malformed or oversized frame from an IP. Too
// many within the window gets the IP temporarily blocked.
func (cl *ConnectionLimiter) RecordFailure(remoteAddr net.Addr) {
	ip := addrIP(remoteAddr)
	limit := cl.getIPLimit(ip)

	limit.mu.Lock()
	defer limit.mu.Unlock()

	if time.Since(limit.lastFailure) > cl.failureWindow {
		limit.failures = 0
	}

	limit.failures++
	limit.lastFailure = time.Now()

	if limit.failures >= cl.maxFailuresPerIP {
		unblockTime := time.Now().Add(cl.blockDuration)
		cl.blocked.Store(ip, unblockTime)
		slog.Warn("IP blocked due to repeated bad frames",
			"ip", ip,
			"failures", limit.failures,
			"blocked_until", unblockTime.Format(time.RFC3339))

		limit.failures = 0
	}
}

// RecordSuccess resets the failure counter for an IP
func (cl *ConnectionLimiter) RecordSuccess(remoteAddr net.Addr) {
	ip := addrIP(remoteAddr)
	if limitVal, ok := cl.perIPLimits.Load(ip); ok {
		limit := limitVal.(*ipLimit)
		limit.mu.Lock()
		limit.failures = 0
		limit.mu.Unlock()
	}
}

// Stats returns current connection limiter statistics
func (cl *ConnectionLimiter) Stats() ConnectionLimiterStats {
	var blockedCount int
	cl.blocked.Range(func(_, _ interface{}) bool {
		blockedCount++
		return true
	})

	return ConnectionLimiterStats{
		CurrentConnections: atomic.LoadInt32(&cl.currentConnections),
		MaxConnections:     cl.maxConnections,
		BlockedIPs:         blockedCount,
	}
}

// ConnectionLimiterStats holds connection limiter statistics
type ConnectionLimiterStats struct {
	CurrentConnections int32 `json:"current_connections"`
	MaxConnections     int32 `json:"max_connections"`
	BlockedIPs         int   `json:"blocked_ips"`
}

// getIPLimit returns or creates the rate limit state for an IP
func (cl *ConnectionLimiter) getIPLimit(ip string) *ipLimit {
	if limitVal, ok := cl.perIPLimits.Load(ip); ok {
		return limitVal.(*ipLimit)
	}

	limit := &ipLimit{
		limiter: rate.NewLimiter(rate.Limit(cl.ipConnectionsPerSec), cl.ipConnectionBurst),
	}

	actual, _ := cl.perIPLimits.LoadOrStore(ip, limit)
	return actual.(*ipLimit)
}

// addrIP extracts the IP address from a net.Addr
func addrIP(addr net.Addr) string {
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

// Cleanup removes stale entries from the limiter. The accept loop runs it
// periodically.
func (cl *ConnectionLimiter) Cleanup() {
	now := time.Now()

	cl.blocked.Range(func(key, value interface{}) bool {
		if now.After(value.(time.Time)) {
			cl.blocked.Delete(key)
		}
		return true
	})

	cl.perIPLimits.Range(func(key, value interface{}) bool {
		limit := value.(*ipLimit)
		limit.mu.Lock()
		if atomic.LoadInt32(&limit.connections) == 0 &&
			time.Since(limit.lastFailure) > 10*time.Minute {
			cl.perIPLimits.Delete(key)
		}
		limit.mu.Unlock()
		return true
	})
}
