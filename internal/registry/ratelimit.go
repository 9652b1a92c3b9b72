package registry

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig defines request rate limits for the HTTP API
type RateLimitConfig struct {
	// Per-client limits, keyed by source IP
	PerIPRequestsPerSecond float64
	PerIPBurst             int

	// Global limits across all clients
	GlobalRequestsPerSecond float64
	GlobalBurst             int
}

// DefaultRateLimitConfig returns sensible defaults
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		// Per-IP: 50 req/sec with burst of 100 covers an aggressive
		// heartbeat schedule with plenty of headroom
		PerIPRequestsPerSecond: 50,
		PerIPBurst:             100,

		GlobalRequestsPerSecond: 500,
		GlobalBurst:             1000,
	}
}

// RateLimiter manages request rate limiting for the HTTP API
type RateLimiter struct {
	config *RateLimitConfig

	globalLimiter *rate.Limiter

	mu      sync.Mutex
	ips     map[string]*ipLimiter
	dropped map[string]int64
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	return &RateLimiter{
		config:        config,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRequestsPerSecond), config.GlobalBurst),
		ips:           make(map[string]*ipLimiter),
		dropped:       make(map[string]int64),
	}
}

// Allow checks if a request from ip should be allowed through
func (rl *RateLimiter) Allow(ip string) error {
	if !rl.globalLimiter.Allow() {
		rl.recordDrop(ip)
		return fmt.Errorf("global rate limit exceeded")
	}

	limiter := rl.getIPLimiter(ip)
	if !limiter.Allow() {
		rl.recordDrop(ip)
		return fmt.Errorf("rate limit exceeded for %s", ip)
	}

	return nil
}

func (rl *RateLimiter) getIPLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.ips[ip]
	if !ok {
		entry = &ipLimiter{
			limiter: rate.NewLimiter(
				rate.Limit(rl.config.PerIPRequestsPerSecond),
				rl.config.PerIPBurst,
			),
		}
		rl.ips[ip] = entry
	}
	entry.lastSeen = time.Now()

	return entry.limiter
}

func (rl *RateLimiter) recordDrop(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.dropped[ip]++
}

// Cleanup removes limiter state for IPs idle longer than maxIdle and
// returns the number removed
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-maxIdle)
	for ip, entry := range rl.ips {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.ips, ip)
			removed++
		}
	}
	return removed
}

// Stats returns rate limiting statistics
func (rl *RateLimiter) Stats() RateLimitStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	stats := RateLimitStats{
		DroppedByIP: make(map[string]int64, len(rl.dropped)),
	}
	for ip, n := range rl.dropped {
		stats.DroppedByIP[ip] = n
		stats.TotalDropped += n
	}
	return stats
}

// RateLimitStats holds rate limiting statistics
type RateLimitStats struct {
	TotalDropped int64
	DroppedByIP  map[string]int64
}

// extractIP pulls the host portion out of a RemoteAddr
func extractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
