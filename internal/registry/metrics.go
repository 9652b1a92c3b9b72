package registry

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects operational metrics for observability
type Metrics struct {
	startTime time.Time

	// Counters (use atomic for lock-free updates)
	Registrations   atomic.Int64
	ReRegistrations atomic.Int64
	Heartbeats      atomic.Int64
	Discoveries     atomic.Int64
	Unregistrations atomic.Int64
	NodesReaped     atomic.Int64
	RateLimitDrops  atomic.Int64
	BadRequests     atomic.Int64
	NotFoundErrors  atomic.Int64

	// Request counters by endpoint
	endpointsMu sync.RWMutex
	endpoints   map[string]int64

	// Error tracking (ring buffer)
	errorsMu   sync.RWMutex
	errors     []ErrorEntry
	errorIndex int

	// Request latency (ring buffer for last N samples)
	latencyMu      sync.RWMutex
	requestLatency []time.Duration
	latencyIndex   int
}

// ErrorEntry records an error event
type ErrorEntry struct {
	Time    time.Time `json:"time"`
	Type    string    `json:"type"`
	Message string    `json:"message"`
	NodeID  string    `json:"node_id,omitempty"`
}

// MetricsSnapshot is a point-in-time view of all metrics
type MetricsSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	UptimeSec float64   `json:"uptime_sec"`

	System SystemMetrics `json:"system"`

	Counters CounterMetrics `json:"counters"`

	// Request breakdown per endpoint path
	RequestsByEndpoint map[string]int64 `json:"requests_by_endpoint"`

	// Gauges (current state)
	Gauges GaugeMetrics `json:"gauges"`

	Latency LatencyMetrics `json:"latency"`

	RecentErrors []ErrorEntry `json:"recent_errors"`
}

// SystemMetrics contains runtime/system information
type SystemMetrics struct {
	GoVersion    string `json:"go_version"`
	NumCPU       int    `json:"num_cpu"`
	NumGoroutine int    `json:"num_goroutine"`

	MemAllocMB     float64 `json:"mem_alloc_mb"`
	MemSysMB       float64 `json:"mem_sys_mb"`
	MemHeapObjects uint64  `json:"mem_heap_objects"`
	NumGC          uint32  `json:"num_gc"`
}

// CounterMetrics contains cumulative counters
type CounterMetrics struct {
	Registrations   int64 `json:"registrations"`
	ReRegistrations int64 `json:"re_registrations"`
	Heartbeats      int64 `json:"heartbeats"`
	Discoveries     int64 `json:"discoveries"`
	Unregistrations int64 `json:"unregistrations"`
	NodesReaped     int64 `json:"nodes_reaped"`
	RateLimitDrops  int64 `json:"rate_limit_drops"`
	BadRequests     int64 `json:"bad_requests"`
	NotFoundErrors  int64 `json:"not_found_errors"`
}

// GaugeMetrics contains current state values
type GaugeMetrics struct {
	ActiveNodes      int `json:"active_nodes"`
	EventSubscribers int `json:"event_subscribers"`
}

// LatencyMetrics contains request latency statistics
type LatencyMetrics struct {
	RequestAvgMs float64 `json:"request_avg_ms"`
	RequestP95Ms float64 `json:"request_p95_ms"`
	RequestMaxMs float64 `json:"request_max_ms"`
}

const (
	maxErrorEntries   = 100
	maxLatencySamples = 100
)

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		startTime:      time.Now(),
		endpoints:      make(map[string]int64),
		errors:         make([]ErrorEntry, maxErrorEntries),
		requestLatency: make([]time.Duration, maxLatencySamples),
	}
}

// RecordRequest records one handled request for an endpoint
func (m *Metrics) RecordRequest(endpoint string, d time.Duration) {
	m.endpointsMu.Lock()
	m.endpoints[endpoint]++
	m.endpointsMu.Unlock()

	m.latencyMu.Lock()
	m.requestLatency[m.latencyIndex] = d
	m.latencyIndex = (m.latencyIndex + 1) % maxLatencySamples
	m.latencyMu.Unlock()
}

// RecordError records an error event
func (m *Metrics) RecordError(errType, message, nodeID string) {
	entry := ErrorEntry{
		Time:    time.Now(),
		Type:    errType,
		Message: message,
		NodeID:  nodeID,
	}

	m.errorsMu.Lock()
	m.errors[m.errorIndex] = entry
	m.errorIndex = (m.errorIndex + 1) % maxErrorEntries
	m.errorsMu.Unlock()
}

// Snapshot returns a point-in-time view of all metrics
func (m *Metrics) Snapshot(gaugeProvider func() GaugeMetrics) *MetricsSnapshot {
	now := time.Now()
	uptime := now.Sub(m.startTime)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.endpointsMu.RLock()
	endpoints := make(map[string]int64, len(m.endpoints))
	for k, v := range m.endpoints {
		endpoints[k] = v
	}
	m.endpointsMu.RUnlock()

	// Most recent errors first
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

	return &MetricsSnapshot{
		Timestamp: now,
		Uptime:    uptime.Round(time.Second).String(),
		UptimeSec: uptime.Seconds(),
		System: SystemMetrics{
			GoVersion:      runtime.Version(),
			NumCPU:         runtime.NumCPU(),
			NumGoroutine:   runtime.NumGoroutine(),
			MemAllocMB:     float64(memStats.Alloc) / 1024 / 1024,
			MemSysMB:       float64(memStats.Sys) / 1024 / 1024,
			MemHeapObjects: memStats.HeapObjects,
			NumGC:          memStats.NumGC,
		},
		Counters: CounterMetrics{
			Registrations:   m.Registrations.Load(),
			ReRegistrations: m.ReRegistrations.Load(),
			Heartbeats:      m.Heartbeats.Load(),
			Discoveries:     m.Discoveries.Load(),
			Unregistrations: m.Unregistrations.Load(),
			NodesReaped:     m.NodesReaped.Load(),
			RateLimitDrops:  m.RateLimitDrops.Load(),
			BadRequests:     m.BadRequests.Load(),
			NotFoundErrors:  m.NotFoundErrors.Load(),
		},
		RequestsByEndpoint: endpoints,
		Gauges:             gauges,
		Latency:            m.latencyStats(),
		RecentErrors:       recentErrors,
	}
}

// latencyStats computes statistics over the recorded samples
func (m *Metrics) latencyStats() LatencyMetrics {
	m.latencyMu.RLock()
	defer m.latencyMu.RUnlock()

	var valid []time.Duration
	for _, d := range m.requestLatency {
		if d > 0 {
			valid = append(valid, d)
		}
	}
	if len(valid) == 0 {
		return LatencyMetrics{}
	}

	var total time.Duration
	maxVal := time.Duration(0)
	for _, d := range valid {
		total += d
		if d > maxVal {
			maxVal = d
		}
	}
	avg := total / time.Duration(len(valid))

	// Insertion sort is fine at this sample count
	sorted := make([]time.Duration, len(valid))
	copy(sorted, valid)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	p95Index := int(float64(len(sorted)) * 0.95)
	if p95Index >= len(sorted) {
		p95Index = len(sorted) - 1
	}

	return LatencyMetrics{
		RequestAvgMs: float64(avg.Microseconds()) / 1000,
		RequestP95Ms: float64(sorted[p95Index].Microseconds()) / 1000,
		RequestMaxMs: float64(maxVal.Microseconds()) / 1000,
	}
}

// Reset resets all metrics (useful for testing)
func (m *Metrics) Reset() {
	m.startTime = time.Now()
	m.Registrations.Store(0)
	m.ReRegistrations.Store(0)
	m.Heartbeats.Store(0)
	m.Discoveries.Store(0)
	m.Unregistrations.Store(0)
	m.NodesReaped.Store(0)
	m.RateLimitDrops.Store(0)
	m.BadRequests.Store(0)
	m.NotFoundErrors.Store(0)

	m.endpointsMu.Lock()
	m.endpoints = make(map[string]int64)
	m.endpointsMu.Unlock()

	m.errorsMu.Lock()
	m.errors = make([]ErrorEntry, maxErrorEntries)
	m.errorIndex = 0
	m.errorsMu.Unlock()

	m.latencyMu.Lock()
	m.requestLatency = make([]time.Duration, maxLatencySamples)
	m.latencyIndex = 0
	m.latencyMu.Unlock()
}
