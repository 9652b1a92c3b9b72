package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Defaults for the liveness protocol
const (
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultReapInterval     = 10 * time.Second
)

// ErrNotFound is returned for operations referencing an unknown node_id
var ErrNotFound = errors.New("node not registered")

// ValidationError reports a missing required field
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required field: %s", e.Field)
}

// NodeRecord is the liveness record for one registered node
type NodeRecord struct {
	NodeID        string
	IPAddress     string
	Port          int
	PublicKey     string // opaque, carried but never interpreted
	RegisteredAt  time.Time
	LastHeartbeat time.Time
}

// NodeInfo is the wire representation of a record
type NodeInfo struct {
	NodeID        string    `json:"node_id"`
	IPAddress     string    `json:"ip_address"`
	Port          int       `json:"port"`
	PublicKey     string    `json:"public_key"`
	LastSeen      time.Time `json:"last_seen"`
	UptimeSeconds float64   `json:"uptime_seconds"`
}

// Info converts a record to its wire representation as of now
func (n *NodeRecord) Info(now time.Time) NodeInfo {
	return NodeInfo{
		NodeID:        n.NodeID,
		IPAddress:     n.IPAddress,
		Port:          n.Port,
		PublicKey:     n.PublicKey,
		LastSeen:      n.LastHeartbeat,
		UptimeSeconds: now.Sub(n.RegisteredAt).Seconds(),
	}
}

// Addr returns the dialable host:port for the node
func (n *NodeRecord) Addr() string {
	return fmt.Sprintf("%s:%d", n.IPAddress, n.Port)
}

// Options configures a Registry
type Options struct {
	// HeartbeatTimeout is how long a node may go silent before the reaper
	// removes it. Defaults to DefaultHeartbeatTimeout.
	HeartbeatTimeout time.Duration

	// ReapInterval is how often the reaper runs. Defaults to
	// DefaultReapInterval.
	ReapInterval time.Duration

	// OnExpired, when set, is called once per reaped record, outside the
	// registry lock.
	OnExpired func(NodeRecord)
}

// Registry tracks currently-live nodes. All operations are safe for
// concurrent use; the internal lock is held only for the duration of each
// operation, never across I/O.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*NodeRecord

	timeout      time.Duration
	reapInterval time.Duration
	onExpired    func(NodeRecord)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a registry. Start must be called to run the reaper.
func New(opts Options) *Registry {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}

	return &Registry{
		nodes:        make(map[string]*NodeRecord),
		timeout:      opts.HeartbeatTimeout,
		reapInterval: opts.ReapInterval,
		onExpired:    opts.OnExpired,
		stopCh:       make(chan struct{}),
	}
}

// HeartbeatTimeout returns the configured liveness timeout
func (r *Registry) HeartbeatTimeout() time.Duration {
	return r.timeout
}

// Start launches the background reaper
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.reapLoop()

	slog.Info("Registry started",
		"heartbeat_timeout", r.timeout,
		"reap_interval", r.reapInterval,
	)
}

// Stop stops the reaper and waits for it to exit
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	slog.Info("Registry stopped", "active_nodes", r.ActiveCount())
}

// reapLoop periodically evicts nodes whose heartbeat has gone stale
func (r *Registry) reapLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			r.Reap(now)
		}
	}
}

// Register creates or overwrites the record for nodeID. Re-registration
// resets the join timestamp; the second return reports whether an existing
// record was replaced.
func (r *Registry) Register(nodeID, sourceIP string, port int, publicKey string) (NodeRecord, bool, error) {
	if nodeID == "" {
		return NodeRecord{}, false, &ValidationError{Field: "node_id"}
	}
	if port == 0 {
		return NodeRecord{}, false, &ValidationError{Field: "port"}
	}

	now := time.Now().UTC()
	record := &NodeRecord{
		NodeID:        nodeID,
		IPAddress:     sourceIP,
		Port:          port,
		PublicKey:     publicKey,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}

	r.mu.Lock()
	_, replaced := r.nodes[nodeID]
	r.nodes[nodeID] = record
	total := len(r.nodes)
	r.mu.Unlock()

	if replaced {
		slog.Info("Node re-registered", "node_id", nodeID, "addr", record.Addr(), "total", total)
	} else {
		slog.Info("Node registered", "node_id", nodeID, "addr", record.Addr(), "total", total)
	}

	return *record, replaced, nil
}

// Heartbeat marks the node as alive now. Unknown nodes (never registered,
// unregistered, or already reaped) get ErrNotFound; the caller must
// re-register to recover.
func (r *Registry) Heartbeat(nodeID string) error {
	if nodeID == "" {
		return &ValidationError{Field: "node_id"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.nodes[nodeID]
	if !ok {
		return ErrNotFound
	}

	record.LastHeartbeat = time.Now().UTC()
	return nil
}

// Discover returns a point-in-time snapshot of all records excluding the
// requester's own. Ordering is unspecified.
func (r *Registry) Discover(requestingNodeID string) ([]NodeRecord, error) {
	if requestingNodeID == "" {
		return nil, &ValidationError{Field: "node_id"}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]NodeRecord, 0, len(r.nodes))
	for id, record := range r.nodes {
		if id == requestingNodeID {
			continue
		}
		peers = append(peers, *record)
	}

	return peers, nil
}

// Unregister removes the node immediately
func (r *Registry) Unregister(nodeID string) error {
	if nodeID == "" {
		return &ValidationError{Field: "node_id"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[nodeID]; !ok {
		return ErrNotFound
	}

	delete(r.nodes, nodeID)
	slog.Info("Node unregistered", "node_id", nodeID, "total", len(r.nodes))
	return nil
}

// ListAll returns a snapshot of every record
func (r *Registry) ListAll() []NodeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]NodeRecord, 0, len(r.nodes))
	for _, record := range r.nodes {
		nodes = append(nodes, *record)
	}
	return nodes
}

// ActiveCount returns the number of registered nodes
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Reap removes every record whose last heartbeat is older than the timeout
// as of now, and returns the removed records. Expiry callbacks run outside
// the lock.
func (r *Registry) Reap(now time.Time) []NodeRecord {
	threshold := now.Add(-r.timeout)

	r.mu.Lock()
	var reaped []NodeRecord
	for id, record := range r.nodes {
		if record.LastHeartbeat.Before(threshold) {
			reaped = append(reaped, *record)
			delete(r.nodes, id)
		}
	}
	remaining := len(r.nodes)
	r.mu.Unlock()

	for _, record := range reaped {
		slog.Info("Node expired, removing",
			"node_id", record.NodeID,
			"last_seen", record.LastHeartbeat,
			"remaining", remaining,
		)
		if r.onExpired != nil {
			r.onExpired(record)
		}
	}

	return reaped
}
