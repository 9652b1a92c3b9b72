package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/client"
)

// Defaults for the local peer cache
const (
	// DefaultPeerTTL mirrors the registry's heartbeat timeout: a peer we
	// have not seen in any discovery round for this long is treated as gone.
	DefaultPeerTTL = 30 * time.Second

	// DefaultEvictAfter is how many consecutive discovery rounds a peer may
	// be absent from before eviction. A single absence can be a snapshot
	// race with the reaper rather than a real departure.
	DefaultEvictAfter = 3
)

// Peer is a locally cached view of a remote node
type Peer struct {
	NodeID    string    `json:"node_id"`
	IPAddress string    `json:"ip_address"`
	Port      int       `json:"port"`
	PublicKey string    `json:"public_key,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Addr returns the dialable host:port for the peer
func (p *Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.IPAddress, p.Port)
}

type peerEntry struct {
	peer         Peer
	missedRounds int
}

// MergeResult describes what one discovery round changed
type MergeResult struct {
	Added   []string
	Evicted []string
}

// PeerView caches the peers learned from discovery. Every round upserts
// the reported peers by latest data; peers absent from several consecutive
// rounds are evicted, and entries untouched for longer than the TTL are
// treated as expired even when discovery itself has stopped delivering.
type PeerView struct {
	mu         sync.RWMutex
	peers      map[string]*peerEntry
	ttl        time.Duration
	evictAfter int
}

// NewPeerView creates a peer cache. Zero values select the defaults.
func NewPeerView(ttl time.Duration, evictAfter int) *PeerView {
	if ttl <= 0 {
		ttl = DefaultPeerTTL
	}
	if evictAfter <= 0 {
		evictAfter = DefaultEvictAfter
	}

	return &PeerView{
		peers:      make(map[string]*peerEntry),
		ttl:        ttl,
		evictAfter: evictAfter,
	}
}

// ApplyDiscovery merges one discovery round into the cache
func (v *PeerView) ApplyDiscovery(peers []client.NodeInfo) MergeResult {
	now := time.Now().UTC()
	seen := make(map[string]bool, len(peers))

	v.mu.Lock()
	defer v.mu.Unlock()

	var result MergeResult

	for _, info := range peers {
		seen[info.NodeID] = true

		entry, ok := v.peers[info.NodeID]
		if !ok {
			entry = &peerEntry{}
			v.peers[info.NodeID] = entry
			result.Added = append(result.Added, info.NodeID)
		}

		// Upsert by latest: address changes from re-registration must
		// propagate, never stick at first sight
		entry.peer = Peer{
			NodeID:    info.NodeID,
			IPAddress: info.IPAddress,
			Port:      info.Port,
			PublicKey: info.PublicKey,
			LastSeen:  info.LastSeen,
			UpdatedAt: now,
		}
		entry.missedRounds = 0
	}

	for id, entry := range v.peers {
		if seen[id] {
			continue
		}
		entry.missedRounds++
		if entry.missedRounds >= v.evictAfter || v.expired(entry, now) {
			delete(v.peers, id)
			result.Evicted = append(result.Evicted, id)
		}
	}

	return result
}

func (v *PeerView) expired(entry *peerEntry, now time.Time) bool {
	return now.Sub(entry.peer.UpdatedAt) > v.ttl
}

// Get returns a copy of the cached peer. Expired entries read as absent.
func (v *PeerView) Get(nodeID string) (Peer, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	entry, ok := v.peers[nodeID]
	if !ok || v.expired(entry, time.Now().UTC()) {
		return Peer{}, false
	}
	return entry.peer, true
}

// Snapshot returns copies of all live cached peers
func (v *PeerView) Snapshot() []Peer {
	now := time.Now().UTC()

	v.mu.RLock()
	defer v.mu.RUnlock()

	peers := make([]Peer, 0, len(v.peers))
	for _, entry := range v.peers {
		if v.expired(entry, now) {
			continue
		}
		peers = append(peers, entry.peer)
	}
	return peers
}

// Count returns the number of live cached peers
func (v *PeerView) Count() int {
	now := time.Now().UTC()

	v.mu.RLock()
	defer v.mu.RUnlock()

	count := 0
	for _, entry := range v.peers {
		if !v.expired(entry, now) {
			count++
		}
	}
	return count
}
