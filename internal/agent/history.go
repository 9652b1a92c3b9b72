package agent

import (
	"sync"
	"time"

	"github.com/nixinxxyyy/mobile-mesh-sentinel/internal/protocol"
)

// HistorySize is the default number of message records kept in memory.
const HistorySize = 500

// Message directions as recorded in history.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// MessageRecord is one exchanged message, as served over IPC.
type MessageRecord struct {
	ID        string    `json:"id"`
	Direction string    `json:"direction"`
	Peer      string    `json:"peer"`
	Type      string    `json:"type"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// recordFromEnvelope builds a history record for env exchanged with peer.
func recordFromEnvelope(env *protocol.Envelope, direction, peer string) MessageRecord {
	return MessageRecord{
		ID:        env.ID,
		Direction: direction,
		Peer:      peer,
		Type:      string(env.Type),
		Payload:   env.PayloadText(),
		Timestamp: env.Timestamp,
	}
}

// MessageHistory is a fixed-size ring of exchanged messages. Nothing is
// persisted; history is lost on agent restart.
type MessageHistory struct {
	mu      sync.RWMutex
	records []MessageRecord
	head    int
	count   int
	maxSize int
}

// NewMessageHistory creates a history holding at most maxSize records.
func NewMessageHistory(maxSize int) *MessageHistory {
	return &MessageHistory{
		records: make([]MessageRecord, maxSize),
		maxSize: maxSize,
	}
}

// Add appends a record, evicting the oldest when full.
func (h *MessageHistory) Add(rec MessageRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records[h.head] = rec
	h.head = (h.head + 1) % h.maxSize
	if h.count < h.maxSize {
		h.count++
	}
}

// Recent returns up to limit records in chronological order, newest last.
// limit <= 0 returns everything buffered.
func (h *MessageHistory) Recent(limit int) []MessageRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := h.count
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]MessageRecord, 0, n)

	start := 0
	if h.count == h.maxSize {
		start = h.head
	}
	// Skip the oldest entries beyond the requested window.
	start = (start + h.count - n) % h.maxSize

	for i := 0; i < n; i++ {
		out = append(out, h.records[(start+i)%h.maxSize])
	}

	return out
}

// Count returns the number of buffered records.
func (h *MessageHistory) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
