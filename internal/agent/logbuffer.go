package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LogBufferSize is the default number of log entries the agent keeps in memory.
const LogBufferSize = 10000

// LogEntry is a single captured log record, as served over IPC.
type LogEntry struct {
	Timestamp time.Time      `json:"ts"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// LogQuery filters entries returned by LogBuffer.Query.
type LogQuery struct {
	Since *time.Time
	Until *time.Time
	Level string // minimum level: "DEBUG", "INFO", "WARN", "ERROR"
	Limit int    // keep only the most recent N matches
}

// LogBuffer is a fixed-size ring of log entries. Once full, new entries
// overwrite the oldest.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	head    int
	count   int
	maxSize int
}

// NewLogBuffer creates a buffer holding at most maxSize entries.
func NewLogBuffer(maxSize int) *LogBuffer {
	return &LogBuffer{
		entries: make([]LogEntry, maxSize),
		maxSize: maxSize,
	}
}

// Add appends an entry, evicting the oldest when full.
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.maxSize
	if b.count < b.maxSize {
		b.count++
	}
}

// Query returns matching entries in chronological order. When Limit is set,
// the oldest matches are trimmed so the newest Limit entries remain.
func (b *LogBuffer) Query(q LogQuery) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	results := make([]LogEntry, 0)

	start := 0
	if b.count == b.maxSize {
		start = b.head
	}

	for i := 0; i < b.count; i++ {
		entry := b.entries[(start+i)%b.maxSize]

		if q.Since != nil && entry.Timestamp.Before(*q.Since) {
			continue
		}
		if q.Until != nil && entry.Timestamp.After(*q.Until) {
			continue
		}
		if q.Level != "" && !levelAtLeast(entry.Level, q.Level) {
			continue
		}

		results = append(results, entry)
	}

	if q.Limit > 0 && len(results) > q.Limit {
		results = results[len(results)-q.Limit:]
	}

	return results
}

// Count returns the number of buffered entries.
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// levelAtLeast reports whether entryLevel is at or above minLevel. Unknown
// level strings never filter anything out.
func levelAtLeast(entryLevel, minLevel string) bool {
	var entry, min slog.Level
	if err := entry.UnmarshalText([]byte(entryLevel)); err != nil {
		return true
	}
	if err := min.UnmarshalText([]byte(minLevel)); err != nil {
		return true
	}
	return entry >= min
}

// BufferedHandler is an slog.Handler that records every log record into a
// LogBuffer and forwards it to the next handler. It lets the agent serve its
// own recent logs over IPC while still writing to stderr.
type BufferedHandler struct {
	buffer *LogBuffer
	next   slog.Handler
	attrs  []slog.Attr
	group  string
}

// NewBufferedHandler wraps next so records are also captured into buffer.
func NewBufferedHandler(buffer *LogBuffer, next slog.Handler) *BufferedHandler {
	return &BufferedHandler{
		buffer: buffer,
		next:   next,
	}
}

func (h *BufferedHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *BufferedHandler) Handle(ctx context.Context, r slog.Record) error {
	fields := make(map[string]any)

	for _, attr := range h.attrs {
		fields[attr.Key] = attr.Value.Any()
	}

	r.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		fields[key] = a.Value.Any()
		return true
	})

	h.buffer.Add(LogEntry{
		Timestamp: r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Fields:    fields,
	})

	return h.next.Handle(ctx, r)
}

func (h *BufferedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &BufferedHandler{
		buffer: h.buffer,
		next:   h.next.WithAttrs(attrs),
		attrs:  append(h.attrs, attrs...),
		group:  h.group,
	}
}

func (h *BufferedHandler) WithGroup(name string) slog.Handler {
	newGroup := name
	if h.group != "" {
		newGroup = h.group + "." + name
	}
	return &BufferedHandler{
		buffer: h.buffer,
		next:   h.next.WithGroup(name),
		attrs:  h.attrs,
		group:  newGroup,
	}
}
