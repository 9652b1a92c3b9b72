package agent

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"
)

func entryAt(level, msg string, ts time.Time) LogEntry {
	return LogEntry{Timestamp: ts, Level: level, Message: msg}
}

func TestLogBuffer_WrapsWhenFull(t *testing.T) {
	b := NewLogBuffer(3)
	now := time.Now()

	for i := 0; i < 5; i++ {
		b.Add(entryAt("INFO", strconv.Itoa(i), now.Add(time.Duration(i)*time.Second)))
	}

	if b.Count() != 3 {
		t.Fatalf("count = %d, want 3", b.Count())
	}

	got := b.Query(LogQuery{})
	if len(got) != 3 {
		t.Fatalf("query returned %d entries, want 3", len(got))
	}
	// Oldest two were overwritten; the rest stay in order.
	for i, want := range []string{"2", "3", "4"} {
		if got[i].Message != want {
			t.Errorf("entry %d = %q, want %q", i, got[i].Message, want)
		}
	}
}

func TestLogBuffer_LevelFilter(t *testing.T) {
	b := NewLogBuffer(10)
	now := time.Now()

	b.Add(entryAt("DEBUG", "d", now))
	b.Add(entryAt("INFO", "i", now))
	b.Add(entryAt("WARN", "w", now))
	b.Add(entryAt("ERROR", "e", now))

	got := b.Query(LogQuery{Level: "WARN"})
	if len(got) != 2 {
		t.Fatalf("WARN+ query returned %d entries, want 2", len(got))
	}
	if got[0].Message != "w" || got[1].Message != "e" {
		t.Errorf("WARN+ query = %q, %q", got[0].Message, got[1].Message)
	}

	// Unknown level strings never filter anything out.
	if got := b.Query(LogQuery{Level: "LOUD"}); len(got) != 4 {
		t.Errorf("unknown level query returned %d entries, want 4", len(got))
	}
}

func TestLogBuffer_TimeWindowAndLimit(t *testing.T) {
	b := NewLogBuffer(10)
	base := time.Now()

	for i := 0; i < 6; i++ {
		b.Add(entryAt("INFO", strconv.Itoa(i), base.Add(time.Duration(i)*time.Minute)))
	}

	since := base.Add(90 * time.Second)
	until := base.Add(270 * time.Second)
	got := b.Query(LogQuery{Since: &since, Until: &until})
	if len(got) != 3 {
		t.Fatalf("window query returned %d entries, want 3", len(got))
	}
	if got[0].Message != "2" || got[2].Message != "4" {
		t.Errorf("window = %q..%q, want 2..4", got[0].Message, got[2].Message)
	}

	// Limit keeps the newest matches.
	got = b.Query(LogQuery{Limit: 2})
	if len(got) != 2 || got[0].Message != "4" || got[1].Message != "5" {
		t.Errorf("limited query = %+v, want entries 4 and 5", got)
	}
}

func TestBufferedHandler_CapturesAndForwards(t *testing.T) {
	buf := NewLogBuffer(100)
	next := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewBufferedHandler(buf, next))

	logger.Info("connected", "peer", "node-b", "port", 9002)
	logger.With("node_id", "node-a").Warn("slow heartbeat")

	entries := buf.Query(LogQuery{})
	if len(entries) != 2 {
		t.Fatalf("captured %d entries, want 2", len(entries))
	}

	first := entries[0]
	if first.Level != "INFO" || first.Message != "connected" {
		t.Errorf("entry = %s %q, want INFO \"connected\"", first.Level, first.Message)
	}
	if first.Fields["peer"] != "node-b" {
		t.Errorf("fields = %+v, want peer=node-b", first.Fields)
	}

	second := entries[1]
	if second.Fields["node_id"] != "node-a" {
		t.Errorf("WithAttrs fields = %+v, want node_id=node-a", second.Fields)
	}
}

func TestBufferedHandler_GroupPrefixesKeys(t *testing.T) {
	buf := NewLogBuffer(10)
	next := slog.NewTextHandler(io.Discard, nil)
	logger := slog.New(NewBufferedHandler(buf, next)).WithGroup("registry")

	logger.Info("request", "path", "/discover")

	entries := buf.Query(LogQuery{})
	if len(entries) != 1 {
		t.Fatalf("captured %d entries, want 1", len(entries))
	}
	if entries[0].Fields["registry.path"] != "/discover" {
		t.Errorf("fields = %+v, want registry.path=/discover", entries[0].Fields)
	}
}

func TestBufferedHandler_RespectsNextLevel(t *testing.T) {
	buf := NewLogBuffer(10)
	next := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn})
	h := NewBufferedHandler(buf, next)

	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("handler should not be enabled below the next handler's level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("handler should be enabled at error level")
	}
}
