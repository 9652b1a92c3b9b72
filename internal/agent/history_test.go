package agent

import (
	"strconv"
	"testing"
	"time"
)

func rec(i int) MessageRecord {
	return MessageRecord{
		ID:        strconv.Itoa(i),
		Direction: DirectionReceived,
		Peer:      "node-x",
		Type:      "text",
		Payload:   strconv.Itoa(i),
		Timestamp: time.Now(),
	}
}

func TestMessageHistory_RecentOrderAndLimit(t *testing.T) {
	h := NewMessageHistory(10)
	for i := 0; i < 5; i++ {
		h.Add(rec(i))
	}

	all := h.Recent(0)
	if len(all) != 5 {
		t.Fatalf("Recent(0) returned %d records, want 5", len(all))
	}
	if all[0].ID != "0" || all[4].ID != "4" {
		t.Errorf("order = %s..%s, want 0..4", all[0].ID, all[4].ID)
	}

	last := h.Recent(2)
	if len(last) != 2 || last[0].ID != "3" || last[1].ID != "4" {
		t.Errorf("Recent(2) = %+v, want records 3 and 4", last)
	}
}

func TestMessageHistory_EvictsOldestWhenFull(t *testing.T) {
	h := NewMessageHistory(3)
	for i := 0; i < 7; i++ {
		h.Add(rec(i))
	}

	if h.Count() != 3 {
		t.Fatalf("count = %d, want 3", h.Count())
	}

	got := h.Recent(0)
	for i, want := range []string{"4", "5", "6"} {
		if got[i].ID != want {
			t.Errorf("record %d = %s, want %s", i, got[i].ID, want)
		}
	}

	// A window smaller than the ring still lands on the newest records.
	if got := h.Recent(1); len(got) != 1 || got[0].ID != "6" {
		t.Errorf("Recent(1) = %+v, want record 6", got)
	}
}
