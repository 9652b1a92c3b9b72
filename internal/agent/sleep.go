package agent

import (
	"log/slog"
	"time"
)

// wakeGapThreshold is the tick gap beyond which the system is assumed to have
// been asleep. Ordinary scheduler delay stays well under it.
const wakeGapThreshold = 5 * time.Second

// WakeWatcher detects system sleep/wake by watching for gaps in a one-second
// ticker. After a wake the agent's heartbeat may be long overdue, so the
// registry could reap the node before the next scheduled beat; the onWake
// callback lets the agent sync immediately instead.
type WakeWatcher struct {
	onWake   func()
	ticker   *time.Ticker
	lastTick time.Time
	done     chan struct{}
}

// NewWakeWatcher creates a watcher invoking onWake after a detected wake.
func NewWakeWatcher(onWake func()) *WakeWatcher {
	return &WakeWatcher{
		onWake: onWake,
		done:   make(chan struct{}),
	}
}

// Start begins watching for wake events.
func (w *WakeWatcher) Start() {
	w.ticker = time.NewTicker(1 * time.Second)
	w.lastTick = time.Now()

	go func() {
		for {
			select {
			case <-w.done:
				return
			case now := <-w.ticker.C:
				gap := now.Sub(w.lastTick)
				if gap > wakeGapThreshold {
					slog.Info("detected system wake", "gap", gap)
					if w.onWake != nil {
						w.onWake()
					}
				}
				w.lastTick = now
			}
		}
	}()
}

// Stop halts the watcher.
func (w *WakeWatcher) Stop() {
	if w.ticker != nil {
		w.ticker.Stop()
	}
	close(w.done)
}
