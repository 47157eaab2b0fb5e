package daemon

import (
	"context"
	"log/slog"
	"time"
)

const (
	sleepTick      = time.Second
	sleepThreshold = 5 * time.Second
)

// SleepWatcher detects host sleep by watching for gaps between ticks.
// After a wake every backoff is stale, so the daemon redials right away.
type SleepWatcher struct {
	onWake    func(gap time.Duration)
	tick      time.Duration
	threshold time.Duration
	now       func() time.Time
}

// NewSleepWatcher creates a watcher that calls onWake after a sleep
func NewSleepWatcher(onWake func(gap time.Duration)) *SleepWatcher {
	return &SleepWatcher{
		onWake:    onWake,
		tick:      sleepTick,
		threshold: sleepThreshold,
		now:       time.Now,
	}
}

// Run watches until ctx is done
func (w *SleepWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	last := w.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last = w.check(last, w.now())
		}
	}
}

// check returns the new reference time, firing onWake if the gap since
// last is too long for a ticker that was running.
func (w *SleepWatcher) check(last, now time.Time) time.Time {
	if gap := now.Sub(last); gap > w.threshold {
		slog.Info("Detected system wake", "gap", gap.Round(time.Second))
		if w.onWake != nil {
			w.onWake(gap)
		}
	}
	return now
}
