package bidding

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const reaperBatchSize = 100

// Reaper sweeps OPEN windows past their deadline and expires them. One
// sweep runs at a time per instance; a tick that fires while the
// previous sweep is still running is skipped. Per-window failures are
// isolated so one bad window never stalls the rest of the batch.
type Reaper struct {
	mgr      *Manager
	repo     Repository
	interval time.Duration
	log      *slog.Logger
	running  atomic.Bool
}

func NewReaper(mgr *Manager, repo Repository, interval time.Duration, log *slog.Logger) *Reaper {
	return &Reaper{
		mgr:      mgr,
		repo:     repo,
		interval: interval,
		log:      log.With("component", "bidding-reaper"),
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("reaper started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep expires every overdue window once. Returns the number of windows
// expired.
func (r *Reaper) Sweep(ctx context.Context) int {
	if !r.running.CompareAndSwap(false, true) {
		return 0
	}
	defer r.running.Store(false)

	if r.mgr.metrics != nil {
		r.mgr.metrics.ReaperSweeps.Inc()
	}

	windows, err := r.repo.ExpiredOpenWindows(ctx, r.mgr.now().UTC(), reaperBatchSize)
	if err != nil {
		r.log.Error("expired window query failed", "error", err)
		return 0
	}

	expired := 0
	for _, w := range windows {
		if ctx.Err() != nil {
			return expired
		}
		if err := r.mgr.ExpireWindow(ctx, w.ID); err != nil {
			if r.mgr.metrics != nil {
				r.mgr.metrics.ReaperFailures.Inc()
			}
			r.log.Error("window expiry failed", "windowId", w.ID, "error", err)
			continue
		}
		expired++
	}
	if expired > 0 {
		r.log.Info("sweep complete", "expired", expired)
	}
	return expired
}
