package gcsync

import (
	"context"
	"time"
)

// RunPeriodic drives the engine for the life of a stream: an optional
// initial sync, a sync every interval while ctx is live, and a final sync
// on shutdown. Each completed run is handed to report, which streams the
// stats line to the client; report may be nil.
func (e *Engine) RunPeriodic(ctx context.Context, interval time.Duration, syncOnStart bool, report func(Stats)) {
	emit := func(runCtx context.Context) {
		stats, err := e.Sync(runCtx)
		if err != nil {
			e.logger.Warn("Sync run failed: %v", err)
			return
		}
		if report != nil {
			report(stats)
		}
	}

	if syncOnStart {
		emit(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			emit(ctx)
		case <-ctx.Done():
			// Final reconcile so work done right before shutdown still
			// reaches the remote side.
			finalCtx, cancel := context.WithTimeout(context.Background(), interval)
			emit(finalCtx)
			cancel()
			return
		}
	}
}
