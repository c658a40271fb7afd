package cleanup

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/italolelis/download_coordinator/internal/logctx"
	"github.com/italolelis/download_coordinator/internal/telemetry"
)

// ReapInterval is how often stale requester state is swept.
const ReapInterval = time.Hour

// Registry answers whether a requester still exists.
type Registry interface {
	Exists(ctx context.Context, requesterID string) (bool, error)
}

// Tracker is the state the reaper shrinks.
type Tracker interface {
	Requesters(ctx context.Context) []string
	Remove(ctx context.Context, requesterIDs ...string) int
	Flush(ctx context.Context) error
}

// ReapStaleRequesters removes the state of every requester the registry no
// longer knows. A failed lookup counts as gone. It returns the removed ids.
func ReapStaleRequesters(ctx context.Context, tracker Tracker, registry Registry) []string {
	logger := logctx.LoggerFromContext(ctx)

	var gone []string

	for _, id := range tracker.Requesters(ctx) {
		exists, err := registry.Exists(ctx, id)
		if err != nil {
			logger.DebugContext(ctx, "requester lookup failed, treating as gone", "requester_id", id, "err", err)
		}

		if err != nil || !exists {
			gone = append(gone, id)
		}
	}

	if len(gone) == 0 {
		return nil
	}

	tracker.Remove(ctx, gone...)

	if err := tracker.Flush(ctx); err != nil {
		logger.WarnContext(ctx, "failed to persist state after reaping", "err", err)
	}

	logger.InfoContext(ctx, "reaped stale requesters", "count", len(gone))

	return gone
}

// Reaper runs ReapStaleRequesters on a fixed interval.
type Reaper struct {
	tracker   Tracker
	registry  Registry
	telemetry *telemetry.Telemetry
	interval  time.Duration
}

func NewReaper(tracker Tracker, registry Registry, tel *telemetry.Telemetry) *Reaper {
	return &Reaper{
		tracker:   tracker,
		registry:  registry,
		telemetry: tel,
		interval:  ReapInterval,
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "reaper sweep panicked",
				"err", fmt.Sprintf("%v", rec), "stack", string(debug.Stack()))
			r.telemetry.RecordSystemError(ctx, "reaper", "panic")
		}
	}()

	gone := ReapStaleRequesters(ctx, r.tracker, r.registry)
	r.telemetry.RecordReaped(ctx, len(gone))
}
