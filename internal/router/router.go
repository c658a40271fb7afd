// Package router correlates download lifecycle events with the submissions
// that caused them and reports terminal outcomes to requesters.
package router

import (
	"context"
	"fmt"
	"regexp"
	"runtime/debug"
	"sync"
	"time"

	"github.com/italolelis/download_coordinator/internal/logctx"
	"github.com/italolelis/download_coordinator/internal/message"
	"github.com/italolelis/download_coordinator/internal/telemetry"
	"github.com/italolelis/download_coordinator/internal/transfer"
)

const restartDelay = time.Second

// opaqueName matches a UUID anywhere in the reported path.
var opaqueName = regexp.MustCompile(`[0-9a-z]{8}-[0-9a-z]{4}-[0-9a-z]{4}-[0-9a-z]{4}-[0-9a-z]{12}`)

// Notifier delivers a notification to a requester.
type Notifier interface {
	Notify(ctx context.Context, requesterID string, n message.Notification) error
}

// Releaser frees a submission slot so the item can be resubmitted.
type Releaser interface {
	Release(ctx context.Context, requesterID, itemID string) bool
}

// Correlation maps a live task back to the submission that created it.
type Correlation struct {
	Handle              transfer.TaskHandle
	RequesterID         string
	ItemID              string
	URL                 string
	RenamedToOpaqueName bool
}

// Router owns the correlation records until their task reaches a terminal state.
type Router struct {
	notifier  Notifier
	releaser  Releaser
	telemetry *telemetry.Telemetry

	mu      sync.Mutex
	records map[transfer.TaskHandle]*Correlation
}

func New(notifier Notifier, releaser Releaser, tel *telemetry.Telemetry) *Router {
	return &Router{
		notifier:  notifier,
		releaser:  releaser,
		telemetry: tel,
		records:   make(map[transfer.TaskHandle]*Correlation),
	}
}

// Track runs submit and registers rec under the returned handle. The router
// lock is held for the whole call so an event for the new handle can't be
// handled before its record exists.
func (r *Router) Track(ctx context.Context, rec Correlation, submit func(ctx context.Context) (transfer.TaskHandle, error)) (transfer.TaskHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handle, err := submit(ctx)
	if err != nil {
		return "", err
	}

	rec.Handle = handle
	r.records[handle] = &rec
	r.telemetry.AddActiveCorrelations(ctx, 1)

	return handle, nil
}

// Active returns the number of tasks still waiting for a terminal event.
func (r *Router) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.records)
}

// HandleEvent applies one lifecycle event. Events for unknown handles are
// ignored. An error takes precedence over completion when both are present.
func (r *Router) HandleEvent(ctx context.Context, ev transfer.LifecycleEvent) {
	r.mu.Lock()

	rec, ok := r.records[ev.Handle]
	if !ok {
		r.mu.Unlock()

		return
	}

	if ev.Filename != nil && opaqueName.MatchString(*ev.Filename) {
		rec.RenamedToOpaqueName = true
	}

	var n *message.Notification

	switch {
	case ev.Error != nil && *ev.Error != "":
		msg := message.DownloadError(rec.RequesterID, rec.ItemID, rec.URL, *ev.Error, rec.RenamedToOpaqueName)
		n = &msg
	case ev.State != nil && *ev.State == transfer.StateComplete:
		msg := message.Downloaded(rec.RequesterID, rec.ItemID, rec.URL, rec.RenamedToOpaqueName)
		n = &msg
	}

	if n == nil {
		r.mu.Unlock()

		return
	}

	delete(r.records, ev.Handle)
	r.mu.Unlock()

	r.telemetry.AddActiveCorrelations(ctx, -1)
	r.finish(ctx, *rec, *n)
}

func (r *Router) finish(ctx context.Context, rec Correlation, n message.Notification) {
	ctx = logctx.WithRequester(ctx, rec.RequesterID)
	logger := logctx.LoggerFromContext(ctx)

	if n.Status == message.StatusDownloadError {
		r.releaser.Release(ctx, rec.RequesterID, rec.ItemID)
		logger.WarnContext(ctx, "download failed, item released for retry",
			"item_id", rec.ItemID, "task_handle", rec.Handle, "err", n.Error)
	} else {
		logger.InfoContext(ctx, "download completed",
			"item_id", rec.ItemID, "task_handle", rec.Handle, "renamed_to_opaque_name", rec.RenamedToOpaqueName)
	}

	r.telemetry.RecordNotification(ctx, string(n.Status))

	if err := r.notifier.Notify(ctx, rec.RequesterID, n); err != nil {
		logger.WarnContext(ctx, "failed to notify requester", "item_id", rec.ItemID, "err", err)
	}
}

// Run consumes events until ctx is done or the channel closes. A panic while
// handling an event is logged and the loop restarts after a short delay.
func (r *Router) Run(ctx context.Context, events <-chan transfer.LifecycleEvent) error {
	logger := logctx.LoggerFromContext(ctx)

	for {
		done, err := r.consume(ctx, events)
		if done {
			return err
		}

		logger.ErrorContext(ctx, "event router stopped unexpectedly, restarting", "err", err)
		r.telemetry.RecordSystemError(ctx, "router", "panic")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(restartDelay):
		}
	}
}

func (r *Router) consume(ctx context.Context, events <-chan transfer.LifecycleEvent) (done bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			done = false
			err = fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-events:
			if !ok {
				return true, nil
			}

			r.HandleEvent(ctx, ev)
		}
	}
}
