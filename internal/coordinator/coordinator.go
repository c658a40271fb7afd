// Package coordinator accepts download submissions from requesters,
// suppresses duplicates within a batch and routes outcomes back.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/italolelis/download_coordinator/internal/cleanup"
	"github.com/italolelis/download_coordinator/internal/dispatch"
	"github.com/italolelis/download_coordinator/internal/logctx"
	"github.com/italolelis/download_coordinator/internal/message"
	"github.com/italolelis/download_coordinator/internal/router"
	"github.com/italolelis/download_coordinator/internal/storage"
	"github.com/italolelis/download_coordinator/internal/telemetry"
	"github.com/italolelis/download_coordinator/internal/tracker"
	"github.com/italolelis/download_coordinator/internal/transfer"
	"golang.org/x/sync/errgroup"
)

var (
	ErrEmptyRequesterID = errors.New("requester id must not be empty")
	ErrEmptyURL         = errors.New("url must not be empty")
)

// Coordinator wires the tracker, dispatcher, router and reaper together.
type Coordinator struct {
	subsystem  transfer.DownloadSubsystem
	tracker    *tracker.Tracker
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	reaper     *cleanup.Reaper
	telemetry  *telemetry.Telemetry
}

// New builds a coordinator. notifier delivers outcomes to requesters and
// registry tells the reaper which requesters still exist.
func New(
	subsystem transfer.DownloadSubsystem,
	store storage.StateStore,
	notifier router.Notifier,
	registry cleanup.Registry,
	tel *telemetry.Telemetry,
) *Coordinator {
	tr := tracker.New(store, tel)
	rt := router.New(notifier, tr, tel)

	return &Coordinator{
		subsystem:  subsystem,
		tracker:    tr,
		router:     rt,
		dispatcher: dispatch.New(subsystem, rt, tr, tel),
		reaper:     cleanup.NewReaper(tr, registry, tel),
		telemetry:  tel,
	}
}

// Submit deduplicates req and dispatches it when accepted. A synchronous
// subsystem rejection is reported in the reply and returned as a
// *transfer.DispatchError.
func (c *Coordinator) Submit(ctx context.Context, req message.SubmitRequest) (message.SubmitReply, error) {
	if req.RequesterID == "" {
		return message.SubmitReply{}, ErrEmptyRequesterID
	}

	if req.URL == "" {
		return message.SubmitReply{}, ErrEmptyURL
	}

	ctx = logctx.WithRequester(ctx, req.RequesterID)
	logger := logctx.LoggerFromContext(ctx)

	result, err := c.tracker.Submit(ctx, req.RequesterID, req.BatchNumber, req.ItemID)
	if err != nil {
		return message.SubmitReply{}, err
	}

	if result == tracker.Duplicate {
		c.telemetry.RecordSubmission(ctx, "duplicate")
		logger.DebugContext(ctx, "duplicate submission ignored", "item_id", req.ItemID, "batch_number", req.BatchNumber)

		return message.SubmitReply{Accepted: false}, nil
	}

	if err := c.dispatcher.Dispatch(ctx, req.RequesterID, req.ItemID, req.URL, req.Filename); err != nil {
		c.telemetry.RecordSubmission(ctx, "rejected")

		return message.SubmitReply{Accepted: false, Error: err.Error()}, err
	}

	c.telemetry.RecordSubmission(ctx, "accepted")

	return message.SubmitReply{Accepted: true}, nil
}

// Reset clears a requester's batch state. Downloads already in flight still
// notify the requester when they finish.
func (c *Coordinator) Reset(ctx context.Context, req message.ResetRequest) error {
	if req.RequesterID == "" {
		return ErrEmptyRequesterID
	}

	if err := c.tracker.Reset(ctx, req.RequesterID); err != nil {
		return err
	}

	logctx.LoggerFromContext(ctx).DebugContext(logctx.WithRequester(ctx, req.RequesterID), "requester state reset")

	return nil
}

// DispatchUntracked downloads a side file for a requester without dedup or
// notification.
func (c *Coordinator) DispatchUntracked(ctx context.Context, requesterID string, req message.FileRequest) error {
	if req.URL == "" {
		return ErrEmptyURL
	}

	return c.dispatcher.DispatchUntracked(logctx.WithRequester(ctx, requesterID), req.URL, req.Filename)
}

// Reinitialize forgets every requester and persists the empty state.
func (c *Coordinator) Reinitialize(ctx context.Context) error {
	c.tracker.Clear(ctx)

	if err := c.tracker.Flush(ctx); err != nil {
		return fmt.Errorf("failed to persist empty state: %w", err)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "coordinator state reinitialized")

	return nil
}

// ActiveDownloads returns the number of dispatched items without a terminal event.
func (c *Coordinator) ActiveDownloads() int {
	return c.router.Active()
}

// Run starts the event router, the snapshot persister, the reaper and the
// subsystem's own loop, and blocks until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.router.Run(ctx, c.subsystem.Events())
	})

	g.Go(func() error {
		return c.tracker.Run(ctx)
	})

	g.Go(func() error {
		return c.reaper.Run(ctx)
	})

	if r, ok := c.subsystem.(transfer.Runner); ok {
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	return g.Wait()
}
