// Package dispatch hands accepted submissions to the download subsystem.
package dispatch

import (
	"context"

	"github.com/italolelis/download_coordinator/internal/logctx"
	"github.com/italolelis/download_coordinator/internal/router"
	"github.com/italolelis/download_coordinator/internal/telemetry"
	"github.com/italolelis/download_coordinator/internal/transfer"
)

// Dispatcher submits downloads and registers their correlation records.
// It does no queueing; concurrency is bounded by the callers.
type Dispatcher struct {
	subsystem transfer.DownloadSubsystem
	router    *router.Router
	releaser  router.Releaser
	telemetry *telemetry.Telemetry
}

func New(subsystem transfer.DownloadSubsystem, r *router.Router, releaser router.Releaser, tel *telemetry.Telemetry) *Dispatcher {
	return &Dispatcher{
		subsystem: subsystem,
		router:    r,
		releaser:  releaser,
		telemetry: tel,
	}
}

// Dispatch submits an accepted item. When the subsystem rejects it
// synchronously the slot is released and a *transfer.DispatchError returned.
func (d *Dispatcher) Dispatch(ctx context.Context, requesterID, itemID, url, filename string) error {
	logger := logctx.LoggerFromContext(ctx)
	req := transfer.NewRequest(url, filename)

	handle, err := d.router.Track(ctx, router.Correlation{
		RequesterID: requesterID,
		ItemID:      itemID,
		URL:         url,
	}, func(ctx context.Context) (transfer.TaskHandle, error) {
		return d.subsystem.SubmitDownload(ctx, req)
	})
	if err != nil {
		d.releaser.Release(ctx, requesterID, itemID)
		d.telemetry.RecordDispatch(ctx, "tracked", "rejected")

		logger.ErrorContext(ctx, "download subsystem rejected item", "item_id", itemID, "url", url, "err", err)

		return &transfer.DispatchError{RequesterID: requesterID, ItemID: itemID, URL: url, Err: err}
	}

	d.telemetry.RecordDispatch(ctx, "tracked", "submitted")
	logger.DebugContext(ctx, "item dispatched", "item_id", itemID, "task_handle", handle, "filename", filename)

	return nil
}

// DispatchUntracked submits a side file. No record is kept, so its events
// are ignored and no notification is sent.
func (d *Dispatcher) DispatchUntracked(ctx context.Context, url, filename string) error {
	handle, err := d.subsystem.SubmitDownload(ctx, transfer.NewRequest(url, filename))
	if err != nil {
		d.telemetry.RecordDispatch(ctx, "untracked", "rejected")

		return &transfer.DispatchError{URL: url, Err: err}
	}

	d.telemetry.RecordDispatch(ctx, "untracked", "submitted")
	logctx.LoggerFromContext(ctx).DebugContext(ctx, "side file dispatched", "task_handle", handle, "filename", filename)

	return nil
}
