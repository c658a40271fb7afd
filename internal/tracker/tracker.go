// Package tracker keeps the per-requester batch number and the list of item
// ids accepted in that batch, and persists them in the background.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/italolelis/download_coordinator/internal/logctx"
	"github.com/italolelis/download_coordinator/internal/storage"
	"github.com/italolelis/download_coordinator/internal/telemetry"
)

// tombstone replaces a released id so the slot stays in place.
const tombstone = ""

const (
	finalFlushTimeout = 5 * time.Second
	loadTimeout       = 10 * time.Second
)

var (
	// ErrEmptyItemID is returned for an empty item id, which would be
	// indistinguishable from a tombstone.
	ErrEmptyItemID = errors.New("item id must not be empty")

	// ErrStateUnavailable is returned while the stored snapshot cannot be read.
	// The next call retries the load.
	ErrStateUnavailable = errors.New("tracker state unavailable")
)

// Result is the outcome of a submission.
type Result int

const (
	Accepted Result = iota
	Duplicate
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Tracker is the in-memory source of truth for submissions. All mutations are
// serialized by a single mutex. The persisted snapshot is read once, by the
// first call after start that manages to load it. Until then calls that
// depend on prior state fail and nothing is written back.
type Tracker struct {
	store     storage.StateStore
	telemetry *telemetry.Telemetry

	mu     sync.Mutex
	loaded bool
	state  storage.Snapshot

	saveMu sync.Mutex
	dirty  chan struct{}
}

// New creates a tracker backed by store. A nil store keeps state in memory only.
func New(store storage.StateStore, tel *telemetry.Telemetry) *Tracker {
	return &Tracker{
		store:     store,
		telemetry: tel,
		state:     storage.NewSnapshot(),
		dirty:     make(chan struct{}, 1),
	}
}

// Submit records itemID for requesterID in batch. A batch number different
// from the stored one starts a new batch and forgets the previous ids.
func (t *Tracker) Submit(ctx context.Context, requesterID string, batch int64, itemID string) (Result, error) {
	if itemID == tombstone {
		return Duplicate, ErrEmptyItemID
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureLoaded(ctx); err != nil {
		return Duplicate, err
	}

	if stored, ok := t.state.BatchNumberByRequester[requesterID]; !ok || stored != batch {
		t.state.BatchNumberByRequester[requesterID] = batch
		t.state.SubmissionIDsByRequester[requesterID] = nil
	}

	if slices.Contains(t.state.SubmissionIDsByRequester[requesterID], itemID) {
		return Duplicate, nil
	}

	t.state.SubmissionIDsByRequester[requesterID] = append(t.state.SubmissionIDsByRequester[requesterID], itemID)
	t.markDirty()

	return Accepted, nil
}

// Release tombstones itemID so the same batch may submit it again. It reports
// whether the id was found.
func (t *Tracker) Release(ctx context.Context, requesterID, itemID string) bool {
	if itemID == tombstone {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureLoaded(ctx); err != nil {
		return false
	}

	ids := t.state.SubmissionIDsByRequester[requesterID]

	idx := slices.Index(ids, itemID)
	if idx < 0 {
		return false
	}

	ids[idx] = tombstone
	t.markDirty()

	return true
}

// Reset clears the batch number and submission list of one requester.
func (t *Tracker) Reset(ctx context.Context, requesterID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureLoaded(ctx); err != nil {
		return err
	}

	if t.delete(requesterID) {
		t.markDirty()
	}

	return nil
}

// Remove drops the state of every given requester and returns how many had state.
func (t *Tracker) Remove(ctx context.Context, requesterIDs ...string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureLoaded(ctx); err != nil {
		return 0
	}

	removed := 0

	for _, id := range requesterIDs {
		if t.delete(id) {
			removed++
		}
	}

	if removed > 0 {
		t.markDirty()
	}

	return removed
}

// Clear drops all state, regardless of what the snapshot holds.
func (t *Tracker) Clear(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.loaded = true
	t.state = storage.NewSnapshot()
	t.markDirty()
}

// Requesters lists every requester with tracked state.
func (t *Tracker) Requesters(ctx context.Context) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ensureLoaded(ctx); err != nil {
		return nil
	}

	ids := make([]string, 0, len(t.state.BatchNumberByRequester))
	for id := range t.state.BatchNumberByRequester {
		ids = append(ids, id)
	}

	for id := range t.state.SubmissionIDsByRequester {
		if _, ok := t.state.BatchNumberByRequester[id]; !ok {
			ids = append(ids, id)
		}
	}

	slices.Sort(ids)

	return ids
}

// Snapshot returns a copy of the current state, which is empty while the
// stored snapshot cannot be read.
func (t *Tracker) Snapshot(ctx context.Context) storage.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	_ = t.ensureLoaded(ctx)

	return t.state.Clone()
}

// Run writes the snapshot whenever state changes until ctx is done, then
// performs a last write if one is pending.
func (t *Tracker) Run(ctx context.Context) error {
	for {
		select {
		case <-t.dirty:
			t.save(ctx)
		case <-ctx.Done():
			select {
			case <-t.dirty:
				flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
				t.save(flushCtx)
				cancel()
			default:
			}

			return nil
		}
	}
}

// Flush writes the current state synchronously.
func (t *Tracker) Flush(ctx context.Context) error {
	select {
	case <-t.dirty:
	default:
	}

	return t.save(ctx)
}

// ensureLoaded reads the stored snapshot unless that already succeeded. The
// load is detached from the caller's cancellation so a disconnecting client
// cannot fail it.
func (t *Tracker) ensureLoaded(ctx context.Context) error {
	if t.loaded {
		return nil
	}

	if t.store == nil {
		t.loaded = true

		return nil
	}

	logger := logctx.LoggerFromContext(ctx)

	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
	defer cancel()

	snapshot, err := t.store.Load(loadCtx)

	switch {
	case errors.Is(err, storage.ErrNotFound):
		t.loaded = true

		return nil
	case err != nil:
		logger.ErrorContext(ctx, "failed to load tracker snapshot", "err", err)
		t.telemetry.RecordSystemError(ctx, "tracker", "snapshot_load")

		return fmt.Errorf("%w: %w", ErrStateUnavailable, err)
	}

	t.state = snapshot.Clone()
	t.loaded = true

	logger.InfoContext(ctx, "tracker state rehydrated", "requesters", len(t.state.BatchNumberByRequester))

	return nil
}

func (t *Tracker) delete(requesterID string) bool {
	_, hadBatch := t.state.BatchNumberByRequester[requesterID]
	_, hadIDs := t.state.SubmissionIDsByRequester[requesterID]

	delete(t.state.BatchNumberByRequester, requesterID)
	delete(t.state.SubmissionIDsByRequester, requesterID)

	return hadBatch || hadIDs
}

func (t *Tracker) markDirty() {
	select {
	case t.dirty <- struct{}{}:
	default:
	}
}

// save takes the snapshot under saveMu so a later write always carries
// state at least as new as an earlier one. Nothing is written before the
// stored snapshot has been read.
func (t *Tracker) save(ctx context.Context) error {
	if t.store == nil {
		return nil
	}

	t.saveMu.Lock()
	defer t.saveMu.Unlock()

	t.mu.Lock()
	if !t.loaded {
		t.mu.Unlock()

		return nil
	}

	snapshot := t.state.Clone()
	t.mu.Unlock()

	if err := t.store.Save(ctx, snapshot); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to persist tracker snapshot", "err", err)
		t.telemetry.RecordSnapshotWrite(ctx, "error")

		return err
	}

	t.telemetry.RecordSnapshotWrite(ctx, "success")

	return nil
}
