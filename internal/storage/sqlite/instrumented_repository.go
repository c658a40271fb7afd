package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/download_coordinator/internal/storage"
	"github.com/italolelis/download_coordinator/internal/telemetry"
)

// InstrumentedSnapshotRepository wraps SnapshotRepository with telemetry.
type InstrumentedSnapshotRepository struct {
	repo      *SnapshotRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedSnapshotRepository creates a new instrumented snapshot repository.
func NewInstrumentedSnapshotRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedSnapshotRepository {
	return &InstrumentedSnapshotRepository{
		repo:      NewSnapshotRepository(dbConn),
		telemetry: tel,
	}
}

// Load reads the snapshot with telemetry. A missing snapshot is not recorded as an error.
func (r *InstrumentedSnapshotRepository) Load(ctx context.Context) (storage.Snapshot, error) {
	var result storage.Snapshot

	var notFound bool

	err := r.telemetry.InstrumentDBOperation(ctx, "load_snapshot", func(ctx context.Context) error {
		var err error

		result, err = r.repo.Load(ctx)
		if err == storage.ErrNotFound {
			notFound = true

			return nil
		}

		return err
	})

	if notFound {
		return result, storage.ErrNotFound
	}

	return result, err
}

// Save writes the snapshot with telemetry.
func (r *InstrumentedSnapshotRepository) Save(ctx context.Context, snapshot storage.Snapshot) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_snapshot", func(ctx context.Context) error {
		return r.repo.Save(ctx, snapshot)
	})
}
