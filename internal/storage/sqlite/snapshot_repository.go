package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/download_coordinator/internal/storage"
)

// SnapshotRepository stores the coordinator snapshot as a JSON document in a
// single row keyed by storage.SnapshotKey.
type SnapshotRepository struct {
	db *sql.DB
}

func NewSnapshotRepository(dbConn *sql.DB) *SnapshotRepository {
	return &SnapshotRepository{db: dbConn}
}

// Load returns storage.ErrNotFound when no snapshot was ever saved.
func (r *SnapshotRepository) Load(ctx context.Context) (storage.Snapshot, error) {
	var raw []byte

	err := r.db.QueryRowContext(ctx, `SELECT value FROM coordinator_state WHERE key = ?`, storage.SnapshotKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.NewSnapshot(), storage.ErrNotFound
	}

	if err != nil {
		return storage.NewSnapshot(), err
	}

	snapshot := storage.NewSnapshot()
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return storage.NewSnapshot(), fmt.Errorf("failed to decode snapshot: %w", err)
	}

	return snapshot.Clone(), nil
}

func (r *SnapshotRepository) Save(ctx context.Context, snapshot storage.Snapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO coordinator_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, storage.SnapshotKey, raw, time.Now().Format(time.RFC3339))

	return err
}
