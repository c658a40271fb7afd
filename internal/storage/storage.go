package storage

import (
	"context"
	"errors"
	"maps"
	"slices"
)

// SnapshotKey is the well-known key the coordinator state is stored under.
const SnapshotKey = "coordinator_state"

// ErrNotFound is returned by Load when nothing has been saved yet.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is the persisted form of the tracker state. A tombstoned
// submission id is stored as the empty string.
type Snapshot struct {
	BatchNumberByRequester   map[string]int64    `json:"batchNumberByRequester"`
	SubmissionIDsByRequester map[string][]string `json:"submissionIdsByRequester"`
}

// NewSnapshot returns an empty snapshot with initialized maps.
func NewSnapshot() Snapshot {
	return Snapshot{
		BatchNumberByRequester:   make(map[string]int64),
		SubmissionIDsByRequester: make(map[string][]string),
	}
}

// Clone returns a deep copy so the caller can hand it to a writer while the
// original keeps being mutated.
func (s Snapshot) Clone() Snapshot {
	c := Snapshot{
		BatchNumberByRequester:   maps.Clone(s.BatchNumberByRequester),
		SubmissionIDsByRequester: make(map[string][]string, len(s.SubmissionIDsByRequester)),
	}

	if c.BatchNumberByRequester == nil {
		c.BatchNumberByRequester = make(map[string]int64)
	}

	for k, v := range s.SubmissionIDsByRequester {
		c.SubmissionIDsByRequester[k] = slices.Clone(v)
	}

	return c
}

// StateStore persists the coordinator snapshot. Implementations are consulted
// on cold start only; Save is best effort.
type StateStore interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snapshot Snapshot) error
}
