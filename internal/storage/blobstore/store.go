// Package blobstore keeps the coordinator snapshot as a single JSON object in
// a gocloud.dev bucket (file://, mem://, s3://, gs://).
package blobstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/italolelis/download_coordinator/internal/storage"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	// Bucket drivers selectable through STATE_BLOB_URL.
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

const objectKey = storage.SnapshotKey + ".json"

type Store struct {
	bucket *blob.Bucket
}

// Open opens the bucket at bucketURL.
func Open(ctx context.Context, bucketURL string) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %q: %w", bucketURL, err)
	}

	return New(bucket), nil
}

func New(bucket *blob.Bucket) *Store {
	return &Store{bucket: bucket}
}

func (s *Store) Load(ctx context.Context) (storage.Snapshot, error) {
	raw, err := s.bucket.ReadAll(ctx, objectKey)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return storage.NewSnapshot(), storage.ErrNotFound
		}

		return storage.NewSnapshot(), fmt.Errorf("failed to read snapshot: %w", err)
	}

	snapshot := storage.NewSnapshot()
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return storage.NewSnapshot(), fmt.Errorf("failed to decode snapshot: %w", err)
	}

	return snapshot.Clone(), nil
}

func (s *Store) Save(ctx context.Context, snapshot storage.Snapshot) error {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if err := s.bucket.WriteAll(ctx, objectKey, raw, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	return nil
}

func (s *Store) Close() error {
	return s.bucket.Close()
}
