package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}

// StrategyArchiver snapshots a strategy and its execution history to cold
// storage before the row is purged.
type StrategyArchiver interface {
	ArchiveStrategy(ctx context.Context, s Strategy, execs []ExecutionRecord) (string, error)
}
