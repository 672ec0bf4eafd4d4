package archive

import (
	"context"
	"time"

	"codeberg.org/mutker/venuslog/internal/sample"
)

// Collector mirrors flushed snapshots into a queryable store.
type Collector interface {
	Record(ctx context.Context, batch []sample.Snapshot) error
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// Repository defines the interface for snapshot storage
type Repository interface {
	Insert(ctx context.Context, batch []sample.Snapshot) error
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
