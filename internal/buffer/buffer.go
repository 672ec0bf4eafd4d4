// Package buffer queues accepted snapshots in memory and hands them to a
// writer in whole, ordered batches.
package buffer

import (
	"sync"
	"time"

	"codeberg.org/mutker/venuslog/internal/errors"
	"codeberg.org/mutker/venuslog/internal/sample"
)

// Writer persists a batch and reports how many leading snapshots were
// durably written before any error.
type Writer interface {
	Append(batch []sample.Snapshot) (int, error)
}

type Config struct {
	// Size is the queue length that forces a flush.
	Size int
	// MaxAge forces a flush once the oldest queued snapshot is older.
	MaxAge time.Duration
	// MaxFailures is the number of consecutive failed flushes after which
	// the pending batch is dropped.
	MaxFailures int
}

func (c Config) Validate() error {
	errFactory := errors.New()

	switch {
	case c.Size <= 0:
		return errFactory.WithData(ErrInvalidConfig, "buffer size must be positive")
	case c.MaxAge <= 0:
		return errFactory.WithData(ErrInvalidConfig, "buffer max age must be positive")
	case c.MaxFailures <= 0:
		return errFactory.WithData(ErrInvalidConfig, "max flush failures must be positive")
	}
	return nil
}

// FlushResult describes one flush attempt.
type FlushResult struct {
	Written int
	Dropped int
}

type Buffer struct {
	cfg    Config
	writer Writer

	// flushMu serializes writer calls so batches reach the writer in queue order.
	flushMu sync.Mutex

	mu       sync.Mutex
	queue    []sample.Snapshot
	failures int
}

func New(cfg Config, writer Writer) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Buffer{
		cfg:    cfg,
		writer: writer,
		queue:  make([]sample.Snapshot, 0, cfg.Size),
	}, nil
}

// Append queues s and flushes synchronously once a threshold is reached.
// The returned error reports a failed flush; s itself is always queued.
func (b *Buffer) Append(s sample.Snapshot) (FlushResult, error) {
	b.mu.Lock()
	b.queue = append(b.queue, s)
	due := b.dueLocked(s.Timestamp)
	b.mu.Unlock()

	if !due {
		return FlushResult{}, nil
	}
	return b.flush()
}

// FlushIfNeeded flushes when the queue is full or its oldest entry is stale.
func (b *Buffer) FlushIfNeeded(now time.Time) (FlushResult, error) {
	b.mu.Lock()
	due := b.dueLocked(now)
	b.mu.Unlock()

	if !due {
		return FlushResult{}, nil
	}
	return b.flush()
}

// Flush hands everything queued to the writer regardless of thresholds.
func (b *Buffer) Flush() (FlushResult, error) {
	return b.flush()
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Failures returns the number of consecutive failed flushes.
func (b *Buffer) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Buffer) dueLocked(now time.Time) bool {
	if len(b.queue) == 0 {
		return false
	}
	if len(b.queue) >= b.cfg.Size {
		return true
	}
	return now.Sub(b.queue[0].Timestamp) > b.cfg.MaxAge
}

func (b *Buffer) flush() (FlushResult, error) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.queue
	b.queue = make([]sample.Snapshot, 0, b.cfg.Size)
	b.mu.Unlock()

	if len(batch) == 0 {
		return FlushResult{}, nil
	}

	n, err := b.writer.Append(batch)
	n = max(0, min(n, len(batch)))

	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		return FlushResult{Written: len(batch)}, nil
	}

	errFactory := errors.New()
	rest := batch[n:]
	b.failures++

	if b.failures >= b.cfg.MaxFailures {
		b.failures = 0
		return FlushResult{Written: n, Dropped: len(rest)}, errFactory.
			WithData(ErrBatchDropped, struct {
				Dropped  int
				Attempts int
				Cause    string
			}{len(rest), b.cfg.MaxFailures, err.Error()})
	}

	// Unwritten snapshots go back in front of anything queued meanwhile.
	requeued := make([]sample.Snapshot, 0, len(rest)+len(b.queue))
	requeued = append(requeued, rest...)
	b.queue = append(requeued, b.queue...)

	return FlushResult{Written: n}, errFactory.Wrap(ErrFlushFailed, err)
}
