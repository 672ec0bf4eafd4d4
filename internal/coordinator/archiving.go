package coordinator

import (
	"context"

	"codeberg.org/mutker/venuslog/internal/archive"
	"codeberg.org/mutker/venuslog/internal/buffer"
	"codeberg.org/mutker/venuslog/internal/logger"
	"codeberg.org/mutker/venuslog/internal/sample"
)

// ArchivingWriter mirrors every snapshot the wrapped writer persisted into
// the archive. Archive failures never fail the flush.
type ArchivingWriter struct {
	next    buffer.Writer
	archive archive.Collector
	log     logger.Logger
}

func NewArchivingWriter(next buffer.Writer, a archive.Collector, log logger.Logger) *ArchivingWriter {
	return &ArchivingWriter{next: next, archive: a, log: log}
}

func (w *ArchivingWriter) Append(batch []sample.Snapshot) (int, error) {
	n, err := w.next.Append(batch)
	if n <= 0 {
		return n, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if aerr := w.archive.Record(ctx, batch[:min(n, len(batch))]); aerr != nil {
		w.log.Warn().Err(aerr).Int("rows", n).Msg("Failed to archive snapshots")
	}

	return n, err
}
