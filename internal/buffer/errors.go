package buffer

import "codeberg.org/mutker/venuslog/internal/errors"

const (
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrFlushFailed   = errors.ErrorCode("buffer_flush_failed")
	ErrBatchDropped  = errors.ErrorCode("buffer_batch_dropped")
)
