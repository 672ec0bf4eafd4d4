package coordinator

import "codeberg.org/mutker/venuslog/internal/errors"

const (
	ErrInvalidConfig  = errors.ErrInvalidConfig
	ErrShutdownFailed = errors.ErrorCode("coordinator_shutdown_failed")
)
