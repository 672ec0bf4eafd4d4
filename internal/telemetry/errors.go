package telemetry

import "codeberg.org/mutker/venuslog/internal/errors"

const (
	ErrServeFailed    = errors.ErrorCode("telemetry_serve_failed")
	ErrShutdownFailed = errors.ErrorCode("telemetry_shutdown_failed")
)
