package source

import "codeberg.org/mutker/venuslog/internal/errors"

const (
	ErrConnectFailed   = errors.ErrorCode("source_connect_failed")
	ErrSubscribeFailed = errors.ErrorCode("source_subscribe_failed")
	ErrDiscoverFailed  = errors.ErrorCode("source_discover_failed")
	ErrReadFailed      = errors.ErrorCode("source_read_failed")
	ErrUnknownMetric   = errors.ErrorCode("source_unknown_metric")
)
