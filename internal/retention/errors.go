package retention

import "codeberg.org/mutker/venuslog/internal/errors"

const (
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrListFailed    = errors.ErrorCode("retention_list_failed")
	ErrDeleteFailed  = errors.ErrorCode("retention_delete_failed")
)
