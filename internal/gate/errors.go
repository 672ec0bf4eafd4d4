package gate

import "codeberg.org/mutker/venuslog/internal/errors"

const (
	ErrInvalidInterval = errors.ErrInvalidInterval
	ErrIntervalOrder   = errors.ErrorCode("gate_min_exceeds_max")
)
