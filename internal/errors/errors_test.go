package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"codeberg.org/mutker/venuslog/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessage(t *testing.T) {
	f := errors.New()

	assert.Equal(t, "Invalid configuration", f.New(errors.ErrInvalidConfig).Error())
	assert.Equal(t, "custom", f.WithMessage(errors.ErrInternal, "custom").Error())
	assert.Equal(t, "Failed to read configuration: disk full",
		f.Wrap(errors.ErrReadConfig, stderrors.New("disk full")).Error())
	assert.Equal(t, "Invalid configuration: buffer_size",
		f.WithData(errors.ErrInvalidConfig, "buffer_size").Error())
}

func TestHasCode(t *testing.T) {
	f := errors.New()
	cause := stderrors.New("boom")
	inner := f.Wrap(errors.ErrTimeout, cause)
	outer := f.Wrap(errors.ErrReadConfig, inner)
	wrapped := fmt.Errorf("context: %w", outer)

	assert.True(t, errors.HasCode(wrapped, errors.ErrReadConfig))
	assert.True(t, errors.HasCode(wrapped, errors.ErrTimeout))
	assert.False(t, errors.HasCode(wrapped, errors.ErrInvalidConfig))
	assert.False(t, errors.HasCode(cause, errors.ErrTimeout))
	assert.True(t, errors.Is(wrapped, cause))
}
