package logger_test

import (
	"bytes"
	stderrors "errors"
	"testing"

	"codeberg.org/mutker/venuslog/internal/errors"
	"codeberg.org/mutker/venuslog/internal/logger"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, err := logger.ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, lvl)

	lvl, err = logger.ParseLevel("warning")
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, lvl)

	_, err = logger.ParseLevel("loud")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))
}

func TestErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf).With("component", "test")

	appErr := errors.New().Wrap(errors.ErrReadConfig, stderrors.New("disk full"))
	log.ErrorWithCode(appErr).Msg("write failed")

	out := buf.String()
	assert.Contains(t, out, `"error_code":"read_config_failed"`)
	assert.Contains(t, out, `"component":"test"`)
	assert.Contains(t, out, `"error":"disk full"`)
}
