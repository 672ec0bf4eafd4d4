package retention

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/venuslog/internal/errors"
	"codeberg.org/mutker/venuslog/internal/logfile"
	"codeberg.org/mutker/venuslog/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepContinuesAfterDeleteFailure(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 5, 20, 15, 0, 0, 0, time.UTC)

	var expired []string
	for _, daysAgo := range []int{10, 11, 12} {
		path := filepath.Join(dir, logfile.FileName(logfile.DefaultPrefix, now.AddDate(0, 0, -daysAgo), time.UTC))
		require.NoError(t, os.WriteFile(path, []byte("timestamp\n"), 0o644))
		expired = append(expired, path)
	}

	s, err := New(Config{Dir: dir, Days: 5, Location: time.UTC}, nil, logger.Nop())
	require.NoError(t, err)

	locked := expired[1]
	s.remove = func(path string) error {
		if path == locked {
			return &os.PathError{Op: "remove", Path: path, Err: os.ErrPermission}
		}
		return os.Remove(path)
	}

	result := s.Sweep(now)

	require.Len(t, result.Errors, 1)
	assert.True(t, errors.HasCode(result.Errors[0], ErrDeleteFailed))
	assert.ElementsMatch(t, []string{expired[0], expired[2]}, result.Deleted)
	assert.NoFileExists(t, expired[0])
	assert.FileExists(t, locked)
	assert.NoFileExists(t, expired[2])
	assert.Equal(t, int64(1), s.Stats().Errors)
	assert.Equal(t, int64(2), s.Stats().FilesDeleted)
}

func TestSweepSkipsFileRemovedConcurrently(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 5, 20, 15, 0, 0, 0, time.UTC)

	path := filepath.Join(dir, logfile.FileName(logfile.DefaultPrefix, now.AddDate(0, 0, -10), time.UTC))
	require.NoError(t, os.WriteFile(path, []byte("timestamp\n"), 0o644))

	s, err := New(Config{Dir: dir, Days: 5, Location: time.UTC}, nil, logger.Nop())
	require.NoError(t, err)
	s.remove = func(string) error { return os.ErrNotExist }

	result := s.Sweep(now)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Deleted)
}
