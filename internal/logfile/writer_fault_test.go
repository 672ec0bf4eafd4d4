package logfile

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/venuslog/internal/errors"
	"codeberg.org/mutker/venuslog/internal/logger"
	"codeberg.org/mutker/venuslog/internal/sample"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// faultyFile wraps a real file and fails writes or syncs on demand.
type faultyFile struct {
	*os.File
	partial   int // bytes written before a failing write, -1 to write normally
	failSync  bool
	truncated int
}

func (f *faultyFile) Write(p []byte) (int, error) {
	if f.partial < 0 {
		return f.File.Write(p)
	}
	n, err := f.File.Write(p[:min(f.partial, len(p))])
	if err != nil {
		return n, err
	}
	return n, stderrors.New("no space left on device")
}

func (f *faultyFile) Sync() error {
	if f.failSync {
		return stderrors.New("input/output error")
	}
	return f.File.Sync()
}

func (f *faultyFile) Truncate(size int64) error {
	f.truncated++
	return f.File.Truncate(size)
}

type faultyOpener struct {
	failOpen int
	last     *faultyFile
}

func (o *faultyOpener) open(name string, flag int, perm os.FileMode) (logFile, error) {
	if o.failOpen > 0 {
		o.failOpen--
		return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrPermission}
	}
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	o.last = &faultyFile{File: f, partial: -1}
	return o.last, nil
}

var faultDay = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newFaultyWriter(t *testing.T) (*Writer, *faultyOpener, string) {
	t.Helper()

	dir := t.TempDir()
	w, err := NewWriter(Config{Dir: dir, Prefix: DefaultPrefix, Location: time.UTC}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	o := &faultyOpener{}
	w.openFile = o.open
	return w, o, filepath.Join(dir, "dbus_log_20240501.csv")
}

func rowAt(i int) sample.Snapshot {
	var v sample.Values
	v[sample.SoC] = sample.Known(float64(i))
	return sample.Snapshot{Timestamp: faultDay.Add(time.Duration(i) * time.Second), Values: v}
}

func fileLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
}

func TestPartialWriteIsTruncated(t *testing.T) {
	w, o, path := newFaultyWriter(t)

	n, err := w.Append([]sample.Snapshot{rowAt(0)})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	o.last.partial = 7
	n, err = w.Append([]sample.Snapshot{rowAt(1), rowAt(2)})
	assert.Equal(t, 0, n)
	assert.True(t, errors.HasCode(err, ErrWriteFailed))
	assert.Equal(t, 1, o.last.truncated)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "half-written row is removed")

	o.last.partial = -1
	n, err = w.Append([]sample.Snapshot{rowAt(1), rowAt(2)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	lines := fileLines(t, path)
	require.Len(t, lines, 4)
	assert.True(t, strings.HasSuffix(lines[2], ",1,,,,,"))
	assert.True(t, strings.HasSuffix(lines[3], ",2,,,,,"))
}

func TestFailedSyncDoesNotDuplicateRows(t *testing.T) {
	w, o, path := newFaultyWriter(t)

	_, err := w.Append([]sample.Snapshot{rowAt(0)})
	require.NoError(t, err)

	o.last.failSync = true
	n, err := w.Append([]sample.Snapshot{rowAt(1)})
	assert.Equal(t, 0, n)
	assert.True(t, errors.HasCode(err, ErrWriteFailed))
	assert.Len(t, fileLines(t, path), 2)

	o.last.failSync = false
	_, err = w.Append([]sample.Snapshot{rowAt(1)})
	require.NoError(t, err)

	lines := fileLines(t, path)
	require.Len(t, lines, 3)
	assert.True(t, strings.HasSuffix(lines[2], ",1,,,,,"))
}

func TestOpenFailureIsRetriedOnNextAppend(t *testing.T) {
	w, o, path := newFaultyWriter(t)
	o.failOpen = 1

	n, err := w.Append([]sample.Snapshot{rowAt(0)})
	assert.Equal(t, 0, n)
	assert.True(t, errors.HasCode(err, ErrRotateFailed))
	assert.Empty(t, w.CurrentPath())
	assert.NoFileExists(t, path)

	n, err = w.Append([]sample.Snapshot{rowAt(0)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, path, w.CurrentPath())
	assert.Len(t, fileLines(t, path), 2)
}

func TestRotationFailureKeepsEarlierDay(t *testing.T) {
	w, o, path := newFaultyWriter(t)

	next := rowAt(0)
	next.Timestamp = faultDay.AddDate(0, 0, 1)

	_, err := w.Append([]sample.Snapshot{rowAt(0)})
	require.NoError(t, err)

	o.failOpen = 1
	n, err := w.Append([]sample.Snapshot{rowAt(1), next})
	assert.Equal(t, 1, n, "rows of the open day are written before the switch")
	assert.True(t, errors.HasCode(err, ErrRotateFailed))
	assert.Len(t, fileLines(t, path), 3)

	n, err = w.Append([]sample.Snapshot{next})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "dbus_log_20240502.csv"), w.CurrentPath())
}
