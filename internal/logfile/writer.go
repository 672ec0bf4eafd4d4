// Package logfile appends snapshot rows to one CSV file per calendar day.
package logfile

import (
	"bytes"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/venuslog/internal/errors"
	"codeberg.org/mutker/venuslog/internal/logger"
	"codeberg.org/mutker/venuslog/internal/sample"
)

const (
	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644
)

// logFile is the part of *os.File the writer relies on.
type logFile interface {
	io.Writer
	io.ReaderAt
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

func openLogFile(name string, flag int, perm os.FileMode) (logFile, error) {
	return os.OpenFile(name, flag, perm)
}

type Config struct {
	Dir      string
	Prefix   string
	Location *time.Location
}

func (c Config) Validate() error {
	errFactory := errors.New()
	if c.Dir == "" {
		return errFactory.WithData(ErrInvalidConfig, "log directory is empty")
	}
	if c.Prefix == "" {
		return errFactory.WithData(ErrInvalidConfig, "file prefix is empty")
	}
	return nil
}

// Writer owns the file of the current day. Rows are appended, never rewritten.
type Writer struct {
	cfg Config
	log logger.Logger

	// OnRotate, when set, is called with the path of each newly opened file.
	OnRotate func(path string)

	openFile func(name string, flag int, perm os.FileMode) (logFile, error)

	mu     sync.RWMutex
	file   logFile
	day    string
	path   string
	closed bool
}

// NewWriter prepares dir and checks that it is writable. No file is opened
// until the first append.
func NewWriter(cfg Config, log logger.Logger) (*Writer, error) {
	errFactory := errors.New()

	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Dir, defaultDirPerm); err != nil {
		return nil, errFactory.Wrap(ErrDirNotWritable, err)
	}

	tmp, err := os.CreateTemp(cfg.Dir, ".writable-*")
	if err != nil {
		return nil, errFactory.Wrap(ErrDirNotWritable, err)
	}
	tmp.Close()
	if err := os.Remove(tmp.Name()); err != nil {
		return nil, errFactory.Wrap(ErrDirNotWritable, err)
	}

	return &Writer{cfg: cfg, log: log, openFile: openLogFile}, nil
}

// Append writes batch in order, switching files whenever a snapshot falls on
// a new day. It returns the number of snapshots durably written.
func (w *Writer) Append(batch []sample.Snapshot) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	written := 0
	for written < len(batch) {
		day := dayKey(batch[written].Timestamp, w.cfg.Location)
		end := written + 1
		for end < len(batch) && dayKey(batch[end].Timestamp, w.cfg.Location) == day {
			end++
		}

		if err := w.rotateLocked(batch[written].Timestamp, false); err != nil {
			return written, err
		}
		if err := w.writeLocked(batch[written:end]); err != nil {
			return written, err
		}
		written = end
	}

	return written, nil
}

// RotateIfNeeded switches to the file for now's day if another day is open
// or nothing is open yet.
func (w *Writer) RotateIfNeeded(now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked(now, false)
}

// Rotate closes the current file and reopens the file for now's day.
func (w *Writer) Rotate(now time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked(now, true)
}

// CurrentPath returns the path of the open file, or "" if none is open.
func (w *Writer) CurrentPath() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.path
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	return w.closeLocked()
}

func (w *Writer) rotateLocked(now time.Time, force bool) error {
	errFactory := errors.New()

	if w.closed {
		return errFactory.New(ErrWriterClosed)
	}

	day := dayKey(now, w.cfg.Location)
	if w.file != nil && w.day == day && !force {
		return nil
	}

	if err := w.closeLocked(); err != nil {
		w.log.Warn().Err(err).Msg("Failed to close previous log file")
	}

	path := filepath.Join(w.cfg.Dir, FileName(w.cfg.Prefix, now, w.cfg.Location))
	f, err := w.openFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, defaultFilePerm)
	if err != nil {
		return errFactory.Wrap(ErrRotateFailed, err)
	}

	if err := prepare(f); err != nil {
		f.Close()
		return errFactory.Wrap(ErrRotateFailed, err)
	}

	w.file = f
	w.day = day
	w.path = path

	w.log.Info().Str("path", path).Msg("Opened log file")
	if w.OnRotate != nil {
		w.OnRotate(path)
	}

	return nil
}

// prepare writes the header into an empty file and terminates a row left
// half-written by a crash.
func prepare(f logFile) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}

	if info.Size() == 0 {
		var buf bytes.Buffer
		cw := csv.NewWriter(&buf)
		if err := cw.Write(sample.Columns()); err != nil {
			return err
		}
		cw.Flush()
		if _, err := f.Write(buf.Bytes()); err != nil {
			return err
		}
		return f.Sync()
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return err
	}
	if last[0] != '\n' {
		_, err := f.Write([]byte{'\n'})
		return err
	}
	return nil
}

func (w *Writer) writeLocked(batch []sample.Snapshot) error {
	errFactory := errors.New()

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	for _, s := range batch {
		if err := cw.Write(s.Record()); err != nil {
			return errFactory.Wrap(ErrWriteFailed, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	info, err := w.file.Stat()
	if err != nil {
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	// On failure the batch is dropped from the file again, so the retry
	// neither leaves a broken row nor duplicates the rows.
	if _, err := w.file.Write(buf.Bytes()); err != nil {
		w.truncateLocked(info.Size())
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	if err := w.file.Sync(); err != nil {
		w.truncateLocked(info.Size())
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	w.log.Debug().Int("rows", len(batch)).Str("path", w.path).Msg("Appended rows")
	return nil
}

func (w *Writer) truncateLocked(size int64) {
	if err := w.file.Truncate(size); err != nil {
		w.log.Error().Err(err).Str("path", w.path).Msg("Failed to truncate failed write")
	}
}

func (w *Writer) closeLocked() error {
	if w.file == nil {
		return nil
	}

	f := w.file
	w.file = nil
	w.day = ""
	w.path = ""

	syncErr := f.Sync()
	if err := f.Close(); err != nil {
		return errors.New().Wrap(ErrCloseFailed, err)
	}
	if syncErr != nil {
		return errors.New().Wrap(ErrCloseFailed, syncErr)
	}
	return nil
}
