// Package retention deletes daily log files that fell out of the retention window.
package retention

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/venuslog/internal/errors"
	"codeberg.org/mutker/venuslog/internal/logfile"
	"codeberg.org/mutker/venuslog/internal/logger"
)

// ActiveFile reports the file currently open for writing.
type ActiveFile interface {
	CurrentPath() string
}

type Config struct {
	Dir      string
	Prefix   string
	Days     int
	Location *time.Location
}

func (c Config) Validate() error {
	errFactory := errors.New()
	if c.Dir == "" {
		return errFactory.WithData(ErrInvalidConfig, "log directory is empty")
	}
	if c.Days <= 0 {
		return errFactory.WithData(ErrInvalidConfig, "retention days must be positive")
	}
	return nil
}

// Stats holds cumulative sweep statistics.
type Stats struct {
	LastRunTime  time.Time
	Runs         int64
	FilesDeleted int64
	BytesFreed   int64
	Errors       int64
}

// Result holds the outcome of one sweep.
type Result struct {
	Cutoff     time.Time
	Deleted    []string
	Kept       int
	Skipped    int
	BytesFreed int64
	Errors     []error
}

type Sweeper struct {
	cfg    Config
	active ActiveFile
	log    logger.Logger
	remove func(path string) error

	mu    sync.Mutex
	stats Stats
}

func New(cfg Config, active ActiveFile, log logger.Logger) (*Sweeper, error) {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Prefix == "" {
		cfg.Prefix = logfile.DefaultPrefix
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sweeper{cfg: cfg, active: active, log: log, remove: os.Remove}, nil
}

// Cutoff returns the first day that is kept: files dated before it expire.
func (s *Sweeper) Cutoff(now time.Time) time.Time {
	return logfile.StartOfDay(now, s.cfg.Location).AddDate(0, 0, -s.cfg.Days)
}

// Sweep deletes expired log files. Per-file failures are recorded and skipped.
func (s *Sweeper) Sweep(now time.Time) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := s.sweepLocked(now, false)

	s.stats.LastRunTime = now
	s.stats.Runs++
	s.stats.FilesDeleted += int64(len(result.Deleted))
	s.stats.BytesFreed += result.BytesFreed
	s.stats.Errors += int64(len(result.Errors))

	return result
}

// DryRun reports what Sweep would delete without touching the filesystem.
func (s *Sweeper) DryRun(now time.Time) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(now, true)
}

func (s *Sweeper) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Sweeper) sweepLocked(now time.Time, dryRun bool) Result {
	errFactory := errors.New()
	result := Result{Cutoff: s.Cutoff(now)}

	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		result.Errors = append(result.Errors, errFactory.Wrap(ErrListFailed, err))
		s.log.Error().Err(err).Str("dir", s.cfg.Dir).Msg("Failed to list log directory")
		return result
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var current string
	if s.active != nil {
		current = s.active.CurrentPath()
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		day, ok := logfile.ParseFileName(s.cfg.Prefix, entry.Name(), s.cfg.Location)
		if !ok {
			result.Skipped++
			continue
		}

		path := filepath.Join(s.cfg.Dir, entry.Name())
		if !day.Before(result.Cutoff) || samePath(path, current) {
			result.Kept++
			continue
		}

		var size int64
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}

		if !dryRun {
			if err := s.remove(path); err != nil {
				if os.IsNotExist(err) {
					continue
				}
				result.Errors = append(result.Errors, errFactory.Wrap(ErrDeleteFailed, err))
				s.log.Warn().Err(err).Str("path", path).Msg("Failed to remove expired log file")
				continue
			}
			s.log.Info().Str("path", path).Msg("Removed expired log file")
		}

		result.Deleted = append(result.Deleted, path)
		result.BytesFreed += size
	}

	return result
}

func samePath(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return filepath.Clean(a) == filepath.Clean(b)
}
