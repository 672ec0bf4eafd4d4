// Package archive optionally mirrors flushed snapshots into SQLite.
package archive

import (
	"context"
	"time"

	"codeberg.org/mutker/venuslog/internal/errors"
	"codeberg.org/mutker/venuslog/internal/logger"
	"codeberg.org/mutker/venuslog/internal/sample"
)

type service struct {
	repo Repository
	cfg  Config
}

// No-op implementation
type noopCollector struct{}

func NewService(cfg Config, log logger.Logger) (Collector, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	// If the archive is disabled, return a no-op collector
	if !cfg.Enabled {
		log.Debug().Msg("Archive disabled, using no-op collector")
		return &noopCollector{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to create archive repository")
		return nil, err
	}

	log.Debug().
		Str("db_path", cfg.DBPath).
		Msg("Archive service initialized successfully")

	return &service{
		repo: repo,
		cfg:  cfg,
	}, nil
}

func (s *service) Record(ctx context.Context, batch []sample.Snapshot) error {
	if len(batch) == 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return errors.New().Wrap(ErrOperationTimeout, ctx.Err())
	default:
		return s.repo.Insert(ctx, batch)
	}
}

func (s *service) Prune(ctx context.Context, before time.Time) (int64, error) {
	return s.repo.DeleteBefore(ctx, before)
}

func (s *service) Close() error {
	return s.repo.Close()
}

func (*noopCollector) Record(_ context.Context, _ []sample.Snapshot) error {
	return nil
}

func (*noopCollector) Prune(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (*noopCollector) Close() error {
	return nil
}
