package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/venuslog/internal/archive"
	"codeberg.org/mutker/venuslog/internal/buffer"
	"codeberg.org/mutker/venuslog/internal/config"
	"codeberg.org/mutker/venuslog/internal/coordinator"
	"codeberg.org/mutker/venuslog/internal/errors"
	"codeberg.org/mutker/venuslog/internal/gate"
	"codeberg.org/mutker/venuslog/internal/logfile"
	"codeberg.org/mutker/venuslog/internal/logger"
	"codeberg.org/mutker/venuslog/internal/pid"
	"codeberg.org/mutker/venuslog/internal/retention"
	"codeberg.org/mutker/venuslog/internal/source"
	"codeberg.org/mutker/venuslog/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(2)
	}

	if err := logger.Init(cfg.LogLevel, logger.IsService()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(2)
	}
	logger.Debug().Str("file", cfg.ConfigFile).Msg("Config loaded")

	if err := run(cfg); err != nil {
		var appErr errors.Error
		if errors.As(err, &appErr) {
			logger.FatalWithCode(appErr).Msg("Logger stopped with error")
		}
		logger.Fatal().Err(err).Msg("Logger stopped with error")
	}
	logger.Info().Msg("Exiting...")
}

func run(cfg *config.Config) error {
	errFactory := errors.New()

	loc, err := cfg.Location()
	if err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if cfg.SweepDryRun {
		return dryRunSweep(cfg, loc)
	}

	lock, err := pid.Acquire(cfg.LogDirectory)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn().Err(err).Msg("Failed to release PID file")
		}
	}()

	metrics := telemetry.New()

	writer, err := logfile.NewWriter(logfile.Config{
		Dir:      cfg.LogDirectory,
		Prefix:   cfg.FilePrefix,
		Location: loc,
	}, logger.Component("logfile"))
	if err != nil {
		return err
	}
	writer.OnRotate = func(string) { metrics.Rotations.Inc() }

	archiveCfg := archive.DefaultConfig()
	archiveCfg.Enabled = cfg.Archive
	archiveCfg.DBPath = cfg.ArchiveFile()
	store, err := archive.NewService(archiveCfg, logger.Component("archive"))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close archive")
		}
	}()

	var sink buffer.Writer = writer
	if cfg.Archive {
		sink = coordinator.NewArchivingWriter(writer, store, logger.Component("archive"))
	}

	buf, err := buffer.New(buffer.Config{
		Size:        cfg.BufferSize,
		MaxAge:      cfg.FlushAge(),
		MaxFailures: cfg.MaxFlushFailures,
	}, sink)
	if err != nil {
		return err
	}

	g, err := gate.New(gate.Config{
		MinInterval: cfg.MinIntervalDuration(),
		MaxInterval: cfg.MaxIntervalDuration(),
	})
	if err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	sweeper, err := retention.New(retentionConfig(cfg, loc), writer, logger.Component("retention"))
	if err != nil {
		return err
	}

	coord, err := coordinator.New(coordinator.Config{
		SweepInterval: cfg.SweepEvery(),
	}, coordinator.Components{
		Gate:    g,
		Buffer:  buf,
		Writer:  writer,
		Sweeper: sweeper,
		Archive: store,
		Metrics: metrics,
	}, logger.Component("coordinator"))
	if err != nil {
		return err
	}

	srcCfg := source.DefaultConfig()
	srcCfg.Bus = cfg.Bus
	srcCfg.Ignored = cfg.IgnoredServices
	src := source.NewVenus(srcCfg, logger.Component("source"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(ctx, cancel, coord)

	if err := src.Start(ctx, coord); err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close bus connection")
		}
	}()
	coord.Seed(ctx, src)

	logger.Info().
		Str("dir", cfg.LogDirectory).
		Int("buffer_size", cfg.BufferSize).
		Float64("min_interval", cfg.MinInterval).
		Float64("max_interval", cfg.MaxInterval).
		Int("retention_days", cfg.RetentionDays).
		Msg("Logging started")

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return coord.Run(gctx)
	})
	if cfg.MetricsListen != "" {
		group.Go(func() error {
			return metrics.Serve(gctx, cfg.MetricsListen)
		})
	}

	if err := group.Wait(); err != nil {
		return errFactory.Wrap(errors.ErrMainLoop, err)
	}
	return nil
}

// handleSignals stops the logger on SIGINT or SIGTERM and reopens the
// current log file on SIGHUP.
func handleSignals(ctx context.Context, cancel context.CancelFunc, coord *coordinator.Coordinator) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				logger.Info().Msg("Received SIGHUP, rotating log file")
				coord.Rotate()
				continue
			}
			logger.Info().Str("signal", sig.String()).Msg("Received termination signal.")
			cancel()
			return
		}
	}
}

func retentionConfig(cfg *config.Config, loc *time.Location) retention.Config {
	return retention.Config{
		Dir:      cfg.LogDirectory,
		Prefix:   cfg.FilePrefix,
		Days:     cfg.RetentionDays,
		Location: loc,
	}
}

// dryRunSweep reports which day files a sweep would delete and exits without
// touching the log directory or taking the PID lock.
func dryRunSweep(cfg *config.Config, loc *time.Location) error {
	sweeper, err := retention.New(retentionConfig(cfg, loc), nil, logger.Component("retention"))
	if err != nil {
		return err
	}

	res := sweeper.DryRun(time.Now())
	for _, path := range res.Deleted {
		logger.Info().Str("path", path).Msg("Would delete expired log file")
	}
	logger.Info().
		Time("cutoff", res.Cutoff).
		Int("deleted", len(res.Deleted)).
		Int("kept", res.Kept).
		Int64("bytes_freed", res.BytesFreed).
		Msg("Dry run sweep finished")

	return nil
}
