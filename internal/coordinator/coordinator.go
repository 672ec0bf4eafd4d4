// Package coordinator merges source notifications into snapshots and drives
// the gate, buffer, writer and retention sweeps from a single event loop.
package coordinator

import (
	"context"
	"time"

	"codeberg.org/mutker/venuslog/internal/archive"
	"codeberg.org/mutker/venuslog/internal/buffer"
	"codeberg.org/mutker/venuslog/internal/errors"
	"codeberg.org/mutker/venuslog/internal/gate"
	"codeberg.org/mutker/venuslog/internal/logger"
	"codeberg.org/mutker/venuslog/internal/retention"
	"codeberg.org/mutker/venuslog/internal/sample"
	"codeberg.org/mutker/venuslog/internal/source"
	"codeberg.org/mutker/venuslog/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// streamKey identifies the single record stream: every snapshot carries all metrics.
const streamKey = "snapshot"

const (
	defaultQueueSize     = 256
	defaultSweepInterval = time.Hour
	archiveTimeout       = 10 * time.Second
)

// Writer is the part of the rotating log writer the loop drives directly.
// Batches reach it through the buffer.
type Writer interface {
	RotateIfNeeded(now time.Time) error
	Rotate(now time.Time) error
	Close() error
}

type Sweeper interface {
	Sweep(now time.Time) retention.Result
}

type Config struct {
	// TickInterval defaults to min(MinInterval, MaxInterval/2) of the gate.
	TickInterval  time.Duration
	SweepInterval time.Duration
	QueueSize     int
}

// Components are the collaborators owned by the loop. Archive and Metrics
// are optional.
type Components struct {
	Gate    *gate.Gate
	Buffer  *buffer.Buffer
	Writer  Writer
	Sweeper Sweeper
	Archive archive.Collector
	Metrics *telemetry.Telemetry
}

type eventKind int

const (
	valueEvent eventKind = iota
	availabilityEvent
	rotateEvent
)

type event struct {
	kind      eventKind
	metric    sample.Metric
	value     float64
	available bool
	ts        time.Time
}

type availability int

const (
	unseen availability = iota
	available
	unavailable
)

// slot is the latest known state of one metric.
type slot struct {
	value   float64
	has     bool
	state   availability
	updated time.Time
}

func (s slot) visible() bool {
	return s.has && s.state == available
}

type Coordinator struct {
	cfg     Config
	gate    *gate.Gate
	buffer  *buffer.Buffer
	writer  Writer
	sweeper Sweeper
	archive archive.Collector
	metrics *telemetry.Telemetry
	log     logger.Logger
	now     func() time.Time

	events  chan event
	stopped chan struct{}

	// Owned by the event loop.
	slots        [sample.NumMetrics]slot
	dirty        bool
	lastAccepted time.Time
}

func New(cfg Config, c Components, log logger.Logger) (*Coordinator, error) {
	errFactory := errors.New()

	if c.Gate == nil || c.Buffer == nil || c.Writer == nil || c.Sweeper == nil {
		return nil, errFactory.WithMessage(ErrInvalidConfig, "coordinator requires gate, buffer, writer and sweeper")
	}

	if cfg.TickInterval <= 0 {
		g := c.Gate.Config()
		cfg.TickInterval = min(g.MinInterval, g.MaxInterval/2)
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.New()
	}

	return &Coordinator{
		cfg:     cfg,
		gate:    c.Gate,
		buffer:  c.Buffer,
		writer:  c.Writer,
		sweeper: c.Sweeper,
		archive: c.Archive,
		metrics: c.Metrics,
		log:     log,
		now:     time.Now,
		events:  make(chan event, cfg.QueueSize),
		stopped: make(chan struct{}),
	}, nil
}

// OnValueChanged queues a value notification. It is safe to call from any
// goroutine; notifications arriving after shutdown are discarded.
func (c *Coordinator) OnValueChanged(m sample.Metric, value float64, ts time.Time) {
	c.send(event{kind: valueEvent, metric: m, value: value, ts: ts})
}

func (c *Coordinator) OnAvailabilityChanged(m sample.Metric, available bool) {
	c.send(event{kind: availabilityEvent, metric: m, available: available})
}

// Rotate asks the loop to reopen the current log file.
func (c *Coordinator) Rotate() {
	c.send(event{kind: rotateEvent})
}

func (c *Coordinator) send(ev event) {
	select {
	case <-c.stopped:
	case c.events <- ev:
	}
}

// Seed primes the latest values with one read per metric. It must be called
// before Run.
func (c *Coordinator) Seed(ctx context.Context, r source.Reader) {
	now := c.now()

	for _, m := range sample.All() {
		value, ok, err := r.Read(ctx, m)
		switch {
		case err != nil:
			c.log.Warn().Err(err).Str("metric", m.String()).Msg("Failed to read initial value")
			continue
		case !ok:
			c.slots[m].state = unavailable
			c.metrics.MetricAvailable.WithLabelValues(m.String()).Set(0)
		default:
			c.slots[m] = slot{value: value, has: true, state: available, updated: now}
			c.metrics.MetricAvailable.WithLabelValues(m.String()).Set(1)
			c.dirty = true
		}
		c.log.Debug().Str("metric", m.String()).Bool("available", ok).Float64("value", value).Msg("Seeded metric")
	}
}

// Run processes notifications and timers until ctx is done, then drains the
// buffer, closes the writer and runs a final sweep.
func (c *Coordinator) Run(ctx context.Context) error {
	c.log.Info().
		Dur("tick", c.cfg.TickInterval).
		Dur("sweep", c.cfg.SweepInterval).
		Msg("Coordinator started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.loop(gctx)
		return nil
	})
	g.Go(func() error {
		c.sweepLoop(gctx)
		return nil
	})
	_ = g.Wait()

	return c.shutdown()
}

func (c *Coordinator) loop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(c.stopped)
			c.drain()
			return
		case ev := <-c.events:
			c.apply(ev)
		case <-ticker.C:
			c.tick(c.now())
		}
	}
}

// drain applies notifications that were queued before the loop stopped.
func (c *Coordinator) drain() {
	for {
		select {
		case ev := <-c.events:
			c.apply(ev)
		default:
			return
		}
	}
}

func (c *Coordinator) sweepLoop(ctx context.Context) {
	c.sweep(ctx, c.now())

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx, c.now())
		}
	}
}

func (c *Coordinator) shutdown() error {
	errFactory := errors.New()
	var errs []error

	res, err := c.buffer.Flush()
	c.observeFlush(res, err)
	if err != nil {
		errs = append(errs, err)
	}

	if err := c.writer.Close(); err != nil {
		errs = append(errs, err)
	}

	c.sweep(context.Background(), c.now())

	if len(errs) > 0 {
		return errFactory.Wrap(ErrShutdownFailed, errors.Join(errs...))
	}

	c.log.Info().Int("written", res.Written).Msg("Coordinator stopped")
	return nil
}

func (c *Coordinator) apply(ev event) {
	now := c.now()

	switch ev.kind {
	case valueEvent:
		c.metrics.Events.WithLabelValues("value").Inc()
		c.applyValue(ev)
	case availabilityEvent:
		c.metrics.Events.WithLabelValues("availability").Inc()
		c.applyAvailability(ev)
	case rotateEvent:
		if err := c.writer.Rotate(now); err != nil {
			c.log.Warn().Err(err).Msg("Failed to rotate log file")
		}
		return
	}

	c.evaluate(now, c.dirty)
}

func (c *Coordinator) applyValue(ev event) {
	if !ev.metric.Valid() {
		return
	}
	s := &c.slots[ev.metric]

	if ev.ts.Before(s.updated) {
		c.log.Debug().Str("metric", ev.metric.String()).Msg("Ignoring out of order value")
		return
	}

	before := *s
	s.value, s.has, s.updated = ev.value, true, ev.ts
	if s.state == unseen {
		s.state = available
		c.metrics.MetricAvailable.WithLabelValues(ev.metric.String()).Set(1)
	}

	if s.visible() != before.visible() || (s.visible() && s.value != before.value) {
		c.dirty = true
	}
}

func (c *Coordinator) applyAvailability(ev event) {
	if !ev.metric.Valid() {
		return
	}
	s := &c.slots[ev.metric]

	before := *s
	if ev.available {
		s.state = available
	} else {
		s.state = unavailable
	}
	if s.state == before.state {
		return
	}

	gauge := 0.0
	if ev.available {
		gauge = 1
	}
	c.metrics.MetricAvailable.WithLabelValues(ev.metric.String()).Set(gauge)

	if ev.available {
		c.log.Info().Str("metric", ev.metric.String()).Msg("Metric available")
	} else {
		c.log.Info().Str("metric", ev.metric.String()).Msg("Metric unavailable")
	}

	if s.visible() != before.visible() {
		c.dirty = true
	}
}

// tick closes a stale day file, re-evaluates the gate without a new event
// and flushes a buffer whose oldest entry has aged out.
func (c *Coordinator) tick(now time.Time) {
	if err := c.writer.RotateIfNeeded(now); err != nil {
		c.log.Warn().Err(err).Msg("Failed to rotate log file")
	}

	// A tick only supplies keep-alives. A change the gate rejected waits
	// for the next change or keep-alive.
	c.evaluate(now, false)

	res, err := c.buffer.FlushIfNeeded(now)
	c.observeFlush(res, err)
}

// evaluate asks the gate whether the current values may be emitted and, if
// so, queues a snapshot.
func (c *Coordinator) evaluate(now time.Time, changed bool) {
	decision := c.gate.Check(streamKey, now, changed)
	if decision == gate.Reject {
		c.metrics.GateRejected.Inc()
		return
	}
	c.gate.RecordEmission(streamKey, now)

	ts := now
	if ts.Before(c.lastAccepted) {
		ts = c.lastAccepted
	}
	c.lastAccepted = ts
	c.dirty = false

	snap := c.snapshot(ts)
	c.metrics.Emissions.WithLabelValues(decision.String()).Inc()

	res, err := c.buffer.Append(snap)
	c.observeFlush(res, err)
}

func (c *Coordinator) snapshot(ts time.Time) sample.Snapshot {
	snap := sample.Snapshot{Timestamp: ts}
	for i, s := range c.slots {
		if s.visible() {
			snap.Values[i] = sample.Known(s.value)
		}
	}
	return snap
}

func (c *Coordinator) observeFlush(res buffer.FlushResult, err error) {
	c.metrics.BufferLength.Set(float64(c.buffer.Len()))
	c.metrics.RowsWritten.Add(float64(res.Written))

	if err == nil {
		if res.Written > 0 {
			c.metrics.Flushes.Inc()
		}
		return
	}

	if errors.HasCode(err, buffer.ErrBatchDropped) {
		c.metrics.DroppedBatches.Inc()
		c.metrics.DroppedRows.Add(float64(res.Dropped))

		var appErr errors.Error
		if errors.As(err, &appErr) {
			c.log.ErrorWithCode(appErr).Int("dropped", res.Dropped).Msg("Dropped batch after repeated write failures")
		}
		return
	}

	c.metrics.FlushFailures.Inc()
	c.log.Warn().Err(err).
		Int("written", res.Written).
		Int("queued", c.buffer.Len()).
		Int("failures", c.buffer.Failures()).
		Msg("Flush failed, will retry")
}

func (c *Coordinator) sweep(ctx context.Context, now time.Time) {
	result := c.sweeper.Sweep(now)

	c.metrics.FilesSwept.Add(float64(len(result.Deleted)))
	c.metrics.SweepErrors.Add(float64(len(result.Errors)))
	for _, err := range result.Errors {
		c.log.Warn().Err(err).Msg("Retention sweep error")
	}
	if len(result.Deleted) > 0 {
		c.log.Info().
			Strs("files", result.Deleted).
			Int64("bytes", result.BytesFreed).
			Msg("Deleted expired log files")
	}

	if c.archive == nil {
		return
	}

	pruneCtx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()
	if _, err := c.archive.Prune(pruneCtx, result.Cutoff); err != nil {
		c.log.Warn().Err(err).Msg("Failed to prune archive")
	}
}
