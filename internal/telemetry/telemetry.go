// Package telemetry exposes Prometheus counters describing the sampling engine.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"codeberg.org/mutker/venuslog/internal/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace       = "venuslog"
	shutdownTimeout = 5 * time.Second
)

type Telemetry struct {
	registry *prometheus.Registry

	Events          *prometheus.CounterVec
	Emissions       *prometheus.CounterVec
	GateRejected    prometheus.Counter
	Flushes         prometheus.Counter
	FlushFailures   prometheus.Counter
	DroppedBatches  prometheus.Counter
	DroppedRows     prometheus.Counter
	RowsWritten     prometheus.Counter
	Rotations       prometheus.Counter
	FilesSwept      prometheus.Counter
	SweepErrors     prometheus.Counter
	BufferLength    prometheus.Gauge
	MetricAvailable *prometheus.GaugeVec
}

// New builds the collectors on a private registry.
func New() *Telemetry {
	t := &Telemetry{
		registry: prometheus.NewRegistry(),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_events_total",
			Help:      "Source notifications received, by kind.",
		}, []string{"kind"}),
		Emissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_accepted_total",
			Help:      "Snapshots accepted by the gate, by reason.",
		}, []string{"reason"}),
		GateRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_rejected_total",
			Help:      "Candidate snapshots rejected by the gate.",
		}),
		Flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Successful buffer flushes.",
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_failures_total",
			Help:      "Failed buffer flushes.",
		}),
		DroppedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_batches_total",
			Help:      "Batches dropped after exhausting flush retries.",
		}),
		DroppedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_rows_total",
			Help:      "Snapshots lost with dropped batches.",
		}),
		RowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_written_total",
			Help:      "Snapshots appended to log files.",
		}),
		Rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_rotations_total",
			Help:      "Log files opened.",
		}),
		FilesSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_swept_total",
			Help:      "Expired log files deleted.",
		}),
		SweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Errors met while sweeping expired files.",
		}),
		BufferLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_length",
			Help:      "Snapshots queued in memory.",
		}),
		MetricAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "metric_available",
			Help:      "1 when the source reports the metric available.",
		}, []string{"metric"}),
	}

	t.registry.MustRegister(
		t.Events, t.Emissions, t.GateRejected,
		t.Flushes, t.FlushFailures, t.DroppedBatches, t.DroppedRows, t.RowsWritten,
		t.Rotations, t.FilesSwept, t.SweepErrors,
		t.BufferLength, t.MetricAvailable,
		collectors.NewGoCollector(),
	)

	return t
}

func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (t *Telemetry) Serve(ctx context.Context, addr string) error {
	errFactory := errors.New()

	mux := http.NewServeMux()
	mux.Handle("/metrics", t.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errFactory.Wrap(ErrServeFailed, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errFactory.Wrap(ErrShutdownFailed, err)
		}
		return nil
	}
}
