// Package gate decides when a record stream may emit its next snapshot.
package gate

import (
	"sync"
	"time"

	"codeberg.org/mutker/venuslog/internal/errors"
)

// Decision is the outcome of a gate check.
type Decision int

const (
	Reject Decision = iota
	// First is the first emission of a stream.
	First
	// Event is a value change that respects the minimum spacing.
	Event
	// KeepAlive is forced by the maximum gap, with or without a change.
	KeepAlive
)

func (d Decision) String() string {
	switch d {
	case First:
		return "first"
	case Event:
		return "event"
	case KeepAlive:
		return "keepalive"
	default:
		return "reject"
	}
}

type Config struct {
	MinInterval time.Duration
	MaxInterval time.Duration
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.MinInterval <= 0 {
		return errFactory.WithData(ErrInvalidInterval, c.MinInterval)
	}
	if c.MinInterval > c.MaxInterval {
		return errFactory.WithData(ErrIntervalOrder, struct {
			Min time.Duration
			Max time.Duration
		}{c.MinInterval, c.MaxInterval})
	}
	return nil
}

// Gate tracks the last emission per stream.
type Gate struct {
	cfg  Config
	mu   sync.Mutex
	last map[string]time.Time
}

func New(cfg Config) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Gate{cfg: cfg, last: make(map[string]time.Time)}, nil
}

// Check classifies a candidate emission without recording it.
func (g *Gate) Check(key string, now time.Time, changed bool) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	last, ok := g.last[key]
	if !ok {
		return First
	}

	elapsed := now.Sub(last)
	switch {
	case elapsed >= g.cfg.MaxInterval:
		return KeepAlive
	case changed && elapsed >= g.cfg.MinInterval:
		return Event
	default:
		return Reject
	}
}

// ShouldEmit reports whether a candidate emission is accepted.
func (g *Gate) ShouldEmit(key string, now time.Time, changed bool) bool {
	return g.Check(key, now, changed) != Reject
}

// RecordEmission marks key as emitted at now.
func (g *Gate) RecordEmission(key string, now time.Time) {
	g.mu.Lock()
	g.last[key] = now
	g.mu.Unlock()
}

func (g *Gate) LastEmitted(key string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.last[key]
	return t, ok
}

func (g *Gate) Config() Config {
	return g.cfg
}
