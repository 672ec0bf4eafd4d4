// Package source delivers sensor notifications from the Venus OS D-Bus.
package source

import (
	"context"
	"time"

	"codeberg.org/mutker/venuslog/internal/sample"
)

// Handler receives change notifications. Calls for one metric arrive in
// non-decreasing timestamp order; no order is promised across metrics.
type Handler interface {
	OnValueChanged(m sample.Metric, value float64, ts time.Time)
	OnAvailabilityChanged(m sample.Metric, available bool)
}

// Reader performs point-in-time reads. ok is false when the metric has no
// valid value right now.
type Reader interface {
	Read(ctx context.Context, m sample.Metric) (value float64, ok bool, err error)
}

type Source interface {
	Reader
	Start(ctx context.Context, h Handler) error
	Close() error
}

// Binding maps a bus item of a service class onto a metric.
type Binding struct {
	Class  string
	Path   string
	Metric sample.Metric
}

const (
	BatteryClass = "com.victronenergy.battery"
	GPSClass     = "com.victronenergy.gps"
)

// DefaultBindings returns the battery and GPS items the logger records.
func DefaultBindings() []Binding {
	return []Binding{
		{Class: BatteryClass, Path: "/Soc", Metric: sample.SoC},
		{Class: BatteryClass, Path: "/Dc/0/Voltage", Metric: sample.Voltage},
		{Class: BatteryClass, Path: "/Dc/0/Current", Metric: sample.Current},
		{Class: GPSClass, Path: "/Position/Latitude", Metric: sample.Latitude},
		{Class: GPSClass, Path: "/Position/Longitude", Metric: sample.Longitude},
		{Class: GPSClass, Path: "/Speed", Metric: sample.Speed},
	}
}

// DefaultIgnored lists services whose values must not be recorded.
func DefaultIgnored() []string {
	return []string{"com.victronenergy.battery.ttyUSB0"}
}
