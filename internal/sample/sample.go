// Package sample defines the tracked metrics and the snapshot rows built from them.
package sample

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Metric identifies one tracked sensor value and its column in a snapshot row.
type Metric int

// Declared order is the column order of the persisted log.
const (
	SoC Metric = iota
	Voltage
	Current
	Latitude
	Longitude
	Speed

	NumMetrics = int(Speed) + 1
)

var metricCodes = [NumMetrics]string{
	SoC:       "soc",
	Voltage:   "voltage",
	Current:   "current",
	Latitude:  "gps_lat",
	Longitude: "gps_lon",
	Speed:     "gps_speed",
}

// String returns the column code of m.
func (m Metric) String() string {
	if !m.Valid() {
		return fmt.Sprintf("metric(%d)", int(m))
	}
	return metricCodes[m]
}

func (m Metric) Valid() bool {
	return m >= 0 && int(m) < NumMetrics
}

// All returns every metric in column order.
func All() []Metric {
	out := make([]Metric, NumMetrics)
	for i := range out {
		out[i] = Metric(i)
	}
	return out
}

// Columns returns the header row: timestamp followed by the metric codes.
func Columns() []string {
	cols := make([]string, 0, NumMetrics+1)
	cols = append(cols, "timestamp")
	return append(cols, metricCodes[:]...)
}

// Value is an optional measurement. The zero Value is unknown.
type Value struct {
	v     float64
	known bool
}

// Known wraps a measured value. NaN is treated as unknown.
func Known(v float64) Value {
	if math.IsNaN(v) {
		return Value{}
	}
	return Value{v: v, known: true}
}

// Unknown is the explicit "no value" marker.
var Unknown = Value{}

func (v Value) Get() (float64, bool) {
	return v.v, v.known
}

func (v Value) IsKnown() bool {
	return v.known
}

// String renders the value for a log field; unknown renders empty.
func (v Value) String() string {
	if !v.known {
		return ""
	}
	return strconv.FormatFloat(v.v, 'f', -1, 64)
}

// Values holds one slot per metric, so a row can never miss a column.
type Values [NumMetrics]Value

// Snapshot is one persisted row. It is passed by value and never mutated after creation.
type Snapshot struct {
	Timestamp time.Time
	Values    Values
}

// TimestampLayout renders timestamps in UTC with microseconds. Text order
// matches time order, also across a DST fall-back inside one day file.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Record renders s in column order.
func (s Snapshot) Record() []string {
	row := make([]string, 0, NumMetrics+1)
	row = append(row, s.Timestamp.UTC().Format(TimestampLayout))
	for _, v := range s.Values {
		row = append(row, v.String())
	}
	return row
}
