package logfile

import (
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultPrefix = "dbus_log_"
	Extension     = ".csv"

	dateLayout = "20060102"
)

// FileName returns the log file name for the calendar day of t in loc.
func FileName(prefix string, t time.Time, loc *time.Location) string {
	return prefix + t.In(loc).Format(dateLayout) + Extension
}

// ParseFileName extracts the day a log file represents, as local midnight in loc.
func ParseFileName(prefix, name string, loc *time.Location) (time.Time, bool) {
	name = filepath.Base(name)
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, Extension) {
		return time.Time{}, false
	}

	stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), Extension)
	if len(stamp) != len(dateLayout) {
		return time.Time{}, false
	}

	day, err := time.ParseInLocation(dateLayout, stamp, loc)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// StartOfDay returns local midnight of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func dayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dateLayout)
}
