package timeutils

import (
	"errors"
	"fmt"
	"time"
)

// TimeRange is one of the fixed history windows that the dashboard and the compute function agree on.
// The string values are sent verbatim to the compute function.
type TimeRange string

const (
	Range1Min   TimeRange = "1min"
	Range5Min   TimeRange = "5min"
	Range1Hour  TimeRange = "1hour"
	Range8Hours TimeRange = "8hours"
	Range1Day   TimeRange = "1day"
	Range7Days  TimeRange = "7days"
	Range1Month TimeRange = "1month"
)

var ErrInvalidTimeRange = errors.New("invalid time range")

var rangeDurations = map[TimeRange]time.Duration{
	Range1Min:   time.Minute,
	Range5Min:   5 * time.Minute,
	Range1Hour:  time.Hour,
	Range8Hours: 8 * time.Hour,
	Range1Day:   24 * time.Hour,
	Range7Days:  7 * 24 * time.Hour,
	Range1Month: 30 * 24 * time.Hour,
}

// AllTimeRanges lists the ranges from shortest to longest.
var AllTimeRanges = []TimeRange{Range1Min, Range5Min, Range1Hour, Range8Hours, Range1Day, Range7Days, Range1Month}

// ParseTimeRange validates the given string against the known ranges.
func ParseTimeRange(s string) (TimeRange, error) {
	tr := TimeRange(s)
	if !tr.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTimeRange, s)
	}
	return tr, nil
}

func (tr TimeRange) Valid() bool {
	_, ok := rangeDurations[tr]
	return ok
}

// Duration returns the length of the window, or zero for an unknown range.
func (tr TimeRange) Duration() time.Duration {
	return rangeDurations[tr]
}

// Period returns the window ending at `now`.
func (tr TimeRange) Period(now time.Time) Period {
	return Period{Start: now.Add(-tr.Duration()), End: now}
}

func (tr TimeRange) String() string {
	return string(tr)
}
