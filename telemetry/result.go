package telemetry

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// RawResult is what the compute function returns. BMS devices fill Items, the Pack Controller fills Metrics.
type RawResult struct {
	Items   []RawSample              `json:"items,omitempty"`
	Metrics map[string][]MetricPoint `json:"metrics,omitempty"`
}

// MetricPoint is one point of a pre-aggregated controller metric.
type MetricPoint struct {
	Timestamp float64 `json:"timestamp"`
	Value     float64 `json:"value"`
}

// ControllerSeries is the Pack Controller history. It is passed through from the compute function as-is.
type ControllerSeries struct {
	Metrics map[string][]MetricPoint `json:"metrics"`
}

// ControllerSeriesFromRows folds wide controller rows into one series per numeric field, ordered by timestamp.
func ControllerSeriesFromRows(rows []RawSample, skipFields ...string) ControllerSeries {
	skip := map[string]bool{TimestampField: true}
	for _, f := range skipFields {
		skip[f] = true
	}

	sorted := make([]RawSample, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp() < sorted[j].Timestamp()
	})

	metrics := make(map[string][]MetricPoint)
	for _, row := range sorted {
		ts := row.Timestamp()
		for field, v := range row {
			if skip[field] {
				continue
			}
			f, ok := v.Float()
			if !ok {
				continue
			}
			metrics[field] = append(metrics[field], MetricPoint{Timestamp: ts, Value: f})
		}
	}
	return ControllerSeries{Metrics: metrics}
}

// LatestReading is the most recent row for a device, used for the live view and the snapshot archive.
type LatestReading struct {
	ID            uuid.UUID            `json:"id"`
	DeviceKey     string               `json:"deviceKey"`
	Time          time.Time            `json:"time"`
	Pack          PackSnapshot         `json:"pack"`
	StateOfCharge StateOfChargeSummary `json:"stateOfCharge"`
	Values        map[string]float64   `json:"values"`
}

// NewLatestReading builds a LatestReading from a raw row. The row's Timestamp is used when present, otherwise `now`.
func NewLatestReading(deviceKey string, raw RawSample, now time.Time) LatestReading {
	reading := LatestReading{
		ID:        uuid.New(),
		DeviceKey: deviceKey,
		Time:      now,
		Values:    make(map[string]float64),
	}
	if ts := raw.Timestamp(); ts > 0 {
		reading.Time = TimestampToTime(ts)
	}

	metrics := raw.numericFields()
	for k, v := range metrics {
		if k == TimestampField {
			continue
		}
		reading.Values[k] = v.(float64)
	}
	decodeScalars(metrics, &reading.Pack)
	decodeScalars(metrics, &reading.StateOfCharge)

	return reading
}
