// Package reshape turns wide BMS telemetry rows into per-node, per-channel series for charting.
package reshape

import (
	"math"
	"sort"

	"github.com/cepro/bmsmonitor/telemetry"
)

// ProgressiveThreshold is the largest number of samples reshaped in progressive mode.
const ProgressiveThreshold = 2000

// Options controls a Reshape call.
type Options struct {
	// Progressive sub-samples inputs larger than ProgressiveThreshold to keep partial renders fast.
	Progressive bool
}

// NodeSeries holds the series of one BMS node.
type NodeSeries struct {
	// CellVoltages has one series per physical cell position. Series only contain valid readings so their
	// lengths may differ.
	CellVoltages [telemetry.CellsPerNode][]float64 `json:"cellVoltages"`
	// Temperatures is keyed by sensor label, e.g. "Temp03". A label only exists once it has a valid reading.
	Temperatures map[string][]float64 `json:"temperatures"`
}

// StructuredSeries is the reshaped form of a batch of BMS samples. The snapshot values come from the
// chronologically last sample only.
type StructuredSeries struct {
	Nodes         [telemetry.NodeCount]NodeSeries `json:"nodes"`
	Pack          telemetry.PackSnapshot          `json:"pack"`
	Cells         telemetry.CellSummary           `json:"cells"`
	Temperatures  telemetry.TemperatureSummary    `json:"temperatures"`
	StateOfCharge telemetry.StateOfChargeSummary  `json:"stateOfCharge"`
	SampleCount   int                             `json:"sampleCount"`
}

// NewStructuredSeries returns a fully defaulted series: empty channels and zero snapshots.
func NewStructuredSeries() *StructuredSeries {
	s := &StructuredSeries{}
	for node := range s.Nodes {
		for cell := range s.Nodes[node].CellVoltages {
			s.Nodes[node].CellVoltages[cell] = []float64{}
		}
		s.Nodes[node].Temperatures = make(map[string][]float64)
	}
	return s
}

// Reshape sorts the samples by timestamp, optionally sub-samples them, and collects the valid per-channel
// readings into series. The input slice is not modified.
func Reshape(samples []telemetry.BmsSample, opts Options) *StructuredSeries {
	out := NewStructuredSeries()
	if len(samples) == 0 {
		return out
	}

	sorted := make([]telemetry.BmsSample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	indices := SampleIndices(len(sorted), opts.Progressive)
	out.SampleCount = len(indices)

	for n, idx := range indices {
		sample := &sorted[idx]

		if n == len(indices)-1 {
			out.Pack = sample.Pack
			out.Cells = sample.CellSummary
			out.Temperatures = sample.TempSummary
			out.StateOfCharge = sample.StateOfCharge
		}

		for node := 0; node < telemetry.NodeCount; node++ {
			series := &out.Nodes[node]
			for cell, v := range sample.Cells[node] {
				if telemetry.IsValidReading(v) {
					series.CellVoltages[cell] = append(series.CellVoltages[cell], v)
				}
			}
			for sensor, v := range sample.Temps[node] {
				if telemetry.IsValidReading(v) {
					label := telemetry.TempLabel(sensor)
					series.Temperatures[label] = append(series.Temperatures[label], v)
				}
			}
		}
	}

	return out
}

// ReshapeRaw decodes the raw rows and reshapes them.
func ReshapeRaw(raws []telemetry.RawSample, opts Options) *StructuredSeries {
	return Reshape(telemetry.DecodeBmsSamples(raws), opts)
}

// SampleIndices returns the indices of the samples to process. Outside progressive mode, or at or below the
// threshold, every index is returned. Otherwise every Nth index from 0 is returned, N = ceil(n/threshold).
func SampleIndices(n int, progressive bool) []int {
	step := 1
	if progressive && n > ProgressiveThreshold {
		step = int(math.Ceil(float64(n) / float64(ProgressiveThreshold)))
	}

	indices := make([]int, 0, (n+step-1)/step)
	for i := 0; i < n; i += step {
		indices = append(indices, i)
	}
	return indices
}
