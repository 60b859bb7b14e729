package telemetry

import (
	"fmt"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/mitchellh/mapstructure"
)

const (
	NodeCount          = 2
	CellsPerNode       = 14
	TempSensorsPerNode = 10

	TimestampField = "Timestamp"
)

// RawSample is one upstream telemetry row, field name to value.
type RawSample map[string]Value

// FromAttributeValues converts a DynamoDB item into a RawSample.
func FromAttributeValues(item map[string]types.AttributeValue) RawSample {
	raw := make(RawSample, len(item))
	for k, av := range item {
		raw[k] = FromAttributeValue(av)
	}
	return raw
}

// Float returns the numeric value of the named field.
func (r RawSample) Float(field string) (float64, bool) {
	v, ok := r[field]
	if !ok {
		return 0, false
	}
	return v.Float()
}

// Timestamp returns the sample's Timestamp field, 0 when missing or unparseable.
func (r RawSample) Timestamp() float64 {
	ts, ok := r.Float(TimestampField)
	if !ok || math.IsNaN(ts) {
		return 0
	}
	return ts
}

// numericFields returns all the fields that have a numeric reading.
func (r RawSample) numericFields() map[string]interface{} {
	out := make(map[string]interface{}, len(r))
	for k, v := range r {
		if f, ok := v.Float(); ok {
			out[k] = f
		}
	}
	return out
}

// PackSnapshot holds the pack level electrical values.
type PackSnapshot struct {
	TotalBattVoltage float64 `mapstructure:"TotalBattVoltage" json:"totalBattVoltage"`
	TotalLoadVoltage float64 `mapstructure:"TotalLoadVoltage" json:"totalLoadVoltage"`
	TotalCurrent     float64 `mapstructure:"TotalCurrent" json:"totalCurrent"`
}

// CellSummary holds the cell voltage extremes reported by the BMS, and where they were seen.
type CellSummary struct {
	MaxCellVoltage           float64 `mapstructure:"MaxCellVoltage" json:"maxCellVoltage"`
	MinCellVoltage           float64 `mapstructure:"MinCellVoltage" json:"minCellVoltage"`
	MaxCellVoltageNode       int     `mapstructure:"MaxCellVoltageNode" json:"maxCellVoltageNode"`
	MinCellVoltageNode       int     `mapstructure:"MinCellVoltageNode" json:"minCellVoltageNode"`
	CellVoltageHighThreshold float64 `mapstructure:"CellVoltageHighThreshold" json:"cellVoltageHighThreshold"`
	CellVoltageLowThreshold  float64 `mapstructure:"CellVoltageLowThreshold" json:"cellVoltageLowThreshold"`
}

// TemperatureSummary holds the temperature extremes reported by the BMS, and where they were seen.
type TemperatureSummary struct {
	MaxCellTemp           float64 `mapstructure:"MaxCellTemp" json:"maxCellTemp"`
	MinCellTemp           float64 `mapstructure:"MinCellTemp" json:"minCellTemp"`
	MaxCellTempNode       int     `mapstructure:"MaxCellTempNode" json:"maxCellTempNode"`
	MinCellTempNode       int     `mapstructure:"MinCellTempNode" json:"minCellTempNode"`
	CellTempHighThreshold float64 `mapstructure:"CellTempHighThreshold" json:"cellTempHighThreshold"`
	CellTempLowThreshold  float64 `mapstructure:"CellTempLowThreshold" json:"cellTempLowThreshold"`
}

// StateOfChargeSummary holds the two state of charge percentages reported by the BMS.
type StateOfChargeSummary struct {
	SOCPercent        float64 `mapstructure:"SOCPercent" json:"socPercent"`
	BalanceSOCPercent float64 `mapstructure:"BalanceSOCPercent" json:"balanceSocPercent"`
}

// BmsSample is the strongly typed form of a BMS RawSample.
// Per-channel readings that were absent or not numeric are NaN; scalar fields default to 0.
type BmsSample struct {
	Timestamp float64
	Cells     [NodeCount][CellsPerNode]float64
	Temps     [NodeCount][TempSensorsPerNode]float64

	Pack          PackSnapshot
	CellSummary   CellSummary
	TempSummary   TemperatureSummary
	StateOfCharge StateOfChargeSummary
}

func CellField(node, cell int) string {
	return fmt.Sprintf("Node%02dCell%02d", node, cell)
}

func TempField(node, sensor int) string {
	return fmt.Sprintf("Node%02dTemp%02d", node, sensor)
}

// TempLabel is the key used for a temperature sensor in reshaped output, e.g. "Temp05".
func TempLabel(sensor int) string {
	return fmt.Sprintf("Temp%02d", sensor)
}

// DecodeBmsSample converts a raw row into a BmsSample. It never fails: malformed fields are treated as absent.
func DecodeBmsSample(raw RawSample) BmsSample {
	sample := BmsSample{Timestamp: raw.Timestamp()}

	for node := 0; node < NodeCount; node++ {
		for cell := 0; cell < CellsPerNode; cell++ {
			sample.Cells[node][cell] = readingOrNaN(raw, CellField(node, cell))
		}
		for sensor := 0; sensor < TempSensorsPerNode; sensor++ {
			sample.Temps[node][sensor] = readingOrNaN(raw, TempField(node, sensor))
		}
	}

	metrics := raw.numericFields()
	decodeScalars(metrics, &sample.Pack)
	decodeScalars(metrics, &sample.CellSummary)
	decodeScalars(metrics, &sample.TempSummary)
	decodeScalars(metrics, &sample.StateOfCharge)

	return sample
}

// DecodeBmsSamples decodes every row.
func DecodeBmsSamples(raws []RawSample) []BmsSample {
	samples := make([]BmsSample, len(raws))
	for i, raw := range raws {
		samples[i] = DecodeBmsSample(raw)
	}
	return samples
}

// IsValidReading decides whether a per-channel reading is kept. A reading of exactly zero cannot be told apart
// from an unwired sensor upstream, so it is dropped along with absent and negative values.
func IsValidReading(v float64) bool {
	return isFinite(v) && v > 0
}

func readingOrNaN(raw RawSample, field string) float64 {
	f, ok := raw.Float(field)
	if !ok {
		return math.NaN()
	}
	return f
}

// decodeScalars fills the mapstructure tagged fields of `out` from the numeric metrics. Fields that are missing
// keep their zero value.
func decodeScalars(metrics map[string]interface{}, out interface{}) {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return
	}
	// Only float64 values are passed in so decoding into float and int fields cannot fail.
	_ = decoder.Decode(metrics)
}

// TimestampToTime converts a sample timestamp into a time. Values above 1e12 are taken as epoch milliseconds,
// anything else as epoch seconds.
func TimestampToTime(ts float64) time.Time {
	if ts > 1e12 {
		return time.UnixMilli(int64(ts)).UTC()
	}
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
