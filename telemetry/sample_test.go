package telemetry

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFieldNames(t *testing.T) {
	assert.Equal(t, "Node00Cell00", CellField(0, 0))
	assert.Equal(t, "Node01Cell13", CellField(1, 13))
	assert.Equal(t, "Node01Temp03", TempField(1, 3))
	assert.Equal(t, "Temp05", TempLabel(5))
}

func TestDecodeBmsSample(t *testing.T) {
	raw := RawSample{
		"Timestamp":                Number(3),
		"Node00Cell00":             Number(3.31),
		"Node01Cell13":             String("3.29"),
		"Node00Temp02":             Number(25.5),
		"Node01Temp09":             Number(0),
		"TotalBattVoltage":         Number(51.2),
		"TotalLoadVoltage":         String("50.9"),
		"TotalCurrent":             Number(-12.5),
		"MaxCellVoltage":           Number(3.4),
		"MaxCellVoltageNode":       Number(1),
		"CellVoltageHighThreshold": Number(3.65),
		"MaxCellTemp":              Number(31),
		"MinCellTempNode":          Number(1),
		"SOCPercent":               Number(87),
		"BalanceSOCPercent":        String("85.5"),
		"Unrelated":                String("ignored"),
	}

	sample := DecodeBmsSample(raw)

	assert.Equal(t, float64(3), sample.Timestamp)
	assert.Equal(t, 3.31, sample.Cells[0][0])
	assert.Equal(t, 3.29, sample.Cells[1][13])
	assert.True(t, math.IsNaN(sample.Cells[0][1]), "absent cell is NaN")
	assert.Equal(t, 25.5, sample.Temps[0][2])
	assert.Equal(t, float64(0), sample.Temps[1][9])

	assert.Equal(t, PackSnapshot{TotalBattVoltage: 51.2, TotalLoadVoltage: 50.9, TotalCurrent: -12.5}, sample.Pack)
	assert.Equal(t, 3.4, sample.CellSummary.MaxCellVoltage)
	assert.Equal(t, 1, sample.CellSummary.MaxCellVoltageNode)
	assert.Equal(t, 3.65, sample.CellSummary.CellVoltageHighThreshold)
	assert.Equal(t, float64(0), sample.CellSummary.MinCellVoltage)
	assert.Equal(t, float64(31), sample.TempSummary.MaxCellTemp)
	assert.Equal(t, 1, sample.TempSummary.MinCellTempNode)
	assert.Equal(t, StateOfChargeSummary{SOCPercent: 87, BalanceSOCPercent: 85.5}, sample.StateOfCharge)
}

func TestDecodeBmsSampleEmpty(t *testing.T) {
	sample := DecodeBmsSample(RawSample{})

	assert.Equal(t, float64(0), sample.Timestamp)
	assert.Equal(t, PackSnapshot{}, sample.Pack)
	for node := 0; node < NodeCount; node++ {
		for cell := 0; cell < CellsPerNode; cell++ {
			assert.True(t, math.IsNaN(sample.Cells[node][cell]))
		}
	}
}

func TestDecodeBmsSampleUnparseableTimestamp(t *testing.T) {
	sample := DecodeBmsSample(RawSample{"Timestamp": String("yesterday")})
	assert.Equal(t, float64(0), sample.Timestamp)
}

func TestIsValidReading(t *testing.T) {
	assert.True(t, IsValidReading(0.001))
	assert.True(t, IsValidReading(3.3))
	assert.False(t, IsValidReading(0))
	assert.False(t, IsValidReading(-1))
	assert.False(t, IsValidReading(math.NaN()))
	assert.False(t, IsValidReading(math.Inf(1)))
	assert.False(t, IsValidReading(math.Inf(-1)))
}

func TestTimestampToTime(t *testing.T) {
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), TimestampToTime(1700000000))
	assert.Equal(t, time.UnixMilli(1700000000123).UTC(), TimestampToTime(1700000000123))
}

func TestControllerSeriesFromRows(t *testing.T) {
	rows := []RawSample{
		{"Timestamp": Number(2), "PackPower": Number(20), "DeviceId": String("PACK_CONTROLLER")},
		{"Timestamp": Number(1), "PackPower": Number(10), "SiteLoad": Number(5)},
	}

	series := ControllerSeriesFromRows(rows, "DeviceId")

	assert.Equal(t, []MetricPoint{{Timestamp: 1, Value: 10}, {Timestamp: 2, Value: 20}}, series.Metrics["PackPower"])
	assert.Equal(t, []MetricPoint{{Timestamp: 1, Value: 5}}, series.Metrics["SiteLoad"])
	assert.NotContains(t, series.Metrics, "Timestamp")
	assert.NotContains(t, series.Metrics, "DeviceId")
}

func TestNewLatestReading(t *testing.T) {
	now := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	raw := RawSample{
		"Timestamp":        Number(1700000000),
		"TotalBattVoltage": Number(51.2),
		"TotalCurrent":     Number(3),
		"SOCPercent":       Number(80),
		"DeviceId":         String("440"),
	}

	reading := NewLatestReading("440", raw, now)

	assert.Equal(t, "440", reading.DeviceKey)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), reading.Time)
	assert.Equal(t, 51.2, reading.Pack.TotalBattVoltage)
	assert.Equal(t, float64(80), reading.StateOfCharge.SOCPercent)
	assert.Equal(t, map[string]float64{"TotalBattVoltage": 51.2, "TotalCurrent": 3, "SOCPercent": 80}, reading.Values)

	noTimestamp := NewLatestReading("440", RawSample{}, now)
	assert.Equal(t, now, noTimestamp.Time)
}
