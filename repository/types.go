package repository

import (
	"time"

	"github.com/cepro/bmsmonitor/telemetry"
	"github.com/google/uuid"
)

// StoredSnapshot is a polled reading persisted to the SQLite database, with a count of upload attempts.
type StoredSnapshot struct {
	ID                uuid.UUID `gorm:"primaryKey"`
	DeviceKey         string    `gorm:"index"`
	Time              time.Time `gorm:"index"`
	TotalBattVoltage  float64
	TotalLoadVoltage  float64
	TotalCurrent      float64
	SOCPercent        float64
	BalanceSOCPercent float64
	Values            map[string]float64 `gorm:"serializer:json"`

	UploadAttemptCount uint
}

func newStoredSnapshot(reading telemetry.LatestReading) StoredSnapshot {
	id := reading.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	return StoredSnapshot{
		ID:                 id,
		DeviceKey:          reading.DeviceKey,
		Time:               reading.Time,
		TotalBattVoltage:   reading.Pack.TotalBattVoltage,
		TotalLoadVoltage:   reading.Pack.TotalLoadVoltage,
		TotalCurrent:       reading.Pack.TotalCurrent,
		SOCPercent:         reading.StateOfCharge.SOCPercent,
		BalanceSOCPercent:  reading.StateOfCharge.BalanceSOCPercent,
		Values:             reading.Values,
		UploadAttemptCount: 0,
	}
}

// Reading converts back into the telemetry form.
func (s StoredSnapshot) Reading() telemetry.LatestReading {
	return telemetry.LatestReading{
		ID:        s.ID,
		DeviceKey: s.DeviceKey,
		Time:      s.Time,
		Pack: telemetry.PackSnapshot{
			TotalBattVoltage: s.TotalBattVoltage,
			TotalLoadVoltage: s.TotalLoadVoltage,
			TotalCurrent:     s.TotalCurrent,
		},
		StateOfCharge: telemetry.StateOfChargeSummary{
			SOCPercent:        s.SOCPercent,
			BalanceSOCPercent: s.BalanceSOCPercent,
		},
		Values: s.Values,
	}
}
