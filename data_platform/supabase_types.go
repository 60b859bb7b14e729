package dataplatform

import (
	"time"

	"github.com/cepro/bmsmonitor/repository"
	"github.com/google/uuid"
)

// supabaseSnapshot holds the json encoding schema for a BMS snapshot in supabase.
type supabaseSnapshot struct {
	ID                uuid.UUID          `json:"id"`
	Time              time.Time          `json:"time"`
	DeviceKey         string             `json:"device_key"`
	TotalBattVoltage  float64            `json:"total_batt_voltage"`
	TotalLoadVoltage  float64            `json:"total_load_voltage"`
	TotalCurrent      float64            `json:"total_current"`
	SOCPercent        float64            `json:"soc_percent"`
	BalanceSOCPercent float64            `json:"balance_soc_percent"`
	Values            map[string]float64 `json:"values"`
}

func convertSnapshots(snapshots []repository.StoredSnapshot) []supabaseSnapshot {
	supabaseSnapshots := make([]supabaseSnapshot, 0, len(snapshots))
	for _, s := range snapshots {
		supabaseSnapshots = append(supabaseSnapshots, supabaseSnapshot{
			ID:                s.ID,
			Time:              s.Time,
			DeviceKey:         s.DeviceKey,
			TotalBattVoltage:  s.TotalBattVoltage,
			TotalLoadVoltage:  s.TotalLoadVoltage,
			TotalCurrent:      s.TotalCurrent,
			SOCPercent:        s.SOCPercent,
			BalanceSOCPercent: s.BalanceSOCPercent,
			Values:            s.Values,
		})
	}
	return supabaseSnapshots
}
