package repository

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cepro/bmsmonitor/telemetry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	r, err := New(filepath.Join(t.TempDir(), "buffer.sqlite"))
	require.NoError(t, err)
	return r
}

func reading(deviceKey string, at time.Time, soc float64) telemetry.LatestReading {
	return telemetry.LatestReading{
		ID:            uuid.New(),
		DeviceKey:     deviceKey,
		Time:          at,
		Pack:          telemetry.PackSnapshot{TotalBattVoltage: 52.4, TotalCurrent: -3},
		StateOfCharge: telemetry.StateOfChargeSummary{SOCPercent: soc},
		Values:        map[string]float64{"Node00Cell00": 3.31},
	}
}

func TestRepositoryRoundTrip(t *testing.T) {
	r := newTestRepository(t)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	in := reading("440", at, 80)

	require.NoError(t, r.AddSnapshot(in))

	fresh, err := r.GetSnapshots(10, true)
	require.NoError(t, err)
	require.Len(t, fresh, 1)

	out := fresh[0].Reading()
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.DeviceKey, out.DeviceKey)
	assert.True(t, in.Time.Equal(out.Time))
	assert.Equal(t, in.Pack, out.Pack)
	assert.Equal(t, in.StateOfCharge, out.StateOfCharge)
	assert.Equal(t, in.Values, out.Values)
}

func TestRepositoryFreshAndOld(t *testing.T) {
	r := newTestRepository(t)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, r.AddSnapshot(reading("440", at.Add(time.Duration(i)*time.Minute), float64(i))))
	}

	fresh, err := r.GetSnapshots(2, true)
	require.NoError(t, err)
	require.Len(t, fresh, 2)
	// newest first
	assert.Equal(t, 2.0, fresh[0].SOCPercent)
	assert.Equal(t, 1.0, fresh[1].SOCPercent)

	require.NoError(t, r.IncrementUploadAttemptCount(fresh))

	old, err := r.GetSnapshots(10, false)
	require.NoError(t, err)
	assert.Len(t, old, 2)
	for _, s := range old {
		assert.Equal(t, uint(1), s.UploadAttemptCount)
	}

	remaining, err := r.GetSnapshots(10, true)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, 0.0, remaining[0].SOCPercent)

	require.NoError(t, r.DeleteSnapshots(old))
	n, err := r.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRepositoryEmptyBatches(t *testing.T) {
	r := newTestRepository(t)

	assert.NoError(t, r.DeleteSnapshots(nil))
	assert.NoError(t, r.IncrementUploadAttemptCount(nil))

	old, err := r.GetSnapshots(10, false)
	require.NoError(t, err)
	assert.Empty(t, old)
}

func TestNewStoredSnapshotAssignsID(t *testing.T) {
	s := newStoredSnapshot(telemetry.LatestReading{DeviceKey: "440"})
	assert.NotEqual(t, uuid.Nil, s.ID)
	assert.Equal(t, uint(0), s.UploadAttemptCount)
}
