package dataplatform

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cepro/bmsmonitor/repository"
	"github.com/cepro/bmsmonitor/telemetry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	mu     sync.Mutex
	err    error
	tables []string
	rows   [][]supabaseSnapshot
}

func (f *fakeUploader) Insert(ctx context.Context, table string, rows interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables = append(f.tables, table)
	f.rows = append(f.rows, rows.([]supabaseSnapshot))
	return f.err
}

func (f *fakeUploader) uploaded() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	if f.err != nil {
		return 0
	}
	for _, r := range f.rows {
		n += len(r)
	}
	return n
}

func newTestRepository(t *testing.T) *repository.Repository {
	t.Helper()
	r, err := repository.New(filepath.Join(t.TempDir(), "buffer.sqlite"))
	require.NoError(t, err)
	return r
}

func snapshot(deviceKey string, soc float64) telemetry.LatestReading {
	return telemetry.LatestReading{
		ID:            uuid.New(),
		DeviceKey:     deviceKey,
		Time:          time.Now().UTC(),
		StateOfCharge: telemetry.StateOfChargeSummary{SOCPercent: soc},
		Values:        map[string]float64{"SOCPercent": soc},
	}
}

func TestAttemptUploadDeletesOnSuccess(t *testing.T) {
	repo := newTestRepository(t)
	uploader := &fakeUploader{}
	d := New(uploader, repo, "bms_snapshots", time.Hour)

	require.NoError(t, repo.AddSnapshot(snapshot("440", 81)))
	require.NoError(t, repo.AddSnapshot(snapshot("441", 82)))

	d.attemptUpload(context.Background())

	require.Len(t, uploader.rows, 1)
	assert.Equal(t, "bms_snapshots", uploader.tables[0])
	assert.Len(t, uploader.rows[0], 2)

	n, err := repo.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestAttemptUploadKeepsOnFailure(t *testing.T) {
	repo := newTestRepository(t)
	uploader := &fakeUploader{err: errors.New("timed out")}
	d := New(uploader, repo, "bms_snapshots", time.Hour)

	require.NoError(t, repo.AddSnapshot(snapshot("440", 81)))

	// fresh upload fails, then the same row is retried as an old one and fails again
	d.attemptUpload(context.Background())
	assert.Len(t, uploader.rows, 2)

	old, err := repo.GetSnapshots(10, false)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, uint(2), old[0].UploadAttemptCount)

	uploader.mu.Lock()
	uploader.err = nil
	uploader.mu.Unlock()

	d.attemptUpload(context.Background())
	n, err := repo.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestAttemptUploadNothingToDo(t *testing.T) {
	uploader := &fakeUploader{}
	d := New(uploader, newTestRepository(t), "bms_snapshots", time.Hour)

	d.attemptUpload(context.Background())
	assert.Empty(t, uploader.rows)
}

func TestRunStoresAndUploads(t *testing.T) {
	repo := newTestRepository(t)
	uploader := &fakeUploader{}
	d := New(uploader, repo, "bms_snapshots", 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	d.Record(snapshot("440", 50))
	d.Record(snapshot("440", 51))

	require.Eventually(t, func() bool { return uploader.uploaded() == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done

	n, err := repo.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRecordDropsWhenFull(t *testing.T) {
	d := New(&fakeUploader{}, newTestRepository(t), "bms_snapshots", time.Hour)

	for i := 0; i < cap(d.Snapshots)+5; i++ {
		d.Record(snapshot("440", float64(i)))
	}
	assert.Len(t, d.Snapshots, cap(d.Snapshots))
}

func TestConvertSnapshots(t *testing.T) {
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	id := uuid.New()
	rows := convertSnapshots([]repository.StoredSnapshot{{
		ID: id, DeviceKey: "440", Time: at, TotalBattVoltage: 52, SOCPercent: 80, Values: map[string]float64{"a": 1},
	}})

	assert.Equal(t, []supabaseSnapshot{{
		ID: id, DeviceKey: "440", Time: at, TotalBattVoltage: 52, SOCPercent: 80, Values: map[string]float64{"a": 1},
	}}, rows)
}
