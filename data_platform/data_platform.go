package dataplatform

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cepro/bmsmonitor/repository"
	"github.com/cepro/bmsmonitor/telemetry"
)

const (
	// uploadChunkLimit defines how many snapshots we can upload in one supabase HTTP request
	uploadChunkLimit = 100

	DefaultUploadInterval = 5 * time.Second
)

// SnapshotStore is the local buffer the snapshots sit in until they are uploaded.
type SnapshotStore interface {
	AddSnapshot(reading telemetry.LatestReading) error
	GetSnapshots(limit int, fresh bool) ([]repository.StoredSnapshot, error)
	DeleteSnapshots(snapshots []repository.StoredSnapshot) error
	IncrementUploadAttemptCount(snapshots []repository.StoredSnapshot) error
}

// Uploader inserts rows into a remote table.
type Uploader interface {
	Insert(ctx context.Context, table string, rows interface{}) error
}

// DataPlatform handles the streaming of snapshots to Supabase.
// Put new readings onto the Snapshots channel (or use Record), they will be bufferred on disk in a SQLite database
// before being uploaded to Supabase.
type DataPlatform struct {
	Snapshots chan telemetry.LatestReading

	repository     SnapshotStore
	uploader       Uploader
	table          string
	uploadInterval time.Duration
	logger         *slog.Logger
}

func New(uploader Uploader, repository SnapshotStore, table string, uploadInterval time.Duration) *DataPlatform {
	if uploadInterval <= 0 {
		uploadInterval = DefaultUploadInterval
	}
	return &DataPlatform{
		Snapshots:      make(chan telemetry.LatestReading, 25), // a small buffer to allow SQLite to catch up in case the disk is slow
		repository:     repository,
		uploader:       uploader,
		table:          table,
		uploadInterval: uploadInterval,
		logger:         slog.Default().With("db_table", table),
	}
}

// Record queues a reading for storage. It never blocks: when the buffer is full the reading is dropped.
func (d *DataPlatform) Record(reading telemetry.LatestReading) {
	select {
	case d.Snapshots <- reading:
	default:
		d.logger.Warn("Dropped snapshot, buffer full", "device_id", reading.DeviceKey)
	}
}

// Run loops until the context is done, storing snapshots as they arrive and uploading them periodically.
func (d *DataPlatform) Run(ctx context.Context) {

	uploadTicker := time.NewTicker(d.uploadInterval)
	defer uploadTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case reading := <-d.Snapshots:
			err := d.repository.AddSnapshot(reading)
			if err != nil {
				d.logger.Error("Failed to persist snapshot", "device_id", reading.DeviceKey, "error", err)
				continue
			}
			d.logger.Debug("Stored snapshot", "device_id", reading.DeviceKey)

		case <-uploadTicker.C:
			d.attemptUpload(ctx)
		}
	}
}

// attemptUpload uploads new snapshots first, and then one chunk of those that have already failed at least once.
func (d *DataPlatform) attemptUpload(ctx context.Context) {
	for _, fresh := range []bool{true, false} {
		snapshots, err := d.repository.GetSnapshots(uploadChunkLimit, fresh)
		if err != nil {
			d.logger.Error("Failed to query snapshots", "fresh", fresh, "error", err)
			continue
		}
		if len(snapshots) == 0 {
			continue
		}
		err = d.handleSnapshots(ctx, snapshots)
		if err != nil {
			d.logger.Error("Failed to handle snapshots", "fresh", fresh, "error", err)
		}
	}
}

// handleSnapshots attempts to upload the given snapshots. If successful, it deletes them from the database. If
// not, it increments their 'upload attempt count' and leaves them in the database for another time.
func (d *DataPlatform) handleSnapshots(ctx context.Context, snapshots []repository.StoredSnapshot) error {

	uploadErr := d.uploader.Insert(ctx, d.table, convertSnapshots(snapshots))
	if uploadErr != nil {
		uploadErr := fmt.Errorf("upload failed: %w", uploadErr)
		errInc := d.repository.IncrementUploadAttemptCount(snapshots)
		if errInc != nil {
			return fmt.Errorf("%w: increment upload attempt count: %w", uploadErr, errInc)
		}
		return uploadErr
	}

	// An upload that succeeds followed by a failed delete uploads the same rows again next time. The rows carry
	// their ids so the duplicates are rejected by supabase.
	deleteErr := d.repository.DeleteSnapshots(snapshots)
	if deleteErr != nil {
		return fmt.Errorf("delete snapshots: %w", deleteErr)
	}

	d.logger.Info("Uploaded snapshots", "db_records", len(snapshots))
	return nil
}
