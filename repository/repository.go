package repository

import (
	"fmt"

	"github.com/cepro/bmsmonitor/telemetry"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Repository buffers snapshots on the local file system (sqlite) before they are uploaded to Supabase.
type Repository struct {
	db *gorm.DB
}

func New(path string) (*Repository, error) {

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Migrate the schema
	err = db.AutoMigrate(&StoredSnapshot{})
	if err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Repository{
		db: db,
	}, nil
}

func (r *Repository) AddSnapshot(reading telemetry.LatestReading) error {
	snapshot := newStoredSnapshot(reading)
	result := r.db.Create(&snapshot)
	return result.Error
}

// GetSnapshots returns up to `limit` snapshots. Fresh snapshots have never been tried, the others have failed
// to upload at least once.
func (r *Repository) GetSnapshots(limit int, fresh bool) ([]StoredSnapshot, error) {
	var snapshots []StoredSnapshot

	query := r.db.Limit(limit).Order("upload_attempt_count asc, time desc")
	if fresh {
		query = query.Where("upload_attempt_count = ?", 0)
	} else {
		query = query.Where("upload_attempt_count > ?", 0)
	}
	result := query.Find(&snapshots)
	if result.Error != nil {
		return nil, result.Error
	}
	return snapshots, nil
}

func (r *Repository) DeleteSnapshots(snapshots []StoredSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	result := r.db.Where("id IN ?", ids(snapshots)).Delete(&StoredSnapshot{})
	return result.Error
}

func (r *Repository) IncrementUploadAttemptCount(snapshots []StoredSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	result := r.db.Model(&StoredSnapshot{}).
		Where("id IN ?", ids(snapshots)).
		UpdateColumn("upload_attempt_count", gorm.Expr("upload_attempt_count + ?", 1))
	return result.Error
}

// Count returns the number of buffered snapshots.
func (r *Repository) Count() (int64, error) {
	var n int64
	result := r.db.Model(&StoredSnapshot{}).Count(&n)
	return n, result.Error
}

func ids(snapshots []StoredSnapshot) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, s.ID)
	}
	return out
}
