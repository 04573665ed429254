package links

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/vaultdrop/vaultdrop/models"
)

// GormStore is the production MetadataStore on top of MySQL. Quota consumption
// relies on a single conditional UPDATE, so the database serializes concurrent
// redemptions of the same token.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an initialized gorm DB.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Get(ctx context.Context, token string) (*models.FileRecord, error) {
	var rec models.FileRecord
	err := s.db.WithContext(ctx).Where("token = ?", token).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load file record: %w", err)
	}
	return &rec, nil
}

func (s *GormStore) Insert(ctx context.Context, rec *models.FileRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert file record: %w", err)
	}
	return nil
}

// ConsumeSlot runs "increment if below limit" as one statement and inspects
// RowsAffected: 0 means the quota was already exhausted or the record is gone.
func (s *GormStore) ConsumeSlot(ctx context.Context, token string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.FileRecord{}).
		Where("token = ? AND download_count < max_downloads", token).
		UpdateColumn("download_count", gorm.Expr("download_count + 1"))
	if res.Error != nil {
		return false, fmt.Errorf("consume download slot: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) Delete(ctx context.Context, token string) error {
	err := s.db.WithContext(ctx).Where("token = ?", token).Delete(&models.FileRecord{}).Error
	if err != nil {
		return fmt.Errorf("delete file record: %w", err)
	}
	return nil
}

func (s *GormStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]models.FileRecord, error) {
	var recs []models.FileRecord
	err := s.db.WithContext(ctx).
		Where("DATE_ADD(created_at, INTERVAL expiration_minutes MINUTE) <= ?", before).
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list expired records: %w", err)
	}
	return recs, nil
}
