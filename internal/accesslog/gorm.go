package accesslog

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type accessRow struct {
	ID             string    `gorm:"primaryKey;size:36"`
	SecretID       string    `gorm:"index;size:64;not null"`
	AccessedAt     time.Time `gorm:"not null"`
	AccessorOrigin string    `gorm:"size:255"`
}

func (accessRow) TableName() string { return "secret_access_logs" }

// GormSink stores entries in the secret_access_logs table.
type GormSink struct {
	db *gorm.DB
}

func NewGormSink(db *gorm.DB) (*GormSink, error) {
	if err := db.AutoMigrate(&accessRow{}); err != nil {
		return nil, fmt.Errorf("migrate access log: %w", err)
	}
	return &GormSink{db: db}, nil
}

func (s *GormSink) Write(ctx context.Context, entry Entry) error {
	row := accessRow{
		ID:             entry.ID,
		SecretID:       entry.SecretID,
		AccessedAt:     entry.AccessedAt,
		AccessorOrigin: entry.AccessorOrigin,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// ForSecret returns the entries for one secret, oldest first.
func (s *GormSink) ForSecret(ctx context.Context, secretID string) ([]Entry, error) {
	var rows []accessRow
	err := s.db.WithContext(ctx).
		Where("secret_id = ?", secretID).
		Order("accessed_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		out = append(out, Entry{
			ID:             row.ID,
			SecretID:       row.SecretID,
			AccessedAt:     row.AccessedAt.UTC(),
			AccessorOrigin: row.AccessorOrigin,
		})
	}
	return out, nil
}
