package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ephemeral.share/internal/models"
)

var _ Store = (*SQLStore)(nil)

// secretRow is the persisted shape of a secret.
type secretRow struct {
	ID        string    `gorm:"primaryKey;size:64"`
	Message   []byte    `gorm:"type:blob"`
	CreatedAt time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	Consumed  bool      `gorm:"not null;default:false"`
	Origin    string    `gorm:"index;size:255"`
}

func (secretRow) TableName() string { return "secrets" }

// SQLStore keeps secrets in SQLite through GORM. Take decides the winner with
// a conditional write that must affect exactly one row.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore opens (and migrates) the database at dsn. Use ":memory:" for a
// throwaway database.
func NewSQLStore(dsn string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// One connection: SQLite allows a single writer, and ":memory:" is
	// per-connection.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&secretRow{}); err != nil {
		return nil, fmt.Errorf("migrate secrets: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Save(ctx context.Context, secret *models.Secret) error {
	return s.tx(ctx, func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&secretRow{}).Where("id = ?", secret.ID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrExists
		}
		row := toRow(secret)
		return tx.Create(&row).Error
	})
}

func (s *SQLStore) Get(ctx context.Context, id string) (*models.Secret, error) {
	var row secretRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.wrap(err)
	}
	return fromRow(&row), nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&secretRow{}).Error
	return s.wrap(err)
}

func (s *SQLStore) Take(ctx context.Context, id string, now time.Time, tombstone bool) (*models.Secret, error) {
	if err := notExecuted(ctx); err != nil {
		return nil, err
	}
	var (
		taken   *models.Secret
		expired bool
	)
	err := s.tx(ctx, func(tx *gorm.DB) error {
		var row secretRow
		err := tx.Where("id = ?", id).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if row.Consumed {
			return ErrConsumed
		}

		if !now.Before(row.ExpiresAt) {
			expired = true
			return tx.Where("id = ?", id).Delete(&secretRow{}).Error
		}

		// Only the writer that flips an unconsumed row wins.
		var res *gorm.DB
		if tombstone {
			res = tx.Model(&secretRow{}).
				Where("id = ? AND consumed = ?", id, false).
				Updates(map[string]any{"consumed": true, "message": nil})
		} else {
			res = tx.Where("id = ? AND consumed = ?", id, false).Delete(&secretRow{})
		}
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrConsumed
		}
		taken = fromRow(&row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, ErrExpired
	}
	return taken, nil
}

func (s *SQLStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&secretRow{})
	if res.Error != nil {
		return 0, s.wrap(res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *SQLStore) ListByOrigin(ctx context.Context, origin string) ([]*models.Secret, error) {
	var rows []secretRow
	err := s.db.WithContext(ctx).
		Where("origin = ?", origin).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, s.wrap(err)
	}
	out := make([]*models.Secret, 0, len(rows))
	for i := range rows {
		out = append(out, fromRow(&rows[i]))
	}
	return out, nil
}

func (s *SQLStore) Count(ctx context.Context, now time.Time) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&secretRow{}).
		Where("consumed = ? AND expires_at > ?", false, now.UTC()).
		Count(&n).Error
	if err != nil {
		return 0, s.wrap(err)
	}
	return int(n), nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the connection so other tables (the access log) can share it.
func (s *SQLStore) DB() *gorm.DB {
	return s.db
}

func (s *SQLStore) tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.wrap(s.db.WithContext(ctx).Transaction(fn))
}

func (s *SQLStore) wrap(err error) error {
	switch {
	case err == nil,
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConsumed),
		errors.Is(err, ErrExpired),
		errors.Is(err, ErrExists),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func toRow(secret *models.Secret) secretRow {
	return secretRow{
		ID:        secret.ID,
		Message:   secret.Message,
		CreatedAt: secret.CreatedAt.UTC(),
		ExpiresAt: secret.ExpiresAt.UTC(),
		Consumed:  secret.Consumed,
		Origin:    secret.Origin,
	}
}

func fromRow(row *secretRow) *models.Secret {
	return &models.Secret{
		ID:        row.ID,
		Message:   row.Message,
		CreatedAt: row.CreatedAt.UTC(),
		ExpiresAt: row.ExpiresAt.UTC(),
		Consumed:  row.Consumed,
		Origin:    row.Origin,
	}
}
