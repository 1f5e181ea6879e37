package db

import (
	"fmt"
	"time"

	"github.com/zulandar/parlor/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.SessionRecord{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// CloseDangling marks every session left active by a previous process as
// closed. Live sessions do not survive a restart, so their rows are stale.
func CloseDangling(db *gorm.DB, reason string) (int64, error) {
	result := db.Model(&models.SessionRecord{}).
		Where("status = ?", models.SessionStatusActive).
		Updates(map[string]interface{}{
			"status":       models.SessionStatusClosed,
			"close_reason": reason,
			"closed_at":    time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("db: close dangling sessions: %w", result.Error)
	}
	return result.RowsAffected, nil
}
