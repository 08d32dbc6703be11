package db

import (
	"log/slog"
	"time"

	"gorm.io/gorm"
)

// runRetentionOnce performs a single pass of retention cleanup, deleting any
// occurrence rows whose ExpiresAt is in the past. Groups keep their counters;
// only raw rows age out.
func runRetentionOnce(db *gorm.DB) error {
	now := time.Now()
	return db.Where("expires_at IS NOT NULL AND expires_at <= ?", now).Delete(&Occurrence{}).Error
}

// StartRetentionWorker launches a background goroutine that runs the
// retention cleanup once at startup and then once per day.
func StartRetentionWorker(db *gorm.DB, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		if err := runRetentionOnce(db); err != nil {
			logger.Error("retention cleanup failed at startup", "error", err)
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for range ticker.C {
			if err := runRetentionOnce(db); err != nil {
				logger.Error("retention cleanup failed", "error", err)
			}
		}
	}()
}
