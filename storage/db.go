package storage

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the broker's relational store. A postgres DSN selects the
// production driver; an empty or file path DSN falls back to sqlite, which
// also backs the test suites.
func Open(databaseURL string) (*gorm.DB, error) {
	dsn := strings.TrimSpace(databaseURL)
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if dsn == "" {
		db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), cfg)
		if err != nil {
			return nil, fmt.Errorf("storage: open in-memory sqlite: %w", err)
		}
		return db, nil
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		db, err := gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("storage: open postgres: %w", err)
		}
		return db, nil
	}
	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", dsn, err)
	}
	return db, nil
}

// Ping verifies the underlying connection is alive.
func Ping(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("storage: not configured")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
