package database

import (
	"fmt"

	"github.com/TrailmarkLabs/trailmark/offline/internal/cache"
	"github.com/TrailmarkLabs/trailmark/offline/internal/queue"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes the single local SQLite connection and performs
// schema migrations for the three offline collections: the operation queue,
// cached entities, and scope snapshots.
//
// The returned handle is meant to be opened once per process and injected into
// every higher component; the store itself carries no business rules. Schema
// evolution is additive: AutoMigrate only adds tables, columns and indexes,
// and named migrations are recorded so existing rows survive upgrades.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&queue.QueuedOperation{},
		&cache.CachedEntity{},
		&cache.ScopeSnapshot{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
