package database

import (
	"path/filepath"
	"testing"

	"github.com/TrailmarkLabs/trailmark/offline/internal/queue"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesQueueStatus(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&queue.QueuedOperation{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := queue.QueuedOperation{
		ID:            "op-1",
		EntityType:    "chat_message",
		OperationType: queue.OperationTypeCreate,
		ScopeID:       "trip-1",
		PayloadJSON:   `{"text":"hello"}`,
		EnqueuedAtMs:  1700000000000,
		Status:        "Pending",
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert legacy operation: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored queue.QueuedOperation
	if err := database.Where("id = ?", legacy.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload operation: %v", err)
	}
	if stored.Status != queue.StatusPending {
		testContext.Fatalf("expected status to be normalized, got %q", stored.Status)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeQueueStatus).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLiteIsRepeatable(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "store.db")

	first, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := first.DB()
	if err != nil {
		testContext.Fatalf("failed to unwrap database: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		testContext.Fatalf("failed to close database: %v", err)
	}

	// A second open against the same file must be purely additive.
	second, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to reopen database: %v", err)
	}
	var count int64
	if err := second.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected exactly one migration record, got %d", count)
	}
}
