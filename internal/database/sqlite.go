package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var errCheckpointBusy = errors.New("wal checkpoint could not complete: database busy")

// OpenSQLite establishes a SQLite connection in WAL mode and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL", "PRAGMA busy_timeout=5000"} {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	models := append(store.Models(), &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
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

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces the write-ahead log into the main database file and truncates it.
func Checkpoint(ctx context.Context, db *gorm.DB) error {
	var busy, logFrames, checkpointedFrames int64
	row := db.WithContext(ctx).Raw("PRAGMA wal_checkpoint(TRUNCATE)").Row()
	if err := row.Scan(&busy, &logFrames, &checkpointedFrames); err != nil {
		return err
	}
	if busy != 0 {
		return errCheckpointBusy
	}
	return nil
}

// FileSize returns the size in bytes of the main database file.
func FileSize(ctx context.Context, db *gorm.DB) (int64, error) {
	var size int64
	err := db.WithContext(ctx).
		Raw("SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()").
		Scan(&size).Error
	if err != nil {
		return 0, err
	}
	return size, nil
}
