package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/codec"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/document"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillFormatVersion = "2026-08-21_backfill_metadata_format_version"
	migrationBackfillSnapshotSizes = "2026-09-14_backfill_snapshot_sizes"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillFormatVersion, apply: backfillFormatVersion},
		{name: migrationBackfillSnapshotSizes, apply: backfillSnapshotSizes},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillFormatVersion marks rows written before format versions were
// recorded as legacy documents.
func backfillFormatVersion(db *gorm.DB) error {
	return db.Model(&store.Metadata{}).
		Where("format_version = 0").
		Update("format_version", document.LegacyFormatVersion).Error
}

// backfillSnapshotSizes fills size columns left empty by writers that only
// stored the envelope bytes.
func backfillSnapshotSizes(db *gorm.DB) error {
	var snapshots []store.Snapshot
	if err := db.Where("compressed_size = 0 OR compression = ''").Find(&snapshots).Error; err != nil {
		return err
	}
	for _, snapshot := range snapshots {
		compression := codec.CompressionNone
		compressedSize := int64(len(snapshot.Data))
		uncompressedSize := compressedSize
		if codec.HasHeader(snapshot.Data) {
			header, err := codec.ReadHeader(snapshot.Data)
			if err != nil {
				continue
			}
			compression = header.Compression
			compressedSize = int64(len(snapshot.Data) - codec.HeaderSize)
			uncompressedSize = int64(header.UncompressedSize)
		}
		err := db.Model(&store.Snapshot{}).
			Where("id = ?", snapshot.ID).
			Updates(map[string]any{
				"compression":       compression.String(),
				"compressed_size":   compressedSize,
				"uncompressed_size": uncompressedSize,
			}).Error
		if err != nil {
			return err
		}
	}
	return nil
}
