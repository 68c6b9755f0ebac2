package store

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/document"
	"github.com/MarcoPoloResearchLab/sketchpad/backend/internal/faults"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opMetadataGet    = "store.metadata.get"
	opMetadataUpsert = "store.metadata.upsert"
	opMetadataList   = "store.metadata.list"
)

// MetadataStore reads and writes the per-document metadata row.
type MetadataStore struct {
	store *Store
}

// WithTx binds the view to an enclosing transaction.
func (m *MetadataStore) WithTx(tx *gorm.DB) *MetadataStore {
	return m.store.WithTx(tx).Metadata()
}

// HasRelation reports whether the metadata table exists.
func (m *MetadataStore) HasRelation(ctx context.Context) bool {
	return m.store.db.WithContext(ctx).Migrator().HasTable(&Metadata{})
}

// Get returns the metadata row for documentID or a NotFound fault.
func (m *MetadataStore) Get(ctx context.Context, documentID document.ID) (MetadataRecord, error) {
	var model Metadata
	err := m.store.db.WithContext(ctx).Where(queryDocument, documentID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return MetadataRecord{}, faults.NotFound(opMetadataGet, faults.ReasonDocumentNotFound, ErrUnknownDocument)
	}
	if err != nil {
		return MetadataRecord{}, m.store.ioFault(opMetadataGet, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
	}
	return metadataRecordFromModel(model), nil
}

// Exists reports whether documentID has a metadata row.
func (m *MetadataStore) Exists(ctx context.Context, documentID document.ID) (bool, error) {
	var count int64
	err := m.store.db.WithContext(ctx).Model(&Metadata{}).Where(queryDocument, documentID.String()).Count(&count).Error
	if err != nil {
		return false, m.store.ioFault(opMetadataGet, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
	}
	return count > 0, nil
}

// Upsert inserts the row on first save and otherwise updates title, modified
// time and format version. created reports whether a row was inserted.
func (m *MetadataStore) Upsert(ctx context.Context, documentID document.ID, update MetadataUpdate) (record MetadataRecord, created bool, err error) {
	db := m.store.db.WithContext(ctx)
	nowMs := m.store.nowMs()

	var existing Metadata
	lookupErr := db.Where(queryDocument, documentID.String()).Take(&existing).Error
	if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
		model := Metadata{
			DocumentID:    documentID.String(),
			Title:         update.Title,
			FormatVersion: update.FormatVersion,
			CreatedAtMs:   nowMs,
			ModifiedAtMs:  nowMs,
		}
		if err := db.Create(&model).Error; err != nil {
			return MetadataRecord{}, false, m.store.ioFault(opMetadataUpsert, reasonInsertFailed, err, zap.String(fieldDocumentID, documentID.String()))
		}
		return metadataRecordFromModel(model), true, nil
	}
	if lookupErr != nil {
		return MetadataRecord{}, false, m.store.ioFault(opMetadataUpsert, reasonQueryFailed, lookupErr, zap.String(fieldDocumentID, documentID.String()))
	}

	err = db.Model(&Metadata{}).
		Where(queryDocument, documentID.String()).
		Updates(map[string]any{
			"title":          update.Title,
			"format_version": update.FormatVersion,
			"modified_at":    nowMs,
		}).Error
	if err != nil {
		return MetadataRecord{}, false, m.store.ioFault(opMetadataUpsert, reasonUpdateFailed, err, zap.String(fieldDocumentID, documentID.String()))
	}
	existing.Title = update.Title
	existing.FormatVersion = update.FormatVersion
	existing.ModifiedAtMs = nowMs
	return metadataRecordFromModel(existing), false, nil
}

// List returns every metadata row ordered by document id.
func (m *MetadataStore) List(ctx context.Context) ([]MetadataRecord, error) {
	var models []Metadata
	if err := m.store.db.WithContext(ctx).Order(fieldDocumentID + " ASC").Find(&models).Error; err != nil {
		return nil, m.store.ioFault(opMetadataList, reasonQueryFailed, err)
	}
	records := make([]MetadataRecord, 0, len(models))
	for _, model := range models {
		records = append(records, metadataRecordFromModel(model))
	}
	return records, nil
}
