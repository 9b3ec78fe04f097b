package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"queryprism/internal/model"
	"queryprism/internal/pkg/apperr"
)

// DocumentRepository is the ownership ledger.
type DocumentRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db, now: time.Now}
}

// Upsert records that tenantID owns filename. An existing record is left
// untouched; created reports whether a new row was written.
func (r *DocumentRepository) Upsert(ctx context.Context, tenantID, filename string) (created bool, err error) {
	doc := &model.Document{TenantID: tenantID, Filename: filename, UploadedAt: r.now().UTC()}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "filename"}},
			DoNothing: true,
		}).
		Create(doc)
	if res.Error != nil {
		return false, ledgerFailure(res.Error, "upsert document failed", tenantID, filename)
	}
	return res.RowsAffected > 0, nil
}

func (r *DocumentRepository) Get(ctx context.Context, tenantID, filename string) (*model.Document, error) {
	var doc model.Document
	err := r.db.WithContext(ctx).Where("tenant_id = ? AND filename = ?", tenantID, filename).First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, ledgerFailure(err, "get document failed", tenantID, filename)
	}
	return &doc, nil
}

func (r *DocumentRepository) Exists(ctx context.Context, tenantID, filename string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Document{}).
		Where("tenant_id = ? AND filename = ?", tenantID, filename).
		Count(&n).Error
	if err != nil {
		return false, ledgerFailure(err, "check document failed", tenantID, filename)
	}
	return n > 0, nil
}

// Delete removes the record and reports whether one existed.
func (r *DocumentRepository) Delete(ctx context.Context, tenantID, filename string) (bool, error) {
	res := r.db.WithContext(ctx).Where("tenant_id = ? AND filename = ?", tenantID, filename).Delete(&model.Document{})
	if res.Error != nil {
		return false, ledgerFailure(res.Error, "delete document failed", tenantID, filename)
	}
	return res.RowsAffected > 0, nil
}

// ListByTenant returns the tenant's documents, newest first.
func (r *DocumentRepository) ListByTenant(ctx context.Context, tenantID string) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("uploaded_at DESC").Order("id DESC").
		Find(&docs).Error
	if err != nil {
		return nil, ledgerFailure(err, "list documents failed", tenantID, "")
	}
	return docs, nil
}

func (r *DocumentRepository) ListAll(ctx context.Context) ([]model.Document, error) {
	var docs []model.Document
	if err := r.db.WithContext(ctx).Order("tenant_id, filename").Find(&docs).Error; err != nil {
		return nil, apperr.Wrap(err, apperr.CodeLedgerFailure, "list all documents failed")
	}
	return docs, nil
}

func ledgerFailure(err error, msg, tenantID, filename string) error {
	fields := []apperr.Attr{apperr.FieldTenant(tenantID)}
	if filename != "" {
		fields = append(fields, apperr.FieldFilename(filename))
	}
	return apperr.Wrap(err, apperr.CodeLedgerFailure, msg, fields...)
}
