package model

import "time"

// Document is an ownership record: tenant TenantID uploaded Filename. At most
// one record exists per (tenant, filename) pair.
type Document struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TenantID   string    `gorm:"size:64;not null;uniqueIndex:idx_documents_owner,priority:1" json:"tenant_id"`
	Filename   string    `gorm:"size:255;not null;uniqueIndex:idx_documents_owner,priority:2" json:"filename"`
	UploadedAt time.Time `gorm:"not null;index" json:"uploaded_at"`
}
