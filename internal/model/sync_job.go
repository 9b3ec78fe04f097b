package model

import "time"

// SyncJob asks a worker to pull a tenant's Drive folder into the index.
type SyncJob struct {
	JobID       string    `json:"job_id"`
	UserID      uint      `json:"user_id"`
	TenantID    string    `json:"tenant_id"`
	FolderID    string    `json:"folder_id"`
	RequestedAt time.Time `json:"requested_at"`
}
