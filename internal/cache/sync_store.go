package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"queryprism/internal/ingest"
)

type SyncState string

const (
	SyncPending   SyncState = "pending"
	SyncRunning   SyncState = "running"
	SyncCompleted SyncState = "completed"
	SyncFailed    SyncState = "failed"
)

// Finished reports whether the job will not change state again.
func (s SyncState) Finished() bool {
	return s == SyncCompleted || s == SyncFailed
}

type SyncStatus struct {
	JobID     string             `json:"job_id"`
	TenantID  string             `json:"tenant_id"`
	State     SyncState          `json:"state"`
	Error     string             `json:"error,omitempty"`
	Report    *ingest.SyncReport `json:"report,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// SyncStore keeps folder-sync job status and the per-tenant run lock.
type SyncStore struct {
	client    *redisv9.Client
	statusTTL time.Duration
	lockTTL   time.Duration
}

func NewSyncStore(client *redisv9.Client, statusTTL, lockTTL time.Duration) *SyncStore {
	if statusTTL <= 0 {
		statusTTL = 24 * time.Hour
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}
	return &SyncStore{client: client, statusTTL: statusTTL, lockTTL: lockTTL}
}

func (s *SyncStore) GetStatus(ctx context.Context, jobID string) (*SyncStatus, bool, error) {
	raw, err := s.client.Get(ctx, statusKey(jobID)).Result()
	if err == redisv9.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get sync status failed: %w", err)
	}

	var status SyncStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return nil, false, fmt.Errorf("unmarshal sync status failed: %w", err)
	}
	return &status, true, nil
}

// SetStatus stores status and points the tenant's latest job at it.
func (s *SyncStore) SetStatus(ctx context.Context, status *SyncStatus) error {
	status.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal sync status failed: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redisv9.Pipeliner) error {
		pipe.Set(ctx, statusKey(status.JobID), payload, s.statusTTL)
		pipe.Set(ctx, latestKey(status.TenantID), status.JobID, s.statusTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set sync status failed: %w", err)
	}
	return nil
}

func (s *SyncStore) LatestJobID(ctx context.Context, tenantID string) (string, bool, error) {
	jobID, err := s.client.Get(ctx, latestKey(tenantID)).Result()
	if err == redisv9.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get latest sync failed: %w", err)
	}
	return jobID, true, nil
}

// AcquireLock claims the tenant's sync slot for jobID. It reports false
// when another job holds it.
func (s *SyncStore) AcquireLock(ctx context.Context, tenantID, jobID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, lockKey(tenantID), jobID, s.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis acquire sync lock failed: %w", err)
	}
	return ok, nil
}

var releaseScript = redisv9.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ReleaseLock frees the slot only if jobID still holds it.
func (s *SyncStore) ReleaseLock(ctx context.Context, tenantID, jobID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{lockKey(tenantID)}, jobID).Err(); err != nil && err != redisv9.Nil {
		return fmt.Errorf("redis release sync lock failed: %w", err)
	}
	return nil
}

func (s *SyncStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func statusKey(jobID string) string {
	return fmt.Sprintf("drive:sync:status:%s", jobID)
}

func latestKey(tenantID string) string {
	return fmt.Sprintf("drive:sync:latest:%s", tenantID)
}

func lockKey(tenantID string) string {
	return fmt.Sprintf("drive:sync:lock:%s", tenantID)
}
