package app

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"queryprism/internal/cache"
	"queryprism/internal/drive"
	"queryprism/internal/ingest"
	"queryprism/internal/model"
	"queryprism/internal/pkg/apperr"
	"queryprism/internal/pkg/jwtutil"
	"queryprism/internal/pkg/logger"
	"queryprism/internal/repository"
)

const (
	minFolderIDLen = 10
	stateTokenTTL  = 10 * time.Minute
	// a sync that overruns this is cancelled and its remaining files fail
	maxSyncDuration = 30 * time.Minute
)

// DriveAuthorizer runs the OAuth consent flow for Drive access.
type DriveAuthorizer interface {
	Configured() bool
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (string, error)
}

type SyncJobPublisher interface {
	Publish(ctx context.Context, job model.SyncJob) error
}

type SyncStatusStore interface {
	GetStatus(ctx context.Context, jobID string) (*cache.SyncStatus, bool, error)
	SetStatus(ctx context.Context, status *cache.SyncStatus) error
	LatestJobID(ctx context.Context, tenantID string) (string, bool, error)
	AcquireLock(ctx context.Context, tenantID, jobID string) (bool, error)
	ReleaseLock(ctx context.Context, tenantID, jobID string) error
}

// SourceFactory opens a tenant's Drive folder as an ingest.Source.
type SourceFactory func(ctx context.Context, refreshToken, folderID string) (ingest.Source, error)

// ClientSourceFactory adapts a drive.Client to SourceFactory.
func ClientSourceFactory(c *drive.Client) SourceFactory {
	return func(ctx context.Context, refreshToken, folderID string) (ingest.Source, error) {
		src, err := c.FolderSource(ctx, refreshToken, folderID)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
}

type DriveService struct {
	userRepo   *repository.UserRepository
	auth       DriveAuthorizer
	openSource SourceFactory
	syncer     *ingest.Syncer
	store      SyncStatusStore
	publisher  SyncJobPublisher
	jwtSecret  string
	log        *zap.Logger
}

// NewDriveService builds the service. store and publisher may be nil, in
// which case sync requests report the feature as unavailable.
func NewDriveService(
	userRepo *repository.UserRepository,
	auth DriveAuthorizer,
	openSource SourceFactory,
	syncer *ingest.Syncer,
	store SyncStatusStore,
	publisher SyncJobPublisher,
	jwtSecret string,
	log *zap.Logger,
) *DriveService {
	return &DriveService{
		userRepo:   userRepo,
		auth:       auth,
		openSource: openSource,
		syncer:     syncer,
		store:      store,
		publisher:  publisher,
		jwtSecret:  jwtSecret,
		log:        logger.Module(log, "drive"),
	}
}

func (s *DriveService) SetFolder(ctx context.Context, userID uint, folderID string) error {
	folderID = strings.TrimSpace(folderID)
	if len(folderID) < minFolderIDLen {
		return apperr.New(apperr.CodeInvalidInput, "folder id looks invalid", apperr.Field("folder_id", folderID))
	}
	if _, err := s.user(userID); err != nil {
		return err
	}
	if err := s.userRepo.UpdateDriveFolder(userID, folderID); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "save drive folder failed")
	}
	s.log.Info("drive folder set", zap.Uint("user_id", userID), zap.String("folder_id", folderID))
	return nil
}

// ConnectURL is the consent page URL; its state is bound to userID.
func (s *DriveService) ConnectURL(ctx context.Context, userID uint) (string, error) {
	if !s.auth.Configured() {
		return "", apperr.New(apperr.CodeSyncUnavailable, "drive integration is not configured")
	}
	state, err := jwtutil.GenerateStateToken(s.jwtSecret, stateTokenTTL, userID)
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeInternal, "sign state failed")
	}
	return s.auth.AuthCodeURL(state), nil
}

// Callback completes consent and stores the refresh token for the user
// named in state.
func (s *DriveService) Callback(ctx context.Context, state, code string) error {
	if state == "" || code == "" {
		return apperr.New(apperr.CodeInvalidInput, "state and code are required")
	}
	claims, err := jwtutil.ParseStateToken(s.jwtSecret, state)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInvalidInput, "invalid oauth state")
	}
	if _, err := s.user(claims.UserID); err != nil {
		return err
	}

	refreshToken, err := s.auth.Exchange(ctx, code)
	if err != nil {
		return err
	}
	if err := s.userRepo.UpdateDriveRefreshToken(claims.UserID, refreshToken); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "save drive token failed")
	}
	s.log.Info("drive connected", zap.Uint("user_id", claims.UserID))
	return nil
}

// StartSync queues a sync of the user's folder. At most one sync per
// tenant runs at a time.
func (s *DriveService) StartSync(ctx context.Context, userID uint) (*cache.SyncStatus, error) {
	if s.store == nil || s.publisher == nil {
		return nil, apperr.New(apperr.CodeSyncUnavailable, "background sync is not available")
	}
	user, err := s.user(userID)
	if err != nil {
		return nil, err
	}
	if user.DriveFolderID == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "drive folder is not set")
	}
	if !user.DriveConnected() {
		return nil, apperr.New(apperr.CodeDriveNotConnected, "drive account is not connected")
	}

	tenantID := user.TenantID()
	job := model.SyncJob{
		JobID:       uuid.NewString(),
		UserID:      user.ID,
		TenantID:    tenantID,
		FolderID:    user.DriveFolderID,
		RequestedAt: time.Now().UTC(),
	}

	locked, err := s.store.AcquireLock(ctx, tenantID, job.JobID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSyncUnavailable, "acquire sync lock failed")
	}
	if !locked {
		return nil, apperr.New(apperr.CodeSyncInProgress, "a sync is already running", apperr.FieldTenant(tenantID))
	}

	status := &cache.SyncStatus{JobID: job.JobID, TenantID: tenantID, State: cache.SyncPending}
	if err := s.store.SetStatus(ctx, status); err != nil {
		_ = s.store.ReleaseLock(ctx, tenantID, job.JobID)
		return nil, apperr.Wrap(err, apperr.CodeSyncUnavailable, "save sync status failed")
	}
	if err := s.publisher.Publish(ctx, job); err != nil {
		_ = s.store.ReleaseLock(ctx, tenantID, job.JobID)
		status.State, status.Error = cache.SyncFailed, "could not queue sync"
		_ = s.store.SetStatus(ctx, status)
		return nil, apperr.Wrap(err, apperr.CodeSyncUnavailable, "queue sync job failed")
	}
	s.log.Info("sync queued", zap.String("job_id", job.JobID), zap.String("tenant_id", tenantID))
	return status, nil
}

// RunSync executes a queued job. It always releases the tenant lock and
// leaves a finished status behind.
func (s *DriveService) RunSync(ctx context.Context, job model.SyncJob) error {
	if s.store == nil {
		return apperr.New(apperr.CodeSyncUnavailable, "background sync is not available")
	}
	ctx, cancel := context.WithTimeout(ctx, maxSyncDuration)
	defer cancel()
	defer func() {
		if err := s.store.ReleaseLock(context.WithoutCancel(ctx), job.TenantID, job.JobID); err != nil {
			s.log.Warn("release sync lock failed", zap.String("job_id", job.JobID), zap.Error(err))
		}
	}()

	status := &cache.SyncStatus{JobID: job.JobID, TenantID: job.TenantID, State: cache.SyncRunning}
	if err := s.store.SetStatus(ctx, status); err != nil {
		s.log.Warn("save sync status failed", zap.String("job_id", job.JobID), zap.Error(err))
	}

	report, err := s.runSync(ctx, job)
	if err != nil {
		status.State, status.Error = cache.SyncFailed, err.Error()
	} else {
		status.State, status.Report = cache.SyncCompleted, report
	}
	if setErr := s.store.SetStatus(context.WithoutCancel(ctx), status); setErr != nil {
		s.log.Warn("save sync status failed", zap.String("job_id", job.JobID), zap.Error(setErr))
	}
	return err
}

func (s *DriveService) runSync(ctx context.Context, job model.SyncJob) (*ingest.SyncReport, error) {
	user, err := s.user(job.UserID)
	if err != nil {
		return nil, err
	}
	if user.TenantID() != job.TenantID {
		return nil, apperr.New(apperr.CodeInvalidInput, "job tenant does not match user")
	}
	if !user.DriveConnected() {
		return nil, apperr.New(apperr.CodeDriveNotConnected, "drive account is not connected")
	}

	src, err := s.openSource(ctx, user.DriveRefreshToken, job.FolderID)
	if err != nil {
		return nil, err
	}
	return s.syncer.Sync(ctx, job.TenantID, src)
}

// SyncStatus returns a job's status. An empty jobID means the tenant's
// latest job. Jobs of other tenants are reported as not found.
func (s *DriveService) SyncStatus(ctx context.Context, tenantID, jobID string) (*cache.SyncStatus, error) {
	if s.store == nil {
		return nil, apperr.New(apperr.CodeSyncUnavailable, "background sync is not available")
	}
	if jobID == "" || jobID == "latest" {
		latest, ok, err := s.store.LatestJobID(ctx, tenantID)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeSyncUnavailable, "read sync status failed")
		}
		if !ok {
			return nil, apperr.New(apperr.CodeNotFound, "no sync has run yet")
		}
		jobID = latest
	}

	status, ok, err := s.store.GetStatus(ctx, jobID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeSyncUnavailable, "read sync status failed")
	}
	if !ok || status.TenantID != tenantID {
		return nil, apperr.New(apperr.CodeNotFound, "sync job not found", apperr.Field("job_id", jobID))
	}
	return status, nil
}

func (s *DriveService) user(id uint) (*model.User, error) {
	if id == 0 {
		return nil, apperr.New(apperr.CodeInvalidInput, "user is required")
	}
	user, err := s.userRepo.GetByID(id)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "load user failed")
	}
	if user == nil {
		return nil, apperr.New(apperr.CodeNotFound, "user not found")
	}
	return user, nil
}
