package app

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"queryprism/internal/cache"
	"queryprism/internal/ingest"
	"queryprism/internal/model"
	"queryprism/internal/pkg/apperr"
	"queryprism/internal/pkg/jwtutil"
)

const testSecret = "test-secret"

type memStore struct {
	mu      sync.Mutex
	status  map[string]cache.SyncStatus
	latest  map[string]string
	locks   map[string]string
	lockErr error
}

func newMemStore() *memStore {
	return &memStore{status: map[string]cache.SyncStatus{}, latest: map[string]string{}, locks: map[string]string{}}
}

func (m *memStore) GetStatus(_ context.Context, jobID string) (*cache.SyncStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.status[jobID]
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

func (m *memStore) SetStatus(_ context.Context, s *cache.SyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = time.Now().UTC()
	m.status[s.JobID] = *s
	m.latest[s.TenantID] = s.JobID
	return nil
}

func (m *memStore) LatestJobID(_ context.Context, tenantID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.latest[tenantID]
	return id, ok, nil
}

func (m *memStore) AcquireLock(_ context.Context, tenantID, jobID string) (bool, error) {
	if m.lockErr != nil {
		return false, m.lockErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[tenantID]; held {
		return false, nil
	}
	m.locks[tenantID] = jobID
	return true, nil
}

func (m *memStore) ReleaseLock(_ context.Context, tenantID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[tenantID] == jobID {
		delete(m.locks, tenantID)
	}
	return nil
}

type recordingPublisher struct {
	jobs []model.SyncJob
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, job model.SyncJob) error {
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, job)
	return nil
}

type fakeAuthorizer struct {
	configured bool
	codes      map[string]string
}

func (f *fakeAuthorizer) Configured() bool { return f.configured }

func (f *fakeAuthorizer) AuthCodeURL(state string) string {
	return "https://consent.example/?state=" + state
}

func (f *fakeAuthorizer) Exchange(_ context.Context, code string) (string, error) {
	tok, ok := f.codes[code]
	if !ok {
		return "", apperr.New(apperr.CodeDriveNotConnected, "bad code")
	}
	return tok, nil
}

type folder struct {
	files map[string]string
	order []string
}

func (f *folder) List(context.Context) ([]ingest.RemoteFile, error) {
	out := make([]ingest.RemoteFile, 0, len(f.order))
	for i, name := range f.order {
		out = append(out, ingest.RemoteFile{ID: string(rune('a' + i)), Name: name})
	}
	return out, nil
}

func (f *folder) Open(_ context.Context, file ingest.RemoteFile) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.files[file.Name])), nil
}

type driveHarness struct {
	*harness
	store     *memStore
	publisher *recordingPublisher
	auth      *fakeAuthorizer
	source    *folder
	drive     *DriveService
}

func newDriveHarness(t *testing.T) *driveHarness {
	t.Helper()
	h := newHarness(t, nil)
	dh := &driveHarness{
		harness:   h,
		store:     newMemStore(),
		publisher: &recordingPublisher{},
		auth:      &fakeAuthorizer{configured: true, codes: map[string]string{"good-code": "refresh-1"}},
		source: &folder{
			files: map[string]string{"sales.csv": "k\nv\n", "notes.txt": "x", "empty.csv": "k\n"},
			order: []string{"sales.csv", "notes.txt", "empty.csv"},
		},
	}
	open := func(_ context.Context, refreshToken, folderID string) (ingest.Source, error) {
		if refreshToken == "" {
			return nil, errors.New("no token")
		}
		return dh.source, nil
	}
	syncer := ingest.NewSyncer(h.pipeline, h.docs.Exists, zap.NewNop())
	dh.drive = NewDriveService(h.users, dh.auth, open, syncer, dh.store, dh.publisher, testSecret, zap.NewNop())
	return dh
}

func TestSetFolderValidatesID(t *testing.T) {
	dh := newDriveHarness(t)
	user := dh.createUser(t, "alice")

	err := dh.drive.SetFolder(context.Background(), user.ID, "short")
	assert.True(t, apperr.IsInvalidInput(err))

	require.NoError(t, dh.drive.SetFolder(context.Background(), user.ID, "  folder-0123456789 "))
	got, err := dh.users.GetByID(user.ID)
	require.NoError(t, err)
	assert.Equal(t, "folder-0123456789", got.DriveFolderID)
}

func TestConnectAndCallbackStoreRefreshToken(t *testing.T) {
	ctx := context.Background()
	dh := newDriveHarness(t)
	user := dh.createUser(t, "alice")

	url, err := dh.drive.ConnectURL(ctx, user.ID)
	require.NoError(t, err)
	state := strings.TrimPrefix(url, "https://consent.example/?state=")

	claims, err := jwtutil.ParseStateToken(testSecret, state)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)

	err = dh.drive.Callback(ctx, state, "bad-code")
	assert.Equal(t, apperr.CodeDriveNotConnected, apperr.CodeOf(err))

	require.NoError(t, dh.drive.Callback(ctx, state, "good-code"))
	got, err := dh.users.GetByID(user.ID)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", got.DriveRefreshToken)

	access, err := jwtutil.GenerateToken(testSecret, time.Minute, user.ID, user.Username)
	require.NoError(t, err)
	err = dh.drive.Callback(ctx, access, "good-code")
	assert.True(t, apperr.IsInvalidInput(err), "access tokens are not valid state")

	dh.auth.configured = false
	_, err = dh.drive.ConnectURL(ctx, user.ID)
	assert.Equal(t, apperr.CodeSyncUnavailable, apperr.CodeOf(err))
}

func TestStartSyncPreconditions(t *testing.T) {
	ctx := context.Background()
	dh := newDriveHarness(t)
	user := dh.createUser(t, "alice")

	_, err := dh.drive.StartSync(ctx, user.ID)
	assert.True(t, apperr.IsInvalidInput(err), "folder not set")

	require.NoError(t, dh.users.UpdateDriveFolder(user.ID, "folder-0123456789"))
	_, err = dh.drive.StartSync(ctx, user.ID)
	assert.Equal(t, apperr.CodeDriveNotConnected, apperr.CodeOf(err))

	require.NoError(t, dh.users.UpdateDriveRefreshToken(user.ID, "refresh-1"))
	status, err := dh.drive.StartSync(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, cache.SyncPending, status.State)
	require.Len(t, dh.publisher.jobs, 1)
	assert.Equal(t, user.TenantID(), dh.publisher.jobs[0].TenantID)

	_, err = dh.drive.StartSync(ctx, user.ID)
	assert.Equal(t, apperr.CodeSyncInProgress, apperr.CodeOf(err))
}

func TestStartSyncPublishFailureReleasesLock(t *testing.T) {
	ctx := context.Background()
	dh := newDriveHarness(t)
	user := dh.createUser(t, "alice")
	require.NoError(t, dh.users.UpdateDriveFolder(user.ID, "folder-0123456789"))
	require.NoError(t, dh.users.UpdateDriveRefreshToken(user.ID, "refresh-1"))

	dh.publisher.err = errors.New("broker down")
	_, err := dh.drive.StartSync(ctx, user.ID)
	assert.Equal(t, apperr.CodeSyncUnavailable, apperr.CodeOf(err))
	assert.Empty(t, dh.store.locks)

	dh.publisher.err = nil
	_, err = dh.drive.StartSync(ctx, user.ID)
	assert.NoError(t, err)
}

func TestRunSyncRecordsReportAndReleasesLock(t *testing.T) {
	ctx := context.Background()
	dh := newDriveHarness(t)
	user := dh.createUser(t, "alice")
	require.NoError(t, dh.users.UpdateDriveFolder(user.ID, "folder-0123456789"))
	require.NoError(t, dh.users.UpdateDriveRefreshToken(user.ID, "refresh-1"))

	queued, err := dh.drive.StartSync(ctx, user.ID)
	require.NoError(t, err)
	require.NoError(t, dh.drive.RunSync(ctx, dh.publisher.jobs[0]))
	assert.Empty(t, dh.store.locks)

	status, err := dh.drive.SyncStatus(ctx, user.TenantID(), queued.JobID)
	require.NoError(t, err)
	assert.Equal(t, cache.SyncCompleted, status.State)
	require.NotNil(t, status.Report)
	assert.Equal(t, 1, status.Report.Succeeded)
	assert.Equal(t, 2, status.Report.Skipped)
	assert.True(t, status.Report.Files[0].NewRecord)

	latest, err := dh.drive.SyncStatus(ctx, user.TenantID(), "")
	require.NoError(t, err)
	assert.Equal(t, queued.JobID, latest.JobID)

	_, err = dh.drive.SyncStatus(ctx, "someone-else", queued.JobID)
	assert.True(t, apperr.IsNotFound(err))

	docs, err := dh.documents.List(ctx, user.TenantID())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "sales.csv", docs[0].Filename)
}

func TestRunSyncFailureIsRecorded(t *testing.T) {
	ctx := context.Background()
	dh := newDriveHarness(t)
	user := dh.createUser(t, "alice")

	job := model.SyncJob{JobID: "job-1", UserID: user.ID, TenantID: user.TenantID(), FolderID: "folder-0123456789"}
	dh.store.locks[job.TenantID] = job.JobID

	err := dh.drive.RunSync(ctx, job)
	assert.Equal(t, apperr.CodeDriveNotConnected, apperr.CodeOf(err))
	assert.Empty(t, dh.store.locks)

	status, err := dh.drive.SyncStatus(ctx, user.TenantID(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, cache.SyncFailed, status.State)
	assert.NotEmpty(t, status.Error)
}
