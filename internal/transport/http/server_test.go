package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"queryprism/internal/ai/aitest"
	"queryprism/internal/app"
	"queryprism/internal/bootstrap"
	"queryprism/internal/chunker"
	"queryprism/internal/config"
	"queryprism/internal/drive"
	"queryprism/internal/ingest"
	"queryprism/internal/model"
	"queryprism/internal/repository"
	"queryprism/internal/retriever"
	"queryprism/internal/synth"
	httptransport "queryprism/internal/transport/http"
	"queryprism/internal/transport/http/response"
	"queryprism/internal/vectorindex"
)

const testSecret = "router-test-secret"

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	r, _ := newTestApp(t)
	return r
}

func newTestApp(t *testing.T) (*gin.Engine, *bootstrap.App) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "router.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.User{}, &model.Document{}))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	log := zap.NewNop()
	index := vectorindex.NewMemory(32)
	embedder := aitest.NewHashEmbedder(32)
	completer := &aitest.Completer{Fn: func(prompt string) (string, error) {
		if strings.Contains(prompt, "42 million") {
			return "Q3 revenue was 42 million.", nil
		}
		return synth.RefusalSentence, nil
	}}
	splitter, err := chunker.New(1000, 200)
	require.NoError(t, err)

	userRepo := repository.NewUserRepository(db)
	docRepo := repository.NewDocumentRepository(db)
	pipeline := ingest.NewPipeline(splitter, embedder, index, docRepo, ingest.Options{TempDir: t.TempDir()}, log)
	driveClient := drive.NewClient(drive.Config{})

	a := &bootstrap.App{
		Config: &config.Config{
			App:    config.AppConfig{Name: "queryprism", Env: "test", GinMode: gin.TestMode},
			Auth:   config.AuthConfig{JWTSecret: testSecret, JWTExpireMinute: 60},
			Ingest: config.IngestConfig{MaxUploadMB: 1},
		},
		Logger: log,
		DB:     db,
		Index:  index,
		Auth:   app.NewAuthService(userRepo, testSecret, time.Hour),
		Documents: app.NewDocumentService(
			pipeline,
			retriever.New(embedder, index, 4, log),
			synth.New(completer, log),
			index,
			docRepo,
			log,
		),
		Drive: app.NewDriveService(userRepo, driveClient, app.ClientSourceFactory(driveClient),
			ingest.NewSyncer(pipeline, docRepo.Exists, log), nil, nil, testSecret, log),
		StartedAt: time.Now(),
	}
	return httptransport.NewRouter(a), a
}

func do(t *testing.T, r *gin.Engine, req *http.Request) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func jsonRequest(method, path, token string, body any) *http.Request {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func uploadRequest(t *testing.T, token, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func register(t *testing.T, r *gin.Engine, name string) string {
	t.Helper()
	w, env := do(t, r, jsonRequest(http.MethodPost, "/api/v1/auth/register", "", gin.H{
		"username": name,
		"email":    name + "@example.com",
		"password": "password123",
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var data struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	require.NotEmpty(t, data.Token)
	return data.Token
}

const reportCSV = "quarter,metric,value\nQ3,revenue,42 million\nQ3,headcount,310\n"

func TestUploadListQueryDelete(t *testing.T) {
	r := newTestRouter(t)
	alice := register(t, r, "alice")
	bob := register(t, r, "bob")

	w, env := do(t, r, uploadRequest(t, alice, "report.csv", []byte(reportCSV)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, response.CodeOK, env.Code)

	w, env = do(t, r, jsonRequest(http.MethodGet, "/api/v1/documents", alice, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Filenames []string `json:"filenames"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &listed))
	assert.Equal(t, []string{"report.csv"}, listed.Filenames)

	w, env = do(t, r, jsonRequest(http.MethodPost, "/api/v1/query", alice, gin.H{"query": "What was Q3 revenue?"}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var answer app.AskResult
	require.NoError(t, json.Unmarshal(env.Data, &answer))
	assert.False(t, answer.Refused)
	assert.Contains(t, answer.Answer, "42 million")
	require.NotEmpty(t, answer.Sources)
	assert.Equal(t, "report.csv", answer.Sources[0].Filename)

	w, env = do(t, r, jsonRequest(http.MethodPost, "/api/v1/query", bob, gin.H{"query": "What was Q3 revenue?"}))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &answer))
	assert.True(t, answer.Refused)
	assert.Equal(t, synth.RefusalSentence, answer.Answer)

	w, env = do(t, r, jsonRequest(http.MethodDelete, "/api/v1/documents/report.csv", bob, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, response.CodeNotFound, env.Code)

	w, _ = do(t, r, jsonRequest(http.MethodDelete, "/api/v1/documents/report.csv", alice, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	_, env = do(t, r, jsonRequest(http.MethodGet, "/api/v1/documents", alice, nil))
	require.NoError(t, json.Unmarshal(env.Data, &listed))
	assert.Empty(t, listed.Filenames)
}

func TestDeleteNestedDriveName(t *testing.T) {
	r, a := newTestApp(t)
	token := register(t, r, "gina")

	_, env := do(t, r, jsonRequest(http.MethodGet, "/api/v1/auth/me", token, nil))
	var me struct {
		TenantID string `json:"tenant_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &me))

	_, err := a.Documents.Upload(context.Background(), me.TenantID, "reports/q3.csv", strings.NewReader(reportCSV))
	require.NoError(t, err)

	w, _ := do(t, r, jsonRequest(http.MethodDelete, "/api/v1/documents/reports/q3.csv", token, nil))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	_, env = do(t, r, jsonRequest(http.MethodGet, "/api/v1/documents", token, nil))
	var listed struct {
		Filenames []string `json:"filenames"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &listed))
	assert.Empty(t, listed.Filenames)
}

func TestUploadErrors(t *testing.T) {
	r := newTestRouter(t)
	token := register(t, r, "carol")

	tests := []struct {
		name     string
		filename string
		content  []byte
		status   int
		code     int
	}{
		{"unsupported extension", "notes.txt", []byte("hello"), http.StatusUnsupportedMediaType, response.CodeUnsupportedFormat},
		{"header only csv", "empty.csv", []byte("a,b\n"), http.StatusUnprocessableEntity, response.CodeEmptyDocument},
		{"corrupt docx", "broken.docx", []byte("not a zip"), http.StatusUnprocessableEntity, response.CodeLoadFailure},
		{"over the limit", "big.csv", bytes.Repeat([]byte("x"), 2<<20), http.StatusRequestEntityTooLarge, response.CodePayloadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := do(t, r, uploadRequest(t, token, tt.filename, tt.content))
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, env.Code)
		})
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	r := newTestRouter(t)

	for _, path := range []string{"/api/v1/documents", "/api/v1/auth/me", "/api/v1/drive/sync"} {
		w, env := do(t, r, jsonRequest(http.MethodGet, path, "", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
		assert.Equal(t, response.CodeUnauthorized, env.Code, path)
	}

	w, _ := do(t, r, jsonRequest(http.MethodGet, "/api/v1/documents", "not-a-jwt", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestQueryValidation(t *testing.T) {
	r := newTestRouter(t)
	token := register(t, r, "dave")

	w, env := do(t, r, jsonRequest(http.MethodPost, "/api/v1/query", token, gin.H{"query": ""}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, response.CodeBadRequest, env.Code)

	w, _ = do(t, r, jsonRequest(http.MethodPost, "/api/v1/query", token, gin.H{"query": "hi", "top_k": 500}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDriveRoutesWithoutSyncBackend(t *testing.T) {
	r := newTestRouter(t)
	token := register(t, r, "erin")

	w, env := do(t, r, jsonRequest(http.MethodPost, "/api/v1/drive/folder", token, gin.H{"folder_id": "short"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, response.CodeBadRequest, env.Code)

	w, _ = do(t, r, jsonRequest(http.MethodPost, "/api/v1/drive/folder", token, gin.H{"folder_id": "1AbCdEfGhIjKlMnOp"}))
	assert.Equal(t, http.StatusOK, w.Code)

	w, env = do(t, r, jsonRequest(http.MethodGet, "/api/v1/drive/connect", token, nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, response.CodeSyncUnavailable, env.Code)

	w, env = do(t, r, jsonRequest(http.MethodPost, "/api/v1/drive/sync", token, nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, response.CodeSyncUnavailable, env.Code)

	w, env = do(t, r, jsonRequest(http.MethodGet, "/api/v1/drive/callback?state=bogus&code=x", "", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, response.CodeBadRequest, env.Code)
}

func TestLoginReturnsTenant(t *testing.T) {
	r := newTestRouter(t)
	register(t, r, "hana")

	w, env := do(t, r, jsonRequest(http.MethodPost, "/api/v1/auth/login", "", gin.H{
		"username": "hana",
		"password": "password123",
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var data struct {
		Token    string `json:"token"`
		TenantID string `json:"tenant_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.NotEmpty(t, data.Token)
	assert.Equal(t, "1", data.TenantID)

	w, env = do(t, r, jsonRequest(http.MethodPost, "/api/v1/auth/login", "", gin.H{
		"username": "hana",
		"password": "wrong-password",
	}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, response.CodeInvalidCredentials, env.Code)
}

func TestMeReportsTenant(t *testing.T) {
	r := newTestRouter(t)
	token := register(t, r, "frank")

	w, env := do(t, r, jsonRequest(http.MethodGet, "/api/v1/auth/me", token, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var me struct {
		TenantID       string `json:"tenant_id"`
		DriveConnected bool   `json:"drive_connected"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &me))
	assert.NotEmpty(t, me.TenantID)
	assert.False(t, me.DriveConnected)
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		App          string                     `json:"app"`
		Dependencies map[string]map[string]any `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "queryprism", body.App)
	assert.Equal(t, true, body.Dependencies["database"]["ok"])
}
