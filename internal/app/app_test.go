package app

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"queryprism/internal/ai/aitest"
	"queryprism/internal/chunker"
	"queryprism/internal/ingest"
	"queryprism/internal/model"
	"queryprism/internal/repository"
	"queryprism/internal/retriever"
	"queryprism/internal/synth"
	"queryprism/internal/vectorindex"
)

const testDims = 64

type harness struct {
	db        *gorm.DB
	users     *repository.UserRepository
	docs      *repository.DocumentRepository
	index     vectorindex.Index
	embedder  *aitest.HashEmbedder
	completer *aitest.Completer
	pipeline  *ingest.Pipeline
	documents *DocumentService
}

func newHarness(t *testing.T, index vectorindex.Index) *harness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "app.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.User{}, &model.Document{}))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if index == nil {
		index = vectorindex.NewMemory(testDims)
	}
	splitter, err := chunker.New(1000, 200)
	require.NoError(t, err)

	h := &harness{
		db:        db,
		users:     repository.NewUserRepository(db),
		docs:      repository.NewDocumentRepository(db),
		index:     index,
		embedder:  aitest.NewHashEmbedder(testDims),
		completer: &aitest.Completer{Reply: synth.RefusalSentence},
	}
	log := zap.NewNop()
	h.pipeline = ingest.NewPipeline(splitter, h.embedder, index, h.docs, ingest.Options{TempDir: t.TempDir()}, log)
	h.documents = NewDocumentService(
		h.pipeline,
		retriever.New(h.embedder, index, 8, log),
		synth.New(h.completer, log),
		index,
		h.docs,
		log,
	)
	return h
}

func (h *harness) createUser(t *testing.T, name string) *model.User {
	t.Helper()
	user := &model.User{Username: name, Email: name + "@example.com", PasswordHash: "x"}
	require.NoError(t, h.users.Create(user))
	return user
}

func mustUpload(t *testing.T, h *harness, tenantID, filename, body string) *ingest.Result {
	t.Helper()
	res, err := h.documents.Upload(context.Background(), tenantID, filename, strings.NewReader(body))
	require.NoError(t, err)
	return res
}
