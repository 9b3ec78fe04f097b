package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"queryprism/internal/ai/aitest"
	"queryprism/internal/chunker"
	"queryprism/internal/ingest"
	"queryprism/internal/pkg/apperr"
	"queryprism/internal/vectorindex"
)

const dims = 32

type memLedger struct {
	mu   sync.Mutex
	docs map[string]int
	err  error
}

func newMemLedger() *memLedger { return &memLedger{docs: map[string]int{}} }

func (l *memLedger) Upsert(_ context.Context, tenantID, filename string) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := tenantID + "/" + filename
	l.docs[key]++
	return l.docs[key] == 1, nil
}

func (l *memLedger) has(tenantID, filename string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.docs[tenantID+"/"+filename] > 0
}

type fixture struct {
	pipeline *ingest.Pipeline
	embedder *aitest.HashEmbedder
	index    *vectorindex.Memory
	ledger   *memLedger
	tempDir  string
}

func newFixture(t *testing.T, opts ingest.Options) *fixture {
	t.Helper()
	splitter, err := chunker.New(1000, 200)
	require.NoError(t, err)
	f := &fixture{
		embedder: aitest.NewHashEmbedder(dims),
		index:    vectorindex.NewMemory(dims),
		ledger:   newMemLedger(),
		tempDir:  t.TempDir(),
	}
	opts.TempDir = f.tempDir
	f.pipeline = ingest.NewPipeline(splitter, f.embedder, f.index, f.ledger, opts, zap.NewNop())
	return f
}

func (f *fixture) tempFiles(t *testing.T) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	return entries
}

func csvBody(rows int) string {
	var b strings.Builder
	b.WriteString("product,revenue\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&b, "widget-%d,%d million\n", i, i*7)
	}
	return b.String()
}

func TestIngestCSVEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ingest.Options{})

	res, err := f.pipeline.Ingest(ctx, ingest.Upload{TenantID: "7", Filename: "sales.csv", Body: strings.NewReader(csvBody(3))})
	require.NoError(t, err)

	assert.Equal(t, ingest.StageDone, res.Stage)
	assert.Equal(t, "csv", res.Format)
	assert.Equal(t, 3, res.PageCount)
	assert.Equal(t, 3, res.ChunkCount)
	assert.Len(t, res.VectorIDs, 3)
	assert.True(t, f.ledger.has("7", "sales.csv"))
	assert.Empty(t, f.tempFiles(t))

	n, err := f.index.Count(ctx, vectorindex.Filter{TenantID: "7", SourceFilename: "sales.csv"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	q, err := f.embedder.Embed(ctx, "product: widget-2\nrevenue: 14 million")
	require.NoError(t, err)
	hits, err := f.index.Search(ctx, q, vectorindex.Filter{TenantID: "7"}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Text, "widget-2")
	assert.Equal(t, vectorindex.Metadata{TenantID: "7", SourceFilename: "sales.csv"}, hits[0].Metadata)
}

func TestIngestRejectsUnsupportedFormatBeforeSpooling(t *testing.T) {
	f := newFixture(t, ingest.Options{})

	_, err := f.pipeline.Ingest(context.Background(), ingest.Upload{TenantID: "7", Filename: "notes.txt", Body: strings.NewReader("hello")})
	require.Error(t, err)

	var se *ingest.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ingest.StageReceived, se.Stage)
	assert.Equal(t, apperr.CodeUnsupportedFormat, apperr.CodeOf(err))
	assert.Zero(t, f.embedder.Calls())
	assert.Empty(t, f.tempFiles(t))
	assert.False(t, f.ledger.has("7", "notes.txt"))
}

func TestIngestRejectsMissingFields(t *testing.T) {
	f := newFixture(t, ingest.Options{})

	_, err := f.pipeline.Ingest(context.Background(), ingest.Upload{Filename: "a.csv", Body: strings.NewReader("a\n1\n")})
	assert.Equal(t, apperr.CodeInvalidInput, apperr.CodeOf(err))
}

func TestIngestEmptyDocumentLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ingest.Options{})

	_, err := f.pipeline.Ingest(ctx, ingest.Upload{TenantID: "7", Filename: "empty.csv", Body: strings.NewReader("only,headers\n")})
	require.Error(t, err)

	var se *ingest.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ingest.StageChunked, se.Stage)
	assert.Equal(t, apperr.CodeEmptyDocument, apperr.CodeOf(err))
	assert.Empty(t, f.tempFiles(t))
	assert.False(t, f.ledger.has("7", "empty.csv"))

	n, err := f.index.Count(ctx, vectorindex.Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIngestCorruptFileFailsAtLoad(t *testing.T) {
	f := newFixture(t, ingest.Options{})

	_, err := f.pipeline.Ingest(context.Background(), ingest.Upload{TenantID: "7", Filename: "broken.docx", Body: strings.NewReader("not a zip")})
	var se *ingest.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ingest.StageLoaded, se.Stage)
	assert.Equal(t, apperr.CodeLoadFailure, apperr.CodeOf(err))
	assert.Empty(t, f.tempFiles(t))
}

func TestReuploadDuplicatesVectorsByDefault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ingest.Options{})

	for i := 0; i < 2; i++ {
		res, err := f.pipeline.Ingest(ctx, ingest.Upload{TenantID: "7", Filename: "sales.csv", Body: strings.NewReader(csvBody(2))})
		require.NoError(t, err)
		assert.False(t, res.Replaced)
	}

	n, err := f.index.Count(ctx, vectorindex.Filter{TenantID: "7", SourceFilename: "sales.csv"})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 2, f.ledger.docs["7/sales.csv"], "ledger upsert called each time")
}

func TestReuploadReplacesWhenEnabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ingest.Options{ReplaceOnReupload: true})

	for i := 0; i < 2; i++ {
		res, err := f.pipeline.Ingest(ctx, ingest.Upload{TenantID: "7", Filename: "sales.csv", Body: strings.NewReader(csvBody(2))})
		require.NoError(t, err)
		assert.True(t, res.Replaced)
	}

	n, err := f.index.Count(ctx, vectorindex.Filter{TenantID: "7", SourceFilename: "sales.csv"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPartialEmbeddingFailureReportsInsertedCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ingest.Options{BatchSize: 2})
	f.embedder.FailOnCall = 2
	f.embedder.Err = apperr.New(apperr.CodeEmbeddingFailure, "provider down")

	_, err := f.pipeline.Ingest(ctx, ingest.Upload{TenantID: "7", Filename: "sales.csv", Body: strings.NewReader(csvBody(5))})
	require.Error(t, err)

	var se *ingest.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ingest.StageIndexed, se.Stage)
	assert.Equal(t, 2, se.Inserted)
	assert.Equal(t, apperr.CodeEmbeddingFailure, apperr.CodeOf(err))
	assert.False(t, f.ledger.has("7", "sales.csv"))

	n, err := f.index.Count(ctx, vectorindex.Filter{TenantID: "7", SourceFilename: "sales.csv"})
	require.NoError(t, err)
	assert.Equal(t, 2, n, "vectors from the first batch stay")
}

func TestForeignEmbeddingErrorIsClassified(t *testing.T) {
	f := newFixture(t, ingest.Options{})
	f.embedder.FailOnCall = 1
	f.embedder.Err = errors.New("boom")

	_, err := f.pipeline.Ingest(context.Background(), ingest.Upload{TenantID: "7", Filename: "sales.csv", Body: strings.NewReader(csvBody(1))})
	assert.Equal(t, apperr.CodeEmbeddingFailure, apperr.CodeOf(err))
}

func TestLedgerFailureHappensAfterIndexing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ingest.Options{})
	f.ledger.err = apperr.New(apperr.CodeLedgerFailure, "db down")

	_, err := f.pipeline.Ingest(ctx, ingest.Upload{TenantID: "7", Filename: "sales.csv", Body: strings.NewReader(csvBody(1))})
	var se *ingest.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ingest.StageRecorded, se.Stage)
	assert.Equal(t, apperr.CodeLedgerFailure, apperr.CodeOf(err))

	n, err := f.index.Count(ctx, vectorindex.Filter{TenantID: "7"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIngestHonoursCancellation(t *testing.T) {
	f := newFixture(t, ingest.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.pipeline.Ingest(ctx, ingest.Upload{TenantID: "7", Filename: "sales.csv", Body: strings.NewReader(csvBody(1))})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.tempFiles(t))
	assert.Zero(t, f.embedder.Calls())
}
