// Package ingest turns an uploaded file into indexed, owned chunks.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"queryprism/internal/ai"
	"queryprism/internal/chunker"
	"queryprism/internal/loader"
	"queryprism/internal/pkg/apperr"
	"queryprism/internal/pkg/logger"
	"queryprism/internal/vectorindex"
)

const DefaultBatchSize = 10

// Stage names a step of the pipeline. A StageError carries the stage that
// was being attempted when it failed.
type Stage string

const (
	StageReceived Stage = "received"
	StageLoaded   Stage = "loaded"
	StageChunked  Stage = "chunked"
	StageIndexed  Stage = "indexed"
	StageRecorded Stage = "recorded"
	StageDone     Stage = "done"
)

type StageError struct {
	Stage Stage
	// Inserted counts vectors already written when indexing failed part way.
	Inserted int
	Err      error
}

func (e *StageError) Error() string {
	if e.Inserted > 0 {
		return fmt.Sprintf("ingest failed at %s after %d vectors: %v", e.Stage, e.Inserted, e.Err)
	}
	return fmt.Sprintf("ingest failed at %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Ledger records document ownership once vectors are in place.
type Ledger interface {
	Upsert(ctx context.Context, tenantID, filename string) (bool, error)
}

type Upload struct {
	TenantID string
	Filename string
	Body     io.Reader
}

type Result struct {
	Filename   string   `json:"filename"`
	Format     string   `json:"format"`
	PageCount  int      `json:"page_count"`
	ChunkCount int      `json:"chunk_count"`
	VectorIDs  []string `json:"vector_ids"`
	Replaced   bool     `json:"replaced"`
	Stage      Stage    `json:"stage"`
}

type Options struct {
	TempDir   string
	BatchSize int
	// ReplaceOnReupload drops a pair's previous vectors before inserting new ones.
	ReplaceOnReupload bool
}

type Pipeline struct {
	splitter *chunker.Splitter
	embedder ai.Embedder
	index    vectorindex.Index
	ledger   Ledger
	opts     Options
	log      *zap.Logger
	tracer   trace.Tracer
}

func NewPipeline(splitter *chunker.Splitter, embedder ai.Embedder, index vectorindex.Index, ledger Ledger, opts Options, log *zap.Logger) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	return &Pipeline{
		splitter: splitter,
		embedder: embedder,
		index:    index,
		ledger:   ledger,
		opts:     opts,
		log:      logger.Module(log, "ingest"),
		tracer:   otel.Tracer("queryprism/ingest"),
	}
}

// Ingest runs one upload through every stage. Vectors written before a
// failure are left in place; the ledger is only touched after indexing.
func (p *Pipeline) Ingest(ctx context.Context, up Upload) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "ingest.Ingest", trace.WithAttributes(
		attribute.String("tenant_id", up.TenantID),
		attribute.String("filename", up.Filename),
	))
	defer span.End()

	res, err := p.ingest(ctx, up)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.log.Warn("ingest failed",
			zap.String("tenant_id", up.TenantID),
			zap.String("filename", up.Filename),
			zap.Error(err),
		)
		return nil, err
	}
	p.log.Info("ingest complete",
		zap.String("tenant_id", up.TenantID),
		zap.String("filename", up.Filename),
		zap.Int("pages", res.PageCount),
		zap.Int("chunks", res.ChunkCount),
		zap.Bool("replaced", res.Replaced),
	)
	return res, nil
}

func (p *Pipeline) ingest(ctx context.Context, up Upload) (*Result, error) {
	res := &Result{Filename: up.Filename, Stage: StageReceived}

	tenantID := strings.TrimSpace(up.TenantID)
	filename := strings.TrimSpace(up.Filename)
	if tenantID == "" || filename == "" || up.Body == nil {
		return nil, &StageError{Stage: StageReceived, Err: apperr.New(apperr.CodeInvalidInput, "tenant, filename and body are required")}
	}
	format, err := loader.ParseFormat(filename)
	if err != nil {
		return nil, &StageError{Stage: StageReceived, Err: err}
	}
	res.Filename = filename
	res.Format = format.String()

	var path string
	if err := p.stage(ctx, StageReceived, func(ctx context.Context) error {
		path, err = p.spool(up.Body, format)
		return err
	}); err != nil {
		return nil, err
	}
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			p.log.Warn("remove temp file failed", zap.String("path", path), zap.Error(rmErr))
		}
	}()

	var pages []string
	if err := p.stage(ctx, StageLoaded, func(ctx context.Context) error {
		pages, err = loader.Load(ctx, path, format)
		return err
	}); err != nil {
		return nil, err
	}
	res.PageCount = len(pages)
	res.Stage = StageLoaded

	var chunks []chunker.Chunk
	if err := p.stage(ctx, StageChunked, func(ctx context.Context) error {
		chunks = p.splitter.Split(pages)
		if len(chunks) == 0 {
			return apperr.New(apperr.CodeEmptyDocument, "document has no extractable text",
				apperr.FieldTenant(tenantID), apperr.FieldFilename(filename))
		}
		return nil
	}); err != nil {
		return nil, err
	}
	res.ChunkCount = len(chunks)
	res.Stage = StageChunked

	owner := vectorindex.Metadata{TenantID: tenantID, SourceFilename: filename}
	if p.opts.ReplaceOnReupload {
		if err := p.stage(ctx, StageIndexed, func(ctx context.Context) error {
			return p.index.Delete(ctx, vectorindex.Filter{TenantID: tenantID, SourceFilename: filename})
		}); err != nil {
			return nil, err
		}
		res.Replaced = true
	}

	var ids []string
	if err := p.stage(ctx, StageIndexed, func(ctx context.Context) error {
		ids, err = p.embedAndInsert(ctx, chunks, owner)
		return err
	}); err != nil {
		var se *StageError
		if errors.As(err, &se) {
			se.Inserted = len(ids)
		}
		return nil, err
	}
	res.VectorIDs = ids
	res.Stage = StageIndexed

	if err := p.stage(ctx, StageRecorded, func(ctx context.Context) error {
		_, err := p.ledger.Upsert(ctx, tenantID, filename)
		return err
	}); err != nil {
		return nil, err
	}
	res.Stage = StageDone
	return res, nil
}

// embedAndInsert writes chunks in batches. On failure it returns the ids
// inserted so far alongside the error.
func (p *Pipeline) embedAndInsert(ctx context.Context, chunks []chunker.Chunk, owner vectorindex.Metadata) ([]string, error) {
	ids := make([]string, 0, len(chunks))
	for start := 0; start < len(chunks); start += p.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return ids, err
		}
		end := min(start+p.opts.BatchSize, len(chunks))
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			if apperr.CodeOf(err) == "" && ctx.Err() == nil {
				err = apperr.Wrap(err, apperr.CodeEmbeddingFailure, "embed chunks failed")
			}
			return ids, err
		}
		if len(vectors) != len(batch) {
			return ids, apperr.New(apperr.CodeEmbeddingFailure,
				fmt.Sprintf("embedding count mismatch: sent %d, got %d", len(batch), len(vectors)))
		}

		entries := make([]vectorindex.Entry, len(batch))
		for i, c := range batch {
			entries[i] = vectorindex.Entry{Embedding: vectors[i], Text: c.Text, Metadata: owner}
		}
		inserted, err := p.index.Insert(ctx, entries)
		if err != nil {
			return ids, err
		}
		ids = append(ids, inserted...)
	}
	return ids, nil
}

func (p *Pipeline) stage(ctx context.Context, stage Stage, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return &StageError{Stage: stage, Err: err}
	}
	ctx, span := p.tracer.Start(ctx, "ingest."+string(stage))
	defer span.End()

	start := time.Now()
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &StageError{Stage: stage, Err: err}
	}
	p.log.Debug("stage complete", zap.String("stage", string(stage)), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (p *Pipeline) spool(body io.Reader, format loader.Format) (string, error) {
	if err := os.MkdirAll(p.opts.TempDir, 0o755); err != nil {
		return "", apperr.Wrap(err, apperr.CodeInternal, "create temp dir failed")
	}
	f, err := os.CreateTemp(p.opts.TempDir, "ingest-*."+format.String())
	if err != nil {
		return "", apperr.Wrap(err, apperr.CodeInternal, "create temp file failed")
	}
	path := f.Name()
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", apperr.Wrap(err, apperr.CodeLoadFailure, "read upload failed")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", apperr.Wrap(err, apperr.CodeInternal, "close temp file failed")
	}
	return filepath.Clean(path), nil
}
