package ingest

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"queryprism/internal/loader"
	"queryprism/internal/pkg/apperr"
	"queryprism/internal/pkg/logger"
)

// RemoteFile is one entry of a remote folder listing.
type RemoteFile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MIMEType string `json:"mime_type,omitempty"`
}

// Source is a remote folder that can be listed and downloaded from.
type Source interface {
	List(ctx context.Context) ([]RemoteFile, error)
	Open(ctx context.Context, file RemoteFile) (io.ReadCloser, error)
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

type FileReport struct {
	FileID     string  `json:"file_id"`
	Name       string  `json:"name"`
	Outcome    Outcome `json:"outcome"`
	Reason     string  `json:"reason,omitempty"`
	ChunkCount int     `json:"chunk_count,omitempty"`
	NewRecord  bool    `json:"new_record,omitempty"`
}

type SyncReport struct {
	TenantID   string       `json:"tenant_id"`
	Files      []FileReport `json:"files"`
	Succeeded  int          `json:"succeeded"`
	Skipped    int          `json:"skipped"`
	Failed     int          `json:"failed"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

func (r *SyncReport) add(f FileReport) {
	r.Files = append(r.Files, f)
	switch f.Outcome {
	case OutcomeSuccess:
		r.Succeeded++
	case OutcomeSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
}

// Syncer pulls every supported file of a Source through the pipeline.
type Syncer struct {
	pipeline *Pipeline
	exists   func(ctx context.Context, tenantID, filename string) (bool, error)
	log      *zap.Logger
}

// NewSyncer builds a Syncer. exists may be nil; when set it marks which
// successes created a new ledger record.
func NewSyncer(pipeline *Pipeline, exists func(ctx context.Context, tenantID, filename string) (bool, error), log *zap.Logger) *Syncer {
	return &Syncer{pipeline: pipeline, exists: exists, log: logger.Module(log, "syncer")}
}

// Sync processes files one at a time. Per-file problems are reported, not
// returned; only a listing failure fails the whole run. When ctx ends the
// remaining files are reported as failed.
func (s *Syncer) Sync(ctx context.Context, tenantID string, src Source) (*SyncReport, error) {
	ctx, span := s.pipeline.tracer.Start(ctx, "ingest.Sync", trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	report := &SyncReport{TenantID: tenantID, Files: []FileReport{}, StartedAt: time.Now().UTC()}
	files, err := src.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if apperr.CodeOf(err) == "" && ctx.Err() == nil {
			err = apperr.Wrap(err, apperr.CodeDriveFailure, "list remote folder failed", apperr.FieldTenant(tenantID))
		}
		return nil, err
	}
	s.log.Info("sync started", zap.String("tenant_id", tenantID), zap.Int("files", len(files)))

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			report.add(FileReport{FileID: file.ID, Name: file.Name, Outcome: OutcomeFailed, Reason: "cancelled: " + err.Error()})
			continue
		}
		fr := s.syncFile(ctx, tenantID, src, file)
		report.add(fr)
		s.log.Info("sync file",
			zap.String("tenant_id", tenantID),
			zap.String("name", file.Name),
			zap.String("outcome", string(fr.Outcome)),
			zap.String("reason", fr.Reason),
		)
	}

	report.FinishedAt = time.Now().UTC()
	span.SetAttributes(
		attribute.Int("sync.succeeded", report.Succeeded),
		attribute.Int("sync.skipped", report.Skipped),
		attribute.Int("sync.failed", report.Failed),
	)
	s.log.Info("sync finished",
		zap.String("tenant_id", tenantID),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (s *Syncer) syncFile(ctx context.Context, tenantID string, src Source, file RemoteFile) FileReport {
	fr := FileReport{FileID: file.ID, Name: file.Name}

	if _, err := loader.ParseFormat(file.Name); err != nil {
		fr.Outcome, fr.Reason = OutcomeSkipped, "unsupported format"
		return fr
	}

	isNew := false
	if s.exists != nil {
		if ok, err := s.exists(ctx, tenantID, file.Name); err == nil {
			isNew = !ok
		}
	}

	body, err := src.Open(ctx, file)
	if err != nil {
		fr.Outcome, fr.Reason = OutcomeFailed, "download failed: "+err.Error()
		return fr
	}
	defer body.Close()

	res, err := s.pipeline.Ingest(ctx, Upload{TenantID: tenantID, Filename: file.Name, Body: body})
	if err != nil {
		fr.Outcome, fr.Reason = classify(err)
		return fr
	}
	fr.Outcome = OutcomeSuccess
	fr.ChunkCount = res.ChunkCount
	fr.NewRecord = isNew
	return fr
}

func classify(err error) (Outcome, string) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeFailed, "cancelled: " + err.Error()
	}
	switch apperr.CodeOf(err) {
	case apperr.CodeUnsupportedFormat:
		return OutcomeSkipped, "unsupported format"
	case apperr.CodeEmptyDocument:
		return OutcomeSkipped, "empty or unparsable"
	case apperr.CodeLoadFailure:
		return OutcomeFailed, "load failed: " + err.Error()
	case apperr.CodeEmbeddingFailure:
		return OutcomeFailed, "embedding failed: " + err.Error()
	case apperr.CodeIndexUnavailable, apperr.CodeIndexInvalid:
		return OutcomeFailed, "index failed: " + err.Error()
	case apperr.CodeLedgerFailure:
		return OutcomeFailed, "ledger failed: " + err.Error()
	default:
		return OutcomeFailed, err.Error()
	}
}
