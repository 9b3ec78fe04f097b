package app

import (
	"context"
	"io"
	"strings"

	"go.uber.org/zap"

	"queryprism/internal/ingest"
	"queryprism/internal/model"
	"queryprism/internal/pkg/apperr"
	"queryprism/internal/pkg/logger"
	"queryprism/internal/repository"
	"queryprism/internal/retriever"
	"queryprism/internal/synth"
	"queryprism/internal/vectorindex"
)

type DocumentService struct {
	pipeline  *ingest.Pipeline
	retriever *retriever.Retriever
	synth     *synth.Synthesizer
	index     vectorindex.Index
	docRepo   *repository.DocumentRepository
	log       *zap.Logger
}

func NewDocumentService(
	pipeline *ingest.Pipeline,
	retriever *retriever.Retriever,
	synth *synth.Synthesizer,
	index vectorindex.Index,
	docRepo *repository.DocumentRepository,
	log *zap.Logger,
) *DocumentService {
	return &DocumentService{
		pipeline:  pipeline,
		retriever: retriever,
		synth:     synth,
		index:     index,
		docRepo:   docRepo,
		log:       logger.Module(log, "documents"),
	}
}

func (s *DocumentService) Upload(ctx context.Context, tenantID, filename string, body io.Reader) (*ingest.Result, error) {
	return s.pipeline.Ingest(ctx, ingest.Upload{TenantID: tenantID, Filename: filename, Body: body})
}

// List returns the tenant's documents, newest first.
func (s *DocumentService) List(ctx context.Context, tenantID string) ([]model.Document, error) {
	if tenantID == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "tenant is required")
	}
	return s.docRepo.ListByTenant(ctx, tenantID)
}

// Delete removes the tenant's vectors and ownership record for filename.
// A failing index delete is logged and the record is removed anyway.
func (s *DocumentService) Delete(ctx context.Context, tenantID, filename string) error {
	filename = strings.TrimSpace(filename)
	if tenantID == "" || filename == "" {
		return apperr.New(apperr.CodeInvalidInput, "tenant and filename are required")
	}

	owned, err := s.docRepo.Exists(ctx, tenantID, filename)
	if err != nil {
		return err
	}
	if !owned {
		return apperr.New(apperr.CodeNotFound, "document not found",
			apperr.FieldTenant(tenantID), apperr.FieldFilename(filename))
	}

	if err := s.index.Delete(ctx, vectorindex.Filter{TenantID: tenantID, SourceFilename: filename}); err != nil {
		s.log.Warn("delete vectors failed, removing record anyway",
			zap.String("tenant_id", tenantID),
			zap.String("filename", filename),
			zap.Error(err),
		)
	}

	if _, err := s.docRepo.Delete(ctx, tenantID, filename); err != nil {
		return err
	}
	s.log.Info("document deleted", zap.String("tenant_id", tenantID), zap.String("filename", filename))
	return nil
}

type AskInput struct {
	TenantID string
	Question string
	TopK     int
}

type Source struct {
	Filename string  `json:"filename"`
	Score    float32 `json:"score"`
	Excerpt  string  `json:"excerpt"`
}

type AskResult struct {
	Answer  string   `json:"answer"`
	Refused bool     `json:"refused"`
	Sources []Source `json:"sources"`
}

const excerptRunes = 240

// Ask retrieves the tenant's closest chunks and answers from them only.
func (s *DocumentService) Ask(ctx context.Context, input AskInput) (*AskResult, error) {
	question := strings.TrimSpace(input.Question)
	if question == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "query is empty")
	}

	hits, err := s.retriever.Retrieve(ctx, input.TenantID, question, input.TopK)
	if err != nil {
		return nil, err
	}

	answer, err := s.synth.Synthesize(ctx, question, retriever.Texts(hits))
	if err != nil {
		return nil, err
	}

	result := &AskResult{Answer: answer, Refused: synth.IsRefusal(answer), Sources: []Source{}}
	if !result.Refused {
		result.Sources = sources(hits)
	}
	return result, nil
}

func sources(hits []vectorindex.Hit) []Source {
	out := make([]Source, 0, len(hits))
	for _, h := range hits {
		out = append(out, Source{
			Filename: h.Metadata.SourceFilename,
			Score:    h.Score,
			Excerpt:  excerpt(h.Text),
		})
	}
	return out
}

func excerpt(text string) string {
	r := []rune(strings.TrimSpace(text))
	if len(r) <= excerptRunes {
		return string(r)
	}
	return string(r[:excerptRunes]) + "..."
}

type ReconcileReport struct {
	DryRun bool `json:"dry_run"`
	// OrphanedVectors are (tenant, filename) pairs in the index with no record.
	OrphanedVectors []vectorindex.Metadata `json:"orphaned_vectors"`
	// MissingVectors are records whose document has no vectors left.
	MissingVectors []model.Document `json:"missing_vectors"`
	VectorsRemoved int              `json:"vectors_removed"`
	RecordsRemoved int              `json:"records_removed"`
}

// Reconcile compares the ledger with the index. Unless dryRun, it removes
// orphaned vectors and records that point at nothing. Run it while no
// ingestion is in flight: a document between indexing and recording looks
// orphaned.
func (s *DocumentService) Reconcile(ctx context.Context, dryRun bool) (*ReconcileReport, error) {
	owners, err := s.index.Owners(ctx)
	if err != nil {
		return nil, err
	}
	docs, err := s.docRepo.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	indexed := make(map[vectorindex.Metadata]struct{}, len(owners))
	for _, o := range owners {
		indexed[o] = struct{}{}
	}
	recorded := make(map[vectorindex.Metadata]struct{}, len(docs))
	for _, d := range docs {
		recorded[vectorindex.Metadata{TenantID: d.TenantID, SourceFilename: d.Filename}] = struct{}{}
	}

	report := &ReconcileReport{DryRun: dryRun, OrphanedVectors: []vectorindex.Metadata{}, MissingVectors: []model.Document{}}
	for _, o := range owners {
		if _, ok := recorded[o]; !ok {
			report.OrphanedVectors = append(report.OrphanedVectors, o)
		}
	}
	for _, d := range docs {
		if _, ok := indexed[vectorindex.Metadata{TenantID: d.TenantID, SourceFilename: d.Filename}]; !ok {
			report.MissingVectors = append(report.MissingVectors, d)
		}
	}

	if dryRun {
		return report, nil
	}
	for _, o := range report.OrphanedVectors {
		if err := s.index.Delete(ctx, vectorindex.Filter{TenantID: o.TenantID, SourceFilename: o.SourceFilename}); err != nil {
			return report, err
		}
		report.VectorsRemoved++
	}
	for _, d := range report.MissingVectors {
		if _, err := s.docRepo.Delete(ctx, d.TenantID, d.Filename); err != nil {
			return report, err
		}
		report.RecordsRemoved++
	}
	s.log.Info("reconcile finished",
		zap.Int("orphaned_vectors", len(report.OrphanedVectors)),
		zap.Int("missing_vectors", len(report.MissingVectors)),
	)
	return report, nil
}

type Stats struct {
	Documents int `json:"documents"`
	Vectors   int `json:"vectors"`
	Tenants   int `json:"tenants"`
}

func (s *DocumentService) Stats(ctx context.Context) (*Stats, error) {
	docs, err := s.docRepo.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	vectors, err := s.index.Count(ctx, vectorindex.Filter{})
	if err != nil {
		return nil, err
	}
	tenants := make(map[string]struct{})
	for _, d := range docs {
		tenants[d.TenantID] = struct{}{}
	}
	return &Stats{Documents: len(docs), Vectors: vectors, Tenants: len(tenants)}, nil
}
