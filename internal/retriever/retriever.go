// Package retriever finds the chunks of one tenant closest to a query.
package retriever

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"queryprism/internal/ai"
	"queryprism/internal/pkg/apperr"
	"queryprism/internal/pkg/logger"
	"queryprism/internal/vectorindex"
)

const DefaultTopK = 8

type Retriever struct {
	embedder ai.Embedder
	index    vectorindex.Index
	topK     int
	log      *zap.Logger
	tracer   trace.Tracer
}

func New(embedder ai.Embedder, index vectorindex.Index, topK int, log *zap.Logger) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Retriever{
		embedder: embedder,
		index:    index,
		topK:     topK,
		log:      logger.Module(log, "retriever"),
		tracer:   otel.Tracer("queryprism/retriever"),
	}
}

// Retrieve embeds query once and returns up to k of the tenant's hits, best
// first. k <= 0 uses the configured default.
func (r *Retriever) Retrieve(ctx context.Context, tenantID, query string, k int) ([]vectorindex.Hit, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "tenant is required")
	}
	if strings.TrimSpace(query) == "" {
		return nil, apperr.New(apperr.CodeInvalidInput, "query is empty", apperr.FieldTenant(tenantID))
	}
	if k <= 0 {
		k = r.topK
	}

	ctx, span := r.tracer.Start(ctx, "retriever.Retrieve", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.Int("k", k),
	))
	defer span.End()

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		if apperr.CodeOf(err) == "" && ctx.Err() == nil {
			err = apperr.Wrap(err, apperr.CodeEmbeddingFailure, "embed query failed")
		}
		span.RecordError(err)
		return nil, err
	}

	hits, err := r.index.Search(ctx, vec, vectorindex.Filter{TenantID: tenantID}, k)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("hits", len(hits)))
	r.log.Debug("retrieved", zap.String("tenant_id", tenantID), zap.Int("k", k), zap.Int("hits", len(hits)))
	return hits, nil
}

// Texts returns the hit texts in rank order.
func Texts(hits []vectorindex.Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.Text
	}
	return out
}
