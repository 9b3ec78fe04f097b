// Package vectorindex stores chunk embeddings tagged with their owner and
// answers tenant-scoped nearest-neighbour queries.
package vectorindex

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"queryprism/internal/pkg/apperr"
)

const (
	BackendSQLiteVec = "sqlitevec"
	BackendPGVector  = "pgvector"
	BackendMemory    = "memory"

	DefaultCollection = "user_documents"
)

// Metadata ties a vector to the tenant and source file that produced it.
type Metadata struct {
	TenantID       string `json:"tenant_id" gorm:"column:tenant_id"`
	SourceFilename string `json:"source_filename" gorm:"column:source_filename"`
}

type Entry struct {
	ID        string
	Embedding []float32
	Text      string
	Metadata  Metadata
}

// Filter narrows queries. Search needs TenantID; Delete needs both fields.
type Filter struct {
	TenantID       string
	SourceFilename string
}

type Hit struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
	// Score is cosine similarity; higher is closer.
	Score float32 `json:"score"`
}

type Index interface {
	// Insert appends entries under fresh ids and returns them in input order.
	Insert(ctx context.Context, entries []Entry) ([]string, error)
	// Search returns at most k hits inside the filter, best first; equal
	// scores keep insertion order.
	Search(ctx context.Context, query []float32, filter Filter, k int) ([]Hit, error)
	// Delete removes every entry matching both filter fields.
	Delete(ctx context.Context, filter Filter) error
	// Owners lists the distinct (tenant, filename) pairs present.
	Owners(ctx context.Context) ([]Metadata, error)
	// Count reports entries matching the filter; an empty filter counts all.
	Count(ctx context.Context, filter Filter) (int, error)
	Close() error
}

// Pinger is implemented by backends that hold a remote or file connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Backend     string
	Path        string
	Collection  string
	Dimensions  int
	PostgresDSN string
}

var collectionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Open builds the configured backend.
func Open(ctx context.Context, opts Options) (Index, error) {
	if opts.Collection == "" {
		opts.Collection = DefaultCollection
	}
	if !collectionPattern.MatchString(opts.Collection) {
		return nil, apperr.New(apperr.CodeIndexInvalid, "invalid collection name", apperr.Field("collection", opts.Collection))
	}
	if opts.Dimensions <= 0 {
		return nil, apperr.New(apperr.CodeIndexInvalid, "dimensions must be positive", apperr.Field("dimensions", opts.Dimensions))
	}

	switch strings.ToLower(opts.Backend) {
	case BackendSQLiteVec, "":
		return OpenSQLiteVec(ctx, opts.Path, opts.Collection, opts.Dimensions)
	case BackendPGVector:
		return OpenPGVector(ctx, opts.PostgresDSN, opts.Collection, opts.Dimensions)
	case BackendMemory:
		return NewMemory(opts.Dimensions), nil
	default:
		return nil, apperr.New(apperr.CodeIndexInvalid, "unknown vector index backend", apperr.Field("backend", opts.Backend))
	}
}

func validateEntries(dimensions int, entries []Entry) error {
	for i, e := range entries {
		if e.Metadata.TenantID == "" || e.Metadata.SourceFilename == "" {
			return apperr.New(apperr.CodeIndexInvalid, "entry metadata requires tenant_id and source_filename", apperr.Field("index", i))
		}
		if len(e.Embedding) != dimensions {
			return apperr.New(apperr.CodeIndexInvalid,
				fmt.Sprintf("embedding has %d dimensions, index expects %d", len(e.Embedding), dimensions), apperr.Field("index", i))
		}
	}
	return nil
}

func validateSearch(dimensions int, query []float32, filter Filter, k int) error {
	if filter.TenantID == "" {
		return apperr.New(apperr.CodeIndexInvalid, "search requires a tenant_id filter")
	}
	if k <= 0 {
		return apperr.New(apperr.CodeIndexInvalid, "k must be positive", apperr.Field("k", k))
	}
	if len(query) != dimensions {
		return apperr.New(apperr.CodeIndexInvalid,
			fmt.Sprintf("query has %d dimensions, index expects %d", len(query), dimensions))
	}
	return nil
}

func validateDelete(filter Filter) error {
	if filter.TenantID == "" || filter.SourceFilename == "" {
		return apperr.New(apperr.CodeIndexInvalid, "delete requires tenant_id and source_filename")
	}
	return nil
}

func newIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = uuid.NewString()
	}
	return ids
}

// ownedBy drops any row that slipped past the backend's tenant predicate.
func ownedBy(hits []Hit, filter Filter) []Hit {
	out := hits[:0]
	for _, h := range hits {
		if h.Metadata.TenantID != filter.TenantID {
			continue
		}
		if filter.SourceFilename != "" && h.Metadata.SourceFilename != filter.SourceFilename {
			continue
		}
		out = append(out, h)
	}
	return out
}

func unavailable(err error, msg string) error {
	return apperr.Wrap(err, apperr.CodeIndexUnavailable, msg)
}
