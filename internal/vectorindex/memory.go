package vectorindex

import (
	"context"
	"math"
	"sort"
	"sync"
)

type memoryEntry struct {
	Entry
	seq int64
}

// Memory is a brute-force cosine index for development and tests.
type Memory struct {
	mu         sync.RWMutex
	dimensions int
	entries    []memoryEntry
	seq        int64
}

var _ Index = (*Memory)(nil)

func NewMemory(dimensions int) *Memory {
	return &Memory{dimensions: dimensions}
}

func (m *Memory) Insert(ctx context.Context, entries []Entry) ([]string, error) {
	if err := validateEntries(m.dimensions, entries); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := newIDs(len(entries))

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range entries {
		m.seq++
		e.ID = ids[i]
		e.Embedding = append([]float32(nil), e.Embedding...)
		m.entries = append(m.entries, memoryEntry{Entry: e, seq: m.seq})
	}
	return ids, nil
}

func (m *Memory) Search(ctx context.Context, query []float32, filter Filter, k int) ([]Hit, error) {
	if err := validateSearch(m.dimensions, query, filter, k); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	hits := make([]Hit, 0)
	for _, e := range m.entries {
		if !matches(e.Metadata, filter) {
			continue
		}
		hits = append(hits, Hit{
			ID:       e.ID,
			Text:     e.Text,
			Metadata: e.Metadata,
			Score:    cosine(query, e.Embedding),
		})
	}
	m.mu.RUnlock()

	// entries are kept in insertion order, so a stable sort preserves it on ties
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return ownedBy(hits, filter), nil
}

func (m *Memory) Delete(ctx context.Context, filter Filter) error {
	if err := validateDelete(filter); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	for _, e := range m.entries {
		if !matches(e.Metadata, filter) {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(m.entries); i++ {
		m.entries[i] = memoryEntry{}
	}
	m.entries = kept
	return nil
}

func (m *Memory) Owners(ctx context.Context) ([]Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[Metadata]struct{})
	var owners []Metadata
	for _, e := range m.entries {
		if _, ok := seen[e.Metadata]; ok {
			continue
		}
		seen[e.Metadata] = struct{}{}
		owners = append(owners, e.Metadata)
	}
	sortOwners(owners)
	return owners, nil
}

func (m *Memory) Count(ctx context.Context, filter Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.entries {
		if filter.TenantID == "" || matches(e.Metadata, filter) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }

func matches(md Metadata, filter Filter) bool {
	if md.TenantID != filter.TenantID {
		return false
	}
	return filter.SourceFilename == "" || md.SourceFilename == filter.SourceFilename
}

func sortOwners(owners []Metadata) {
	sort.Slice(owners, func(i, j int) bool {
		if owners[i].TenantID != owners[j].TenantID {
			return owners[i].TenantID < owners[j].TenantID
		}
		return owners[i].SourceFilename < owners[j].SourceFilename
	})
}

func cosine(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
