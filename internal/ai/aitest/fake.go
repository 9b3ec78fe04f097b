// Package aitest provides deterministic Embedder and Completer fakes.
package aitest

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"queryprism/internal/ai"
)

// HashEmbedder maps each word to a bucket, so texts sharing words land close
// together. Identical input always yields the identical vector.
type HashEmbedder struct {
	Dims int
	// FailOnCall makes the Nth EmbedBatch call (1-based) return Err.
	FailOnCall int
	Err        error

	mu    sync.Mutex
	calls int
	texts []string
}

var _ ai.Embedder = (*HashEmbedder)(nil)

func NewHashEmbedder(dims int) *HashEmbedder {
	return &HashEmbedder{Dims: dims}
}

func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.calls++
	call := e.calls
	e.texts = append(e.texts, texts...)
	e.mu.Unlock()

	if e.FailOnCall > 0 && call >= e.FailOnCall {
		return nil, e.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *HashEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *HashEmbedder) Texts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.texts...)
}

func (e *HashEmbedder) vector(text string) []float32 {
	vec := make([]float32, e.Dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%uint32(e.Dims)]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// Completer answers with Reply, or delegates to Fn when set.
type Completer struct {
	Reply string
	Err   error
	Fn    func(prompt string) (string, error)

	mu      sync.Mutex
	prompts []string
}

var _ ai.Completer = (*Completer)(nil)

func (c *Completer) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.prompts = append(c.prompts, prompt)
	c.mu.Unlock()

	if c.Fn != nil {
		return c.Fn(prompt)
	}
	if c.Err != nil {
		return "", c.Err
	}
	return c.Reply, nil
}

func (c *Completer) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.prompts...)
}
