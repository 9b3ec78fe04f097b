package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"queryprism/internal/pkg/apperr"
)

// Embed returns the embedding vector for the given text.
func (c *OpenAICompatibleClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch returns one vector per input, in input order.
func (c *OpenAICompatibleClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = strings.TrimSpace(t)
		if inputs[i] == "" {
			return nil, apperr.New(apperr.CodeInvalidInput, "embedding input is empty", apperr.Field("index", i))
		}
	}

	reqBody := map[string]interface{}{
		"model": c.cfg.EmbeddingModel,
		"input": inputs,
	}
	raw, status, err := c.post(ctx, "/embeddings", reqBody)
	if err != nil {
		if ctx.Err() != nil && !isTimeout(err) {
			return nil, ctx.Err()
		}
		return nil, apperr.Wrap(err, apperr.CodeEmbeddingFailure, "embedding request failed")
	}
	if status >= 300 {
		return nil, apperr.New(apperr.CodeEmbeddingFailure,
			fmt.Sprintf("embedding response status %d: %s", status, truncate(raw, 256)), apperr.Field("status", status))
	}

	var parsed struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeEmbeddingFailure, "parse embedding json failed")
	}
	if len(parsed.Data) != len(inputs) {
		return nil, apperr.New(apperr.CodeEmbeddingFailure,
			fmt.Sprintf("embedding count mismatch: sent %d, got %d", len(inputs), len(parsed.Data)))
	}
	sort.SliceStable(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })

	result := make([][]float32, len(parsed.Data))
	for i := range parsed.Data {
		if len(parsed.Data[i].Embedding) == 0 {
			return nil, apperr.New(apperr.CodeEmbeddingFailure, "empty embedding in response", apperr.Field("index", i))
		}
		result[i] = parsed.Data[i].Embedding
	}
	return result, nil
}
