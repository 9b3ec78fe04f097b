package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"queryprism/internal/pkg/apperr"
)

// DefaultTemperature keeps answers close to the supplied context.
const DefaultTemperature = 0.1

// Embedder turns text into vectors. Implementations must be deterministic
// for a given model.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Completer runs a single prompt through a chat model.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Config struct {
	BaseURL        string
	APIKey         string
	ChatModel      string
	EmbeddingModel string
	Temperature    float64
	Timeout        time.Duration
}

type OpenAICompatibleClient struct {
	httpClient *http.Client
	cfg        Config
}

var (
	_ Embedder  = (*OpenAICompatibleClient)(nil)
	_ Completer = (*OpenAICompatibleClient)(nil)
)

func NewOpenAICompatibleClient(cfg Config) *OpenAICompatibleClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	return &OpenAICompatibleClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
	}
}

// WithHTTPClient swaps the transport, mainly for tests.
func (c *OpenAICompatibleClient) WithHTTPClient(client *http.Client) *OpenAICompatibleClient {
	c.httpClient = client
	return c
}

// Complete sends prompt as a single user message and returns the first
// choice's content.
func (c *OpenAICompatibleClient) Complete(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]interface{}{
		"model":       c.cfg.ChatModel,
		"messages":    []ChatMessage{{Role: "user", Content: prompt}},
		"temperature": c.cfg.Temperature,
		"stream":      false,
	}

	raw, status, err := c.post(ctx, "/chat/completions", reqBody)
	if err != nil {
		return "", classifyTransport(ctx, err)
	}
	switch {
	case status == http.StatusTooManyRequests:
		return "", apperr.New(apperr.CodeCompletionRateLimited, "llm rate limited", apperr.Field("status", status))
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return "", apperr.New(apperr.CodeCompletionTimeout, "llm upstream timed out", apperr.Field("status", status))
	case status >= 300:
		return "", apperr.New(apperr.CodeCompletionInvalidResponse,
			fmt.Sprintf("llm response status %d: %s", status, truncate(raw, 256)), apperr.Field("status", status))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", apperr.Wrap(err, apperr.CodeCompletionInvalidResponse, "parse llm json failed")
	}
	if len(parsed.Choices) == 0 {
		return "", apperr.New(apperr.CodeCompletionInvalidResponse, "empty llm choices")
	}
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return "", apperr.New(apperr.CodeCompletionInvalidResponse, "empty llm content")
	}
	return content, nil
}

func (c *OpenAICompatibleClient) post(ctx context.Context, path string, body any) ([]byte, int, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request failed: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("build request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response failed: %w", err)
	}
	return raw, resp.StatusCode, nil
}

func classifyTransport(ctx context.Context, err error) error {
	if isTimeout(err) {
		return apperr.Wrap(err, apperr.CodeCompletionTimeout, "llm request timed out")
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return apperr.Wrap(err, apperr.CodeCompletionInvalidResponse, "llm request failed")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
