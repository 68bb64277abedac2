package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// OpenAIConfig holds configuration for an OpenAI-compatible embedding
// endpoint. Any service exposing the /v1/embeddings shape works here.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string        // default: https://api.openai.com
	Model     string        // default: text-embedding-3-small
	Dimension int           // default: 1536
	Timeout   time.Duration // default: 60s
	RateLimit rate.Limit    // requests/second; default: 10
}

// OpenAIProvider generates embeddings via POST /v1/embeddings.
type OpenAIProvider struct {
	cfg     OpenAIConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewOpenAIProvider creates a provider for an OpenAI-style embedding API.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = 1536
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 10
	}
	return &OpenAIProvider{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: newEmbeddingBreaker("openai-embeddings"),
		limiter: rate.NewLimiter(cfg.RateLimit, int(cfg.RateLimit)),
	}
}

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed generates an embedding for a single text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for several texts in one request.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedding: rate limiter: %w", err)
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		return p.embedBatch(ctx, texts)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: openai", ErrCircuitOpen)
		}
		return nil, err
	}
	return result.([][]float32), nil
}

func (p *OpenAIProvider) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(openAIEmbedRequest{Model: p.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: openai request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("embedding: openai returned status %d: %s", resp.StatusCode, string(msg))
	}

	var data openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}
	if len(data.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: openai returned %d embeddings for %d inputs", len(data.Data), len(texts))
	}

	// The API documents index-ordered results; honor the index field anyway.
	out := make([][]float32, len(texts))
	for _, item := range data.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, fmt.Errorf("embedding: response index %d out of range", item.Index)
		}
		out[item.Index] = Normalize(item.Embedding)
	}
	return out, nil
}

// Dimension returns the configured vector dimension.
func (p *OpenAIProvider) Dimension() int { return p.cfg.Dimension }

// Model returns the model identifier.
func (p *OpenAIProvider) Model() string { return p.cfg.Model }

var _ Provider = (*OpenAIProvider)(nil)
