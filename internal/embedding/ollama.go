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

// OllamaConfig holds configuration for the local Ollama embedding provider.
type OllamaConfig struct {
	BaseURL   string        // default: http://localhost:11434
	Model     string        // default: nomic-embed-text
	Dimension int           // default: 768 (nomic-embed-text)
	Timeout   time.Duration // default: 30s
	RateLimit rate.Limit    // requests/second; default: 20
}

// OllamaProvider generates embeddings with a local Ollama server via
// POST /api/embed. Calls run through a circuit breaker so a wedged
// server fails fast instead of stalling every store.
type OllamaProvider struct {
	cfg     OllamaConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewOllamaProvider creates an Ollama embedding provider with defaults
// applied for any zero-valued config field.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = 768
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 20
	}
	return &OllamaProvider{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: newEmbeddingBreaker("ollama-embeddings"),
		limiter: rate.NewLimiter(cfg.RateLimit, int(cfg.RateLimit)),
	}
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// ollamaEmbedResponse carries a 2D embeddings array, one row per input.
type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed generates an embedding for a single text.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for several texts in one request.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
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
			return nil, fmt.Errorf("%w: ollama", ErrCircuitOpen)
		}
		return nil, err
	}
	return result.([][]float32), nil
}

func (p *OllamaProvider) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: p.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: ollama request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("embedding: ollama returned status %d: %s", resp.StatusCode, string(msg))
	}

	var data ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}
	if len(data.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding: ollama returned %d embeddings for %d inputs", len(data.Embeddings), len(texts))
	}

	for i, v := range data.Embeddings {
		if len(v) != p.cfg.Dimension {
			return nil, fmt.Errorf("embedding: unexpected dimension %d (want %d) at item %d", len(v), p.cfg.Dimension, i)
		}
		Normalize(v)
	}
	return data.Embeddings, nil
}

// Dimension returns the configured vector dimension.
func (p *OllamaProvider) Dimension() int { return p.cfg.Dimension }

// Model returns the model identifier.
func (p *OllamaProvider) Model() string { return p.cfg.Model }

// newEmbeddingBreaker builds the shared circuit breaker settings: trip
// after 3 consecutive failures, probe again after 30 seconds.
func newEmbeddingBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

var _ Provider = (*OllamaProvider)(nil)
