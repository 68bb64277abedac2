// Package cloud implements the storage.Backend contract against a
// managed cloud stack: a serverless SQL database for rows, a vector
// index for embeddings, and an object bucket for oversize content. The
// API shapes follow Cloudflare's D1, Vectorize, and R2 services, which
// is what evermem deployments mirror into.
//
// The cloud store is a durable secondary. The hybrid engine never reads
// from it on the hot path; it exists for disaster recovery and for
// seeding a fresh primary via cursor enumeration.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/evermem/evermem/internal/embedding"
)

// Config carries the cloud account coordinates and retry tuning.
type Config struct {
	BaseURL     string
	APIToken    string
	AccountID   string
	DatabaseID  string
	VectorIndex string
	Bucket      string

	Provider embedding.Provider

	// LargeContentThreshold: content at or above this many bytes goes
	// to the bucket, with only a URI left in the row. Zero disables
	// blob offload.
	LargeContentThreshold int

	MaxRetries int
	BaseDelay  time.Duration

	// Capacity guard inputs, checked before vector upserts.
	MaxVectors       int
	MaxMetadataBytes int

	HTTPClient *http.Client
}

// Store is the cloud secondary backend.
type Store struct {
	cfg      Config
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	provider embedding.Provider
}

// New builds a cloud store. It does not touch the network; Initialize
// performs the first calls.
func New(cfg Config) (*Store, error) {
	if cfg.BaseURL == "" || cfg.APIToken == "" {
		return nil, fmt.Errorf("cloud: base URL and API token are required")
	}
	if cfg.AccountID == "" || cfg.DatabaseID == "" || cfg.VectorIndex == "" {
		return nil, fmt.Errorf("cloud: account, database, and vector index are required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("cloud: embedding provider is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "cloud-api",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Store{
		cfg:      cfg,
		http:     client,
		breaker:  breaker,
		limiter:  rate.NewLimiter(rate.Limit(50), 100),
		provider: cfg.Provider,
	}, nil
}

// MaxContentLength is unlimited: oversize content spills to the bucket.
func (s *Store) MaxContentLength() int { return 0 }

// SupportsChunking is false; the primary owns chunking and mirrors the
// resulting sibling rows.
func (s *Store) SupportsChunking() bool { return false }

// Close releases the HTTP client's idle connections.
func (s *Store) Close() error {
	s.http.CloseIdleConnections()
	return nil
}

// do issues one authenticated request through the rate limiter and
// circuit breaker, decoding the JSON response into out when non-nil.
func (s *Store) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("cloud: rate limit wait: %w", err)
	}

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.doOnce(ctx, method, path, body, out)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return &apiError{status: 0, message: "circuit breaker open", transientHint: true}
	}
	return err
}

func (s *Store) doOnce(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cloud: marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("cloud: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return &apiError{status: 0, message: err.Error(), transientHint: true}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return &apiError{status: 0, message: err.Error(), transientHint: true}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{status: resp.StatusCode, message: apiMessage(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("cloud: decode response: %w", err)
		}
	}
	return nil
}

// doWithRetry retries transient failures with jittered exponential
// backoff up to MaxRetries attempts. Limit and permanent errors return
// immediately.
func (s *Store) doWithRetry(ctx context.Context, method, path string, body, out interface{}) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BaseDelay
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0

	attempts := 0
	operation := func() error {
		attempts++
		err := s.do(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if Classify(err) != ClassTransient || attempts > s.cfg.MaxRetries {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

func apiMessage(body []byte) string {
	var envelope struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if len(envelope.Errors) > 0 && envelope.Errors[0].Message != "" {
			return envelope.Errors[0].Message
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
