// Package embedding generates dense vectors for memory content.
//
// Two concrete providers are supported: a local Ollama server (the
// default for self-hosted deployments) and any OpenAI-compatible
// /v1/embeddings endpoint. Both are protected by a circuit breaker and
// an outbound rate limiter; a caching decorator avoids re-embedding
// identical content.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrCircuitOpen is returned when the provider's circuit breaker is open
// and calls are being rejected to let the upstream recover.
var ErrCircuitOpen = errors.New("embedding: circuit breaker is open")

// Provider generates embeddings for text. Implementations must return
// vectors of a fixed dimension reported by Dimension().
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for several texts. Providers
	// without a native batch endpoint loop over Embed.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector dimension this provider produces.
	Dimension() int

	// Model returns the model identifier for provenance metadata.
	Model() string
}

// Normalize scales a vector to unit length in place and returns it.
// Zero vectors are returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// CosineSimilarity computes cosine similarity between two equal-length
// vectors. Returns 0 for mismatched lengths or zero-magnitude inputs.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Relevance converts cosine similarity into the [0,1] relevance score
// surfaced to callers. Negative similarities clamp to zero.
func Relevance(similarity float64) float64 {
	if similarity < 0 {
		return 0
	}
	if similarity > 1 {
		return 1
	}
	return similarity
}

// embedSequential is the shared EmbedBatch fallback for providers
// without a native batch endpoint.
func embedSequential(ctx context.Context, p Provider, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for i, text := range texts {
		v, err := p.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embedding: batch item %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
