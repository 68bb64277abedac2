package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStaticProviderDeterministic(t *testing.T) {
	p := NewStaticProvider(384)
	ctx := context.Background()

	a, err := p.Embed(ctx, "meeting notes from monday")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, err := p.Embed(ctx, "meeting notes from monday")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if CosineSimilarity(a, b) < 0.9999 {
		t.Error("same text should produce identical vectors")
	}
	if len(a) != 384 {
		t.Errorf("dimension = %d, want 384", len(a))
	}

	var norm float64
	for _, x := range a {
		norm += float64(x) * float64(x)
	}
	if math.Abs(norm-1.0) > 1e-5 {
		t.Errorf("vector not unit-normalized: |v|^2 = %f", norm)
	}
}

func TestStaticProviderSimilarityOrdering(t *testing.T) {
	p := NewStaticProvider(384)
	ctx := context.Background()

	query, _ := p.Embed(ctx, "project meeting notes")
	related, _ := p.Embed(ctx, "notes from the project meeting")
	unrelated, _ := p.Embed(ctx, "quantum chromodynamics lattice simulation")

	if CosineSimilarity(query, related) <= CosineSimilarity(query, unrelated) {
		t.Error("overlapping vocabulary should score higher than unrelated text")
	}
}

func TestCachingProviderHitsAndMisses(t *testing.T) {
	inner := &countingProvider{inner: NewStaticProvider(64)}
	cached, err := NewCachingProvider(inner, 16)
	if err != nil {
		t.Fatalf("NewCachingProvider: %v", err)
	}
	ctx := context.Background()

	if _, err := cached.Embed(ctx, "hello"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if _, err := cached.Embed(ctx, "hello"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("expected 1 inner call, got %d", inner.calls)
	}

	// Batch with one hit and one miss forwards only the miss.
	vectors, err := cached.EmbedBatch(ctx, []string{"hello", "world"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vectors) != 2 || vectors[0] == nil || vectors[1] == nil {
		t.Fatal("batch result incomplete")
	}
	if inner.calls != 2 {
		t.Errorf("expected 2 inner calls after batch, got %d", inner.calls)
	}
}

func TestOpenAIProviderParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req openAIEmbedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := map[string]interface{}{
			"data": []map[string]interface{}{
				{"index": 0, "embedding": []float32{3, 4}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL, APIKey: "k", Dimension: 2})
	v, err := p.Embed(context.Background(), "text")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	// Response vector {3,4} normalizes to {0.6, 0.8}.
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Errorf("vector not normalized: %v", v)
	}
}

func TestOpenAIProviderSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIConfig{BaseURL: srv.URL})
	if _, err := p.Embed(context.Background(), "text"); err == nil {
		t.Error("expected error for non-200 response")
	}
}

func TestCosineSimilarityEdgeCases(t *testing.T) {
	if CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}) != 0 {
		t.Error("mismatched lengths should score 0")
	}
	if CosineSimilarity([]float32{0, 0}, []float32{1, 0}) != 0 {
		t.Error("zero vector should score 0")
	}
	if s := CosineSimilarity([]float32{1, 0}, []float32{1, 0}); math.Abs(s-1.0) > 1e-9 {
		t.Errorf("identical vectors should score 1, got %f", s)
	}
}

// countingProvider counts Embed calls for cache tests.
type countingProvider struct {
	inner Provider
	calls int
}

func (c *countingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	return c.inner.Embed(ctx, text)
}

func (c *countingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls += len(texts)
	return c.inner.EmbedBatch(ctx, texts)
}

func (c *countingProvider) Dimension() int { return c.inner.Dimension() }
func (c *countingProvider) Model() string  { return c.inner.Model() }
