package embedding

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/evermem/evermem/pkg/types"
)

// CachingProvider decorates a Provider with an LRU cache keyed by the
// content hash of the input text. Memories are immutable by hash, so a
// cached vector never goes stale.
type CachingProvider struct {
	inner Provider
	cache *lru.Cache[string, []float32]
}

// NewCachingProvider wraps inner with an LRU of the given size.
func NewCachingProvider(inner Provider, size int) (*CachingProvider, error) {
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("embedding: create cache: %w", err)
	}
	return &CachingProvider{inner: inner, cache: cache}, nil
}

// Embed returns the cached vector when available, delegating otherwise.
func (p *CachingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := types.HashContent(text)
	if v, ok := p.cache.Get(key); ok {
		return v, nil
	}
	v, err := p.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	p.cache.Add(key, v)
	return v, nil
}

// EmbedBatch serves cache hits locally and forwards only the misses to
// the inner provider in one batch.
func (p *CachingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, text := range texts {
		if v, ok := p.cache.Get(types.HashContent(text)); ok {
			out[i] = v
		} else {
			missTexts = append(missTexts, text)
			missIdx = append(missIdx, i)
		}
	}

	if len(missTexts) > 0 {
		vectors, err := p.inner.EmbedBatch(ctx, missTexts)
		if err != nil {
			return nil, err
		}
		for j, v := range vectors {
			out[missIdx[j]] = v
			p.cache.Add(types.HashContent(missTexts[j]), v)
		}
	}
	return out, nil
}

// Dimension delegates to the inner provider.
func (p *CachingProvider) Dimension() int { return p.inner.Dimension() }

// Model delegates to the inner provider.
func (p *CachingProvider) Model() string { return p.inner.Model() }

// Len reports the number of cached vectors, for stats.
func (p *CachingProvider) Len() int { return p.cache.Len() }

var _ Provider = (*CachingProvider)(nil)
