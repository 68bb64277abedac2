package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
)

// StaticProvider produces deterministic pseudo-embeddings derived from
// token hashes. It exists for tests and offline operation: vectors are
// stable for a given text, unit-normalized, and texts sharing words
// land closer together than unrelated texts.
type StaticProvider struct {
	dimension int
}

// NewStaticProvider creates a deterministic provider of the given
// dimension (default 384 when non-positive).
func NewStaticProvider(dimension int) *StaticProvider {
	if dimension <= 0 {
		dimension = 384
	}
	return &StaticProvider{dimension: dimension}
}

// Embed produces a deterministic bag-of-words vector for the text.
func (p *StaticProvider) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, p.dimension)

	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		words = []string{""}
	}
	for _, w := range words {
		sum := sha256.Sum256([]byte(w))
		// Spread each word over a handful of dimensions so overlapping
		// vocabularies yield overlapping vectors.
		for k := 0; k < 4; k++ {
			idx := binary.LittleEndian.Uint32(sum[k*8:]) % uint32(p.dimension)
			sign := float32(1)
			if sum[k*8+4]&1 == 1 {
				sign = -1
			}
			v[idx] += sign
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v, nil
}

// EmbedBatch embeds each text independently.
func (p *StaticProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedSequential(ctx, p, texts)
}

// Dimension returns the vector dimension.
func (p *StaticProvider) Dimension() int { return p.dimension }

// Model identifies the deterministic provider.
func (p *StaticProvider) Model() string { return "static-hash" }

var _ Provider = (*StaticProvider)(nil)
