package cloud

import (
	"context"
	"fmt"
)

// vectorRecord is one entry in the remote vector index. The id is the
// memory's content hash so relational rows and vectors join trivially.
type vectorRecord struct {
	ID     string    `json:"id"`
	Values []float32 `json:"values"`
}

type vectorMatch struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

func (s *Store) vectorPath(op string) string {
	return fmt.Sprintf("/accounts/%s/vectorize/v2/indexes/%s/%s",
		s.cfg.AccountID, s.cfg.VectorIndex, op)
}

// upsertVectors writes embeddings to the index, guarded by the capacity
// check so the provider's hard limit is never hit mid-batch.
func (s *Store) upsertVectors(ctx context.Context, records []vectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	if s.cfg.MaxVectors > 0 {
		count, err := s.vectorCount(ctx)
		if err == nil && count+len(records) > s.cfg.MaxVectors {
			return &apiError{status: 413, message: fmt.Sprintf(
				"vector capacity limit exceeded: %d + %d > %d", count, len(records), s.cfg.MaxVectors)}
		}
	}
	body := map[string]interface{}{"vectors": records}
	return s.doWithRetry(ctx, "POST", s.vectorPath("upsert"), body, nil)
}

// queryVectors runs a similarity query, returning matches best-first.
func (s *Store) queryVectors(ctx context.Context, vector []float32, topK int) ([]vectorMatch, error) {
	body := map[string]interface{}{"vector": vector, "topK": topK}
	var envelope struct {
		Result struct {
			Matches []vectorMatch `json:"matches"`
		} `json:"result"`
	}
	if err := s.doWithRetry(ctx, "POST", s.vectorPath("query"), body, &envelope); err != nil {
		return nil, err
	}
	return envelope.Result.Matches, nil
}

func (s *Store) deleteVectors(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body := map[string]interface{}{"ids": ids}
	return s.doWithRetry(ctx, "POST", s.vectorPath("delete_by_ids"), body, nil)
}

// vectorCount reads the index size for the capacity guard and stats.
func (s *Store) vectorCount(ctx context.Context) (int, error) {
	var envelope struct {
		Result struct {
			VectorCount int `json:"vectorCount"`
		} `json:"result"`
	}
	if err := s.doWithRetry(ctx, "GET", s.vectorPath("info"), nil, &envelope); err != nil {
		return 0, err
	}
	return envelope.Result.VectorCount, nil
}

// VectorCount exposes the index size to the hybrid capacity guard.
func (s *Store) VectorCount(ctx context.Context) (int, error) {
	return s.vectorCount(ctx)
}

// VectorLimit reports the configured provider ceiling; 0 means unknown.
func (s *Store) VectorLimit() int { return s.cfg.MaxVectors }
