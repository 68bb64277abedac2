package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/evermem/evermem/pkg/types"
)

// row is one decoded relational row keyed by column name.
type row map[string]interface{}

// query runs one SQL statement against the serverless database and
// returns the decoded rows.
func (s *Store) query(ctx context.Context, sql string, params ...interface{}) ([]row, error) {
	path := fmt.Sprintf("/accounts/%s/d1/database/%s/query", s.cfg.AccountID, s.cfg.DatabaseID)
	body := map[string]interface{}{"sql": sql}
	if len(params) > 0 {
		body["params"] = params
	}

	var envelope struct {
		Success bool `json:"success"`
		Result  []struct {
			Success bool  `json:"success"`
			Results []row `json:"results"`
		} `json:"result"`
	}
	if err := s.doWithRetry(ctx, "POST", path, body, &envelope); err != nil {
		return nil, err
	}
	if !envelope.Success || len(envelope.Result) == 0 || !envelope.Result[0].Success {
		return nil, &apiError{status: 500, message: "sql query reported failure"}
	}
	return envelope.Result[0].Results, nil
}

// exec runs a statement where only success matters.
func (s *Store) exec(ctx context.Context, sql string, params ...interface{}) error {
	_, err := s.query(ctx, sql, params...)
	return err
}

func rowString(r row, key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}

func rowFloat(r row, key string) float64 {
	switch v := r[key].(type) {
	case float64:
		return v
	case json.Number:
		f, _ := v.Float64()
		return f
	case int:
		return float64(v)
	}
	return 0
}

// rowToMemory converts a relational row into a Memory, dereferencing
// bucket URIs for offloaded content.
func (s *Store) rowToMemory(ctx context.Context, r row) (*types.Memory, error) {
	content := rowString(r, "content")
	if strings.HasPrefix(content, blobURIPrefix) {
		real, err := s.getBlob(ctx, strings.TrimPrefix(content, blobURIPrefix))
		if err != nil {
			return nil, fmt.Errorf("cloud: dereference blob content: %w", err)
		}
		content = real
	}

	m := &types.Memory{
		Content:      content,
		ContentHash:  rowString(r, "content_hash"),
		MemoryType:   rowString(r, "memory_type"),
		CreatedAt:    rowFloat(r, "created_at"),
		CreatedAtISO: rowString(r, "created_at_iso"),
		UpdatedAt:    rowFloat(r, "updated_at"),
		UpdatedAtISO: rowString(r, "updated_at_iso"),
	}
	if tags := rowString(r, "tags"); tags != "" {
		m.Tags = types.ParseTagString(tags)
	}
	if meta := rowString(r, "metadata"); meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return nil, fmt.Errorf("cloud: decode metadata for %s: %w", m.ContentHash, err)
		}
	}
	return m, nil
}

func (s *Store) rowsToMemories(ctx context.Context, rows []row) ([]*types.Memory, error) {
	out := make([]*types.Memory, 0, len(rows))
	for _, r := range rows {
		m, err := s.rowToMemory(ctx, r)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
