package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/evermem/evermem/internal/storage"
	"github.com/evermem/evermem/pkg/types"
)

// StoreAssociation upserts an edge by its canonical key. Symmetric
// edges collapse (a,b) and (b,a) into one row.
func (s *Store) StoreAssociation(ctx context.Context, assoc *types.Association) error {
	if assoc == nil {
		return fmt.Errorf("%w: association is required", storage.ErrInvalidInput)
	}

	conns := make([]string, 0, len(assoc.ConnectionTypes))
	for _, c := range assoc.ConnectionTypes {
		if !c.Valid() {
			return fmt.Errorf("%w: unknown connection type %q", storage.ErrInvalidInput, c)
		}
		conns = append(conns, string(c))
	}

	metadataJSON, err := encodeMetadata(assoc.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO associations (canonical_key, source_hash, target_hash,
			similarity, connection_types, discovery_method, discovery_date, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(canonical_key) DO UPDATE SET
			similarity = excluded.similarity,
			connection_types = excluded.connection_types,
			discovery_method = excluded.discovery_method,
			discovery_date = excluded.discovery_date,
			metadata = excluded.metadata`,
		assoc.CanonicalKey(), assoc.SourceHash, assoc.TargetHash,
		assoc.Similarity, strings.Join(conns, ","),
		assoc.DiscoveryMethod, assoc.DiscoveryDate, metadataJSON)
	if err != nil {
		return fmt.Errorf("sqlite: store association: %w", err)
	}
	return nil
}

// GetAssociations returns edges touching the hash at either endpoint.
func (s *Store) GetAssociations(ctx context.Context, contentHash string) ([]*types.Association, error) {
	if contentHash == "" {
		return nil, fmt.Errorf("%w: content hash is required", storage.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source_hash, target_hash, similarity, connection_types,
			discovery_method, discovery_date, metadata
		FROM associations
		WHERE source_hash = ? OR target_hash = ?
		ORDER BY similarity DESC`, contentHash, contentHash)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get associations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Association
	for rows.Next() {
		var a types.Association
		var connTypes, metadataJSON string
		if err := rows.Scan(&a.SourceHash, &a.TargetHash, &a.Similarity,
			&connTypes, &a.DiscoveryMethod, &a.DiscoveryDate, &metadataJSON); err != nil {
			return nil, fmt.Errorf("sqlite: scan association: %w", err)
		}
		for _, raw := range strings.Split(connTypes, ",") {
			ct, err := types.ParseConnectionType(raw)
			if err != nil {
				continue
			}
			a.ConnectionTypes = append(a.ConnectionTypes, ct)
		}
		if metadataJSON != "" && metadataJSON != "{}" {
			if err := json.Unmarshal([]byte(metadataJSON), &a.Metadata); err != nil {
				return nil, fmt.Errorf("sqlite: decode association metadata: %w", err)
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// GetMemoryConnections returns per-hash edge counts over live memories.
// Feeds the connection boost in relevance scoring.
func (s *Store) GetMemoryConnections(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, SUM(n) FROM (
			SELECT source_hash AS hash, COUNT(*) AS n FROM associations GROUP BY source_hash
			UNION ALL
			SELECT target_hash AS hash, COUNT(*) AS n FROM associations GROUP BY target_hash
		) GROUP BY hash`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: connection counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var hash string
		var count int
		if err := rows.Scan(&hash, &count); err != nil {
			return nil, fmt.Errorf("sqlite: scan connection count: %w", err)
		}
		out[hash] = count
	}
	return out, rows.Err()
}

// HasAssociation reports whether an edge already exists between the two
// hashes, in either direction.
func (s *Store) HasAssociation(ctx context.Context, sourceHash, targetHash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM associations
		WHERE (source_hash = ? AND target_hash = ?)
		   OR (source_hash = ? AND target_hash = ?)`,
		sourceHash, targetHash, targetHash, sourceHash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: association check: %w", err)
	}
	return true, nil
}
