package types

import "fmt"

// Association is an edge between two memories discovered during
// consolidation. Endpoints are content hashes, never pointers; traversal
// is always by hash lookup so the edge table carries no ownership.
type Association struct {
	SourceHash      string           `json:"source_hash"`
	TargetHash      string           `json:"target_hash"`
	Similarity      float64          `json:"similarity"`
	ConnectionTypes []ConnectionType `json:"connection_types"`
	DiscoveryMethod string           `json:"discovery_method,omitempty"`
	DiscoveryDate   float64          `json:"discovery_date,omitempty"`
	Metadata        Metadata         `json:"metadata,omitempty"`
}

// NewAssociation builds a validated association edge. Similarity must be
// in [0,1] and every connection type must be in the closed vocabulary.
func NewAssociation(sourceHash, targetHash string, similarity float64, conns []ConnectionType, method string) (*Association, error) {
	if sourceHash == "" || targetHash == "" {
		return nil, fmt.Errorf("types: association requires both endpoint hashes")
	}
	if sourceHash == targetHash {
		return nil, fmt.Errorf("types: association endpoints must differ")
	}
	if similarity < 0 || similarity > 1 {
		return nil, fmt.Errorf("types: association similarity %f out of [0,1]", similarity)
	}
	if len(conns) == 0 {
		conns = []ConnectionType{ConnRelated}
	}
	for _, c := range conns {
		if !c.Valid() {
			return nil, fmt.Errorf("types: unknown connection type %q", c)
		}
	}
	return &Association{
		SourceHash:      sourceHash,
		TargetHash:      targetHash,
		Similarity:      similarity,
		ConnectionTypes: conns,
		DiscoveryMethod: method,
		DiscoveryDate:   NowTimestamp(),
	}, nil
}

// Symmetric reports whether every connection type on the edge is
// undirected. Symmetric edges are stored once with endpoints in
// lexicographic order.
func (a *Association) Symmetric() bool {
	for _, c := range a.ConnectionTypes {
		if c.Directed() {
			return false
		}
	}
	return true
}

// CanonicalKey returns a stable identity for the edge used for
// idempotent writes. Symmetric edges order their endpoints so that
// (a,b) and (b,a) collapse to one key.
func (a *Association) CanonicalKey() string {
	s, t := a.SourceHash, a.TargetHash
	if a.Symmetric() && s > t {
		s, t = t, s
	}
	return s + ":" + t
}
