package types

import (
	"fmt"
	"strings"
)

// Base memory types. A memory_type is either one of these or a
// "base/subtype" form where the base half must validate.
const (
	TypeNote         = "note"
	TypeDecision     = "decision"
	TypeTask         = "task"
	TypeReference    = "reference"
	TypeEvent        = "event"
	TypeDocument     = "document"
	TypeCode         = "code"
	TypeConversation = "conversation"
	TypeObservation  = "observation"
	TypeSummary      = "summary"
	TypeFact         = "fact"
	TypeTemporary    = "temporary"
)

// baseMemoryTypes is the closed vocabulary of base types.
var baseMemoryTypes = map[string]bool{
	TypeNote:         true,
	TypeDecision:     true,
	TypeTask:         true,
	TypeReference:    true,
	TypeEvent:        true,
	TypeDocument:     true,
	TypeCode:         true,
	TypeConversation: true,
	TypeObservation:  true,
	TypeSummary:      true,
	TypeFact:         true,
	TypeTemporary:    true,
}

// BaseMemoryTypes returns the closed base vocabulary, sorted by the map
// iteration of a fixed slice so callers get deterministic output.
func BaseMemoryTypes() []string {
	return []string{
		TypeNote, TypeDecision, TypeTask, TypeReference, TypeEvent,
		TypeDocument, TypeCode, TypeConversation, TypeObservation,
		TypeSummary, TypeFact, TypeTemporary,
	}
}

// IsValidMemoryType reports whether s is a valid base type or base/subtype.
func IsValidMemoryType(s string) bool {
	_, _, err := ParseMemoryType(s)
	return err == nil
}

// ParseMemoryType splits a memory type into base and optional subtype.
// The base must be in the closed vocabulary; the subtype is free-form but
// must be non-empty when the slash is present.
func ParseMemoryType(s string) (base, subtype string, err error) {
	if s == "" {
		return "", "", fmt.Errorf("types: memory type is empty")
	}
	parts := strings.SplitN(s, "/", 2)
	base = strings.ToLower(strings.TrimSpace(parts[0]))
	if !baseMemoryTypes[base] {
		return "", "", fmt.Errorf("types: unknown base memory type %q", parts[0])
	}
	if len(parts) == 2 {
		subtype = strings.TrimSpace(parts[1])
		if subtype == "" {
			return "", "", fmt.Errorf("types: memory type %q has an empty subtype", s)
		}
	}
	return base, subtype, nil
}

// MemoryTypeBase returns the base half of a memory type, or the default
// base when the type is empty or invalid. Ranking code uses this to look
// up per-type retention periods without re-validating.
func MemoryTypeBase(s string) string {
	base, _, err := ParseMemoryType(s)
	if err != nil {
		return TypeNote
	}
	return base
}

// ConnectionType is a typed relationship between two memories, drawn from
// a closed vocabulary. Symmetric types describe undirected relations.
type ConnectionType string

const (
	ConnCauses      ConnectionType = "causes"
	ConnFixes       ConnectionType = "fixes"
	ConnContradicts ConnectionType = "contradicts"
	ConnSupports    ConnectionType = "supports"
	ConnFollows     ConnectionType = "follows"
	ConnRelated     ConnectionType = "related"
)

// connectionTypes maps each valid type to whether it is directed.
var connectionTypes = map[ConnectionType]bool{
	ConnCauses:      true,
	ConnFixes:       true,
	ConnContradicts: false,
	ConnSupports:    true,
	ConnFollows:     true,
	ConnRelated:     false,
}

// AllConnectionTypes returns the closed relationship vocabulary.
func AllConnectionTypes() []ConnectionType {
	return []ConnectionType{
		ConnCauses, ConnFixes, ConnContradicts,
		ConnSupports, ConnFollows, ConnRelated,
	}
}

// ParseConnectionType validates a relationship type string. Unknown
// values are rejected; callers that infer types below their confidence
// threshold should fall back to ConnRelated explicitly.
func ParseConnectionType(s string) (ConnectionType, error) {
	ct := ConnectionType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := connectionTypes[ct]; !ok {
		return "", fmt.Errorf("types: unknown connection type %q", s)
	}
	return ct, nil
}

// Directed reports whether the relationship has a meaningful direction.
// related and contradicts are symmetric; causes, fixes, supports and
// follows read source→target.
func (c ConnectionType) Directed() bool {
	directed, ok := connectionTypes[c]
	return ok && directed
}

// Valid reports whether the connection type is in the closed vocabulary.
func (c ConnectionType) Valid() bool {
	_, ok := connectionTypes[c]
	return ok
}
