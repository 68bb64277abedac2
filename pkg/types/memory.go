// Package types defines the core data model for evermem: memories,
// associations, and the closed ontology vocabularies they draw from.
//
// A Memory is identified by the SHA-256 hash of its normalized content.
// The hash is stable across backends and is the join key for everything
// else in the system (sync operations, tombstones, association edges).
package types

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// MaxTagLength is the maximum accepted length for a single tag.
// Longer tags are almost always serialization accidents (whole JSON
// arrays stored as one tag) and are rejected with an error.
const MaxTagLength = 100

// Metadata is the free-form per-memory metadata mapping. Values are
// restricted to flat scalars: string, bool, or a numeric type. Nested
// maps and slices are rejected on write by ValidateMetadata.
type Metadata map[string]interface{}

// Well-known metadata keys the core reads and writes. Everything else is
// passed through untouched.
const (
	MetaImportanceScore       = "importance_score"
	MetaQualityScore          = "quality_score"
	MetaAccessCount           = "access_count"
	MetaLastAccessedAt        = "last_accessed_at"
	MetaLastConsolidatedAt    = "last_consolidated_at"
	MetaRelevanceScore        = "relevance_score"
	MetaChunkIndex            = "chunk_index"
	MetaChunkTotal            = "chunk_total"
	MetaSourceID              = "source_id"
	MetaSourceHash            = "source_hash"
	MetaSourceMemoryHashes    = "source_memory_hashes"
	MetaQualityBoostApplied   = "quality_boost_applied"
	MetaQualityBoostReason    = "quality_boost_reason"
	MetaQualityBoostConnCount = "quality_boost_connection_count"
	MetaOriginalQuality       = "original_quality_before_boost"
)

// Memory is the primary entity: a unit of retrievable text with tags,
// typed metadata, and timestamps. Content and ContentHash are immutable
// after creation; metadata mutations refresh UpdatedAt only.
type Memory struct {
	Content      string    `json:"content"`
	ContentHash  string    `json:"content_hash"`
	Tags         []string  `json:"tags,omitempty"`
	MemoryType   string    `json:"memory_type,omitempty"`
	Metadata     Metadata  `json:"metadata,omitempty"`
	CreatedAt    float64   `json:"created_at"`
	CreatedAtISO string    `json:"created_at_iso,omitempty"`
	UpdatedAt    float64   `json:"updated_at"`
	UpdatedAtISO string    `json:"updated_at_iso,omitempty"`
	Embedding    []float32 `json:"embedding,omitempty"`
}

// NewMemory builds a memory with a computed content hash and both
// timestamp representations stamped to now. Tags are normalized; invalid
// tags cause an error before anything is stored.
func NewMemory(content string, tags []string, memoryType string, metadata Metadata) (*Memory, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("types: memory content is required")
	}

	normalized, err := NormalizeTags(tags)
	if err != nil {
		return nil, err
	}

	if memoryType != "" {
		if _, _, err := ParseMemoryType(memoryType); err != nil {
			return nil, err
		}
	}

	if err := ValidateMetadata(metadata); err != nil {
		return nil, err
	}

	now := NowTimestamp()
	m := &Memory{
		Content:     content,
		ContentHash: HashContent(content),
		Tags:        normalized,
		MemoryType:  memoryType,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.CreatedAtISO = TimestampToISO(now)
	m.UpdatedAtISO = m.CreatedAtISO
	return m, nil
}

// HashContent returns the SHA-256 hex digest of the normalized content.
// Normalization collapses line endings and trims surrounding whitespace
// so the same logical text hashes identically regardless of platform.
func HashContent(content string) string {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	normalized = strings.TrimSpace(normalized)
	return fmt.Sprintf("%x", sha256.Sum256([]byte(normalized)))
}

// NowTimestamp returns the current UTC time as float seconds since epoch.
func NowTimestamp() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// TimestampToISO renders a float epoch timestamp as ISO-8601 UTC.
func TimestampToISO(ts float64) string {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC().Format(time.RFC3339)
}

// TimestampToTime converts a float epoch timestamp to a time.Time in UTC.
func TimestampToTime(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// TimeToTimestamp converts a time.Time to float seconds since epoch.
func TimeToTimestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// Touch refreshes UpdatedAt and its ISO view. CreatedAt is never touched.
func (m *Memory) Touch() {
	m.UpdatedAt = NowTimestamp()
	m.UpdatedAtISO = TimestampToISO(m.UpdatedAt)
}

// QualityScore reads the quality_score metadata field, clamped to [0,1].
// Memories without a recorded score default to 0.
func (m *Memory) QualityScore() float64 {
	return clamp01(m.metadataFloat(MetaQualityScore, 0))
}

// ImportanceScore reads importance_score clamped to [0,2]. The second
// return reports whether the field was present at all, so callers can
// fall back to tag-derived importance.
func (m *Memory) ImportanceScore() (float64, bool) {
	if m.Metadata == nil {
		return 0, false
	}
	v, ok := m.Metadata[MetaImportanceScore]
	if !ok {
		return 0, false
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	if f < 0 {
		f = 0
	}
	if f > 2 {
		f = 2
	}
	return f, true
}

// AccessCount reads the access_count metadata field.
func (m *Memory) AccessCount() int {
	return int(m.metadataFloat(MetaAccessCount, 0))
}

// LastAccessedAt reads last_accessed_at as a float epoch timestamp.
// Returns 0 when the memory has never been accessed.
func (m *Memory) LastAccessedAt() float64 {
	return m.metadataFloat(MetaLastAccessedAt, 0)
}

// LastConsolidatedAt reads last_consolidated_at; 0 means never.
func (m *Memory) LastConsolidatedAt() float64 {
	return m.metadataFloat(MetaLastConsolidatedAt, 0)
}

// HasTag reports whether the memory carries the given tag.
func (m *Memory) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// IsChunk reports whether this memory is one sibling of a split group.
func (m *Memory) IsChunk() bool {
	if m.Metadata == nil {
		return false
	}
	_, ok := m.Metadata[MetaChunkIndex]
	return ok
}

func (m *Memory) metadataFloat(key string, def float64) float64 {
	if m.Metadata == nil {
		return def
	}
	v, ok := m.Metadata[key]
	if !ok {
		return def
	}
	if f, ok := toFloat(v); ok {
		return f
	}
	return def
}

// SetMetadata writes a single scalar metadata value, allocating the map
// if needed. It does not touch timestamps; callers decide when a write
// counts as a mutation.
func (m *Memory) SetMetadata(key string, value interface{}) {
	if m.Metadata == nil {
		m.Metadata = Metadata{}
	}
	m.Metadata[key] = value
}

// ValidateMetadata rejects non-scalar metadata values. The metadata map
// is the only heterogeneous surface in the model; keeping it flat keeps
// every backend's row encoding trivial.
func ValidateMetadata(md Metadata) error {
	for k, v := range md {
		switch v.(type) {
		case nil, string, bool,
			int, int32, int64, float32, float64:
			// ok
		default:
			return fmt.Errorf("types: metadata key %q has unsupported type %T (only flat string/number/bool values are allowed)", k, v)
		}
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// bracketArtefact matches the residue of tags that were JSON-encoded and
// then stored raw: leading/trailing brackets and quotes.
var bracketArtefact = regexp.MustCompile(`^[\[\]"\\ ]+|[\[\]"\\ ]+$`)

// NormalizeTags cleans a tag list: trims whitespace, strips legacy JSON
// bracket artefacts (`["x"`, `"[tag]"`, `[\"a\",\"b\"]`), drops empty or
// control-only entries, and deduplicates while preserving order.
// Oversize tags are an error rather than silently truncated.
func NormalizeTags(tags []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool, len(tags))

	for _, raw := range tags {
		if len(raw) > MaxTagLength {
			return nil, fmt.Errorf("types: tag exceeds %d characters (%d): likely a serialization error", MaxTagLength, len(raw))
		}
		// A single raw entry may itself be a JSON-ish list: `[\"a\",\"b\"]`.
		for _, part := range strings.Split(raw, ",") {
			tag := cleanTag(part)
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			out = append(out, tag)
		}
	}
	return out, nil
}

// cleanTag strips bracket artefacts and control characters from one tag.
func cleanTag(tag string) string {
	tag = bracketArtefact.ReplaceAllString(strings.TrimSpace(tag), "")
	tag = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, tag)
	return strings.TrimSpace(tag)
}

// ParseTagString parses the denormalized comma-delimited tag column back
// into a clean list. It tolerates the legacy malformed forms repaired by
// NormalizeTags, so reads self-heal rows written by older versions.
func ParseTagString(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	tags, err := NormalizeTags(strings.Split(s, ","))
	if err != nil {
		// Oversize fragments inside a stored row: salvage what we can.
		var salvaged []string
		for _, part := range strings.Split(s, ",") {
			if t := cleanTag(part); t != "" && len(t) <= MaxTagLength {
				salvaged = append(salvaged, t)
			}
		}
		return salvaged
	}
	return tags
}

// SerializeTags renders tags as the comma-delimited row form.
func SerializeTags(tags []string) string {
	return strings.Join(tags, ",")
}

// CoerceTags accepts the tag shapes that arrive through update paths:
// []string, []interface{} of strings, or one comma-delimited string.
// The result is normalized.
func CoerceTags(value interface{}) ([]string, error) {
	var raw []string
	switch v := value.(type) {
	case []string:
		raw = v
	case []interface{}:
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("tags must be strings, got %T", item)
			}
			raw = append(raw, str)
		}
	case string:
		raw = strings.Split(v, ",")
	default:
		return nil, fmt.Errorf("unsupported tags type %T", value)
	}
	return NormalizeTags(raw)
}
