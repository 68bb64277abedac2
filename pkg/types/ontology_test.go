package types

import "testing"

func TestParseMemoryType(t *testing.T) {
	base, sub, err := ParseMemoryType("note")
	if err != nil || base != "note" || sub != "" {
		t.Errorf("ParseMemoryType(note) = %q/%q, %v", base, sub, err)
	}

	base, sub, err = ParseMemoryType("decision/architecture")
	if err != nil || base != "decision" || sub != "architecture" {
		t.Errorf("ParseMemoryType(decision/architecture) = %q/%q, %v", base, sub, err)
	}

	if _, _, err := ParseMemoryType("bogus"); err == nil {
		t.Error("unknown base type should be rejected")
	}
	if _, _, err := ParseMemoryType("note/"); err == nil {
		t.Error("empty subtype should be rejected")
	}
	if _, _, err := ParseMemoryType(""); err == nil {
		t.Error("empty type should be rejected")
	}
}

func TestConnectionTypeDirection(t *testing.T) {
	for _, c := range []ConnectionType{ConnCauses, ConnFixes, ConnSupports, ConnFollows} {
		if !c.Directed() {
			t.Errorf("%s should be directed", c)
		}
	}
	for _, c := range []ConnectionType{ConnRelated, ConnContradicts} {
		if c.Directed() {
			t.Errorf("%s should be symmetric", c)
		}
	}
}

func TestParseConnectionTypeRejectsUnknown(t *testing.T) {
	if _, err := ParseConnectionType("enables"); err == nil {
		t.Error("unknown connection type should be rejected")
	}
	ct, err := ParseConnectionType("  Causes ")
	if err != nil || ct != ConnCauses {
		t.Errorf("case/space-insensitive parse failed: %v %v", ct, err)
	}
}

func TestAssociationCanonicalKey(t *testing.T) {
	a, err := NewAssociation("bbb", "aaa", 0.8, []ConnectionType{ConnRelated}, "test")
	if err != nil {
		t.Fatalf("NewAssociation: %v", err)
	}
	// Symmetric edges order endpoints lexicographically.
	if a.CanonicalKey() != "aaa:bbb" {
		t.Errorf("symmetric key = %s", a.CanonicalKey())
	}

	d, err := NewAssociation("bbb", "aaa", 0.8, []ConnectionType{ConnCauses}, "test")
	if err != nil {
		t.Fatalf("NewAssociation: %v", err)
	}
	if d.CanonicalKey() != "bbb:aaa" {
		t.Errorf("directed key = %s", d.CanonicalKey())
	}
}

func TestAssociationValidation(t *testing.T) {
	if _, err := NewAssociation("a", "a", 0.5, nil, ""); err == nil {
		t.Error("self-edge should be rejected")
	}
	if _, err := NewAssociation("a", "b", 1.5, nil, ""); err == nil {
		t.Error("similarity > 1 should be rejected")
	}
	a, err := NewAssociation("a", "b", 0.5, nil, "")
	if err != nil {
		t.Fatalf("NewAssociation: %v", err)
	}
	if len(a.ConnectionTypes) != 1 || a.ConnectionTypes[0] != ConnRelated {
		t.Errorf("empty connection types should default to related, got %v", a.ConnectionTypes)
	}
}
