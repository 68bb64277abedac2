package chunker

import (
	"strings"
	"testing"
)

func TestSplitShortContentPassesThrough(t *testing.T) {
	chunks, err := Split("short", 100, true, 10)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != "short" {
		t.Errorf("short content should pass through unchanged: %v", chunks)
	}
}

func TestSplitRejectsBadConfig(t *testing.T) {
	if _, err := Split("x", 10, true, 10); err == nil {
		t.Error("overlap == maxLength should be rejected")
	}
	if _, err := Split("x", 10, true, 20); err == nil {
		t.Error("overlap > maxLength should be rejected")
	}
	if _, err := Split("x", 0, true, 0); err == nil {
		t.Error("zero maxLength should be rejected")
	}
}

func TestSplitFixedWindow(t *testing.T) {
	content := strings.Repeat("a", 250)
	chunks, err := Split(content, 100, false, 20)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	for i, c := range chunks {
		if len(c) > 100 {
			t.Errorf("chunk %d exceeds max length: %d", i, len(c))
		}
	}
	// Concatenation with overlaps removed reproduces the source.
	joined := chunks[0]
	for _, c := range chunks[1:] {
		if len(c) > 20 {
			joined += c[20:]
		}
	}
	if joined != content {
		t.Errorf("reassembly mismatch: got %d chars, want %d", len(joined), len(content))
	}
	if want := EstimateChunks(250, 100, 20); len(chunks) != want {
		t.Errorf("chunk count %d does not match estimate %d", len(chunks), want)
	}
}

func TestSplitPrefersParagraphBreaks(t *testing.T) {
	para := strings.Repeat("w", 700)
	content := para + "\n\n" + para + "\n\n" + para
	chunks, err := Split(content, 800, true, 50)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 paragraph chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 800 {
			t.Errorf("chunk %d exceeds max length: %d", i, len(c))
		}
	}
}

func TestSplitSentenceBoundary(t *testing.T) {
	sentence := "This is a sentence. "
	content := strings.Repeat(sentence, 20) // 400 chars, no newlines
	chunks, err := Split(content, 150, true, 0)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	// All chunks except the last should end at a sentence boundary.
	for _, c := range chunks[:len(chunks)-1] {
		trimmed := strings.TrimRight(c, " ")
		if !strings.HasSuffix(trimmed, ".") {
			t.Errorf("chunk does not end at a sentence boundary: %q", trimmed[len(trimmed)-20:])
		}
	}
}

func TestSplitProgressGuard(t *testing.T) {
	// A window whose only boundary sits inside the overlap must still
	// make forward progress instead of looping.
	content := "ab\n" + strings.Repeat("c", 500)
	chunks, err := Split(content, 100, true, 50)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(chunks) == 0 || len(chunks) > 20 {
		t.Fatalf("suspicious chunk count %d, progress guard may have failed", len(chunks))
	}
}

func TestSplitUnicode(t *testing.T) {
	content := strings.Repeat("héllo wörld ", 100)
	chunks, err := Split(content, 80, true, 10)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	for i, c := range chunks {
		if len([]rune(c)) > 80 {
			t.Errorf("chunk %d exceeds max rune length: %d", i, len([]rune(c)))
		}
	}
}

func TestEstimateChunks(t *testing.T) {
	if got := EstimateChunks(50, 100, 10); got != 1 {
		t.Errorf("content under limit should estimate 1, got %d", got)
	}
	if got := EstimateChunks(100, 100, 10); got != 1 {
		t.Errorf("content at limit should estimate 1, got %d", got)
	}
	// 250 chars, window 100, step 90: chunks cover 100, 190, 280 -> 3 windows? 250-100=150, ceil(150/90)=2, total 3.
	if got := EstimateChunks(250, 100, 10); got != 3 {
		t.Errorf("EstimateChunks(250,100,10) = %d, want 3", got)
	}
}
