// Package chunker splits oversize memory content into backend-sized
// chunks. Splitting is boundary-aware: it prefers paragraph breaks, then
// line breaks, then sentence ends, then word boundaries, and only hard
// cuts when nothing better exists inside the window.
package chunker

import (
	"fmt"
	"strings"
	"unicode"
)

// Split divides content into chunks of at most maxLength characters.
//
// When preserveBoundaries is false it slides a fixed window of maxLength
// with step maxLength-overlap. Otherwise each chunk ends at the best
// boundary found inside the window and the next chunk re-enters with
// overlap characters of trailing context.
//
// overlap >= maxLength is a configuration error.
func Split(content string, maxLength int, preserveBoundaries bool, overlap int) ([]string, error) {
	if maxLength <= 0 {
		return nil, fmt.Errorf("chunker: max length must be positive, got %d", maxLength)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("chunker: overlap must be non-negative, got %d", overlap)
	}
	if overlap >= maxLength {
		return nil, fmt.Errorf("chunker: overlap %d must be smaller than max length %d", overlap, maxLength)
	}

	runes := []rune(content)
	if len(runes) <= maxLength {
		return []string{content}, nil
	}

	var chunks []string
	if preserveBoundaries {
		chunks = splitAtBoundaries(runes, maxLength, overlap)
	} else {
		chunks = splitFixed(runes, maxLength, overlap)
	}

	for i, c := range chunks {
		if len([]rune(c)) > maxLength {
			return nil, fmt.Errorf("chunker: internal error: chunk %d exceeds max length", i)
		}
	}
	return chunks, nil
}

// EstimateChunks predicts how many chunks Split produces for fixed-window
// splitting of the given length. Boundary-aware splitting may produce
// more chunks because boundaries land before the window end.
func EstimateChunks(contentLen, maxLength, overlap int) int {
	if contentLen <= maxLength {
		return 1
	}
	step := maxLength - overlap
	if step <= 0 {
		return 0
	}
	// First chunk covers maxLength; each further step covers `step` new chars.
	remaining := contentLen - maxLength
	return 1 + (remaining+step-1)/step
}

// splitFixed slides a fixed window with overlap.
func splitFixed(runes []rune, maxLength, overlap int) []string {
	step := maxLength - overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + maxLength
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// splitAtBoundaries greedily cuts at the best split point inside each
// window. If the cut lands at or before the overlap prefix the chunk
// would never make progress, so the next window starts past the chunk
// without overlap.
func splitAtBoundaries(runes []rune, maxLength, overlap int) []string {
	var chunks []string
	rest := runes

	for len(rest) > maxLength {
		window := rest[:maxLength]
		cut := findSplitPoint(window)

		chunks = append(chunks, strings.TrimRight(string(rest[:cut]), " "))

		next := cut - overlap
		if cut <= overlap {
			// Progress guard: advance past the chunk with no overlap.
			next = cut
		}
		rest = rest[next:]
	}

	if len(rest) > 0 {
		chunks = append(chunks, string(rest))
	}
	return chunks
}

// findSplitPoint returns the index to cut the window at, using the
// boundary priority: double newline > newline > sentence terminator
// followed by whitespace > word boundary > hard cut at window end.
func findSplitPoint(window []rune) int {
	// Paragraph break.
	if idx := lastIndexOf(window, "\n\n"); idx > 0 {
		return idx + 2
	}
	// Line break.
	if idx := lastIndexOf(window, "\n"); idx > 0 {
		return idx + 1
	}
	// Sentence terminator followed by whitespace.
	for i := len(window) - 2; i > 0; i-- {
		r := window[i]
		if (r == '.' || r == '!' || r == '?') && unicode.IsSpace(window[i+1]) {
			return i + 2
		}
	}
	// Word boundary.
	for i := len(window) - 1; i > 0; i-- {
		if unicode.IsSpace(window[i]) {
			return i + 1
		}
	}
	// Hard cut.
	return len(window)
}

// lastIndexOf finds the last occurrence of sep within the rune window,
// returning a rune index (not a byte index).
func lastIndexOf(window []rune, sep string) int {
	sepRunes := []rune(sep)
	for i := len(window) - len(sepRunes); i >= 0; i-- {
		match := true
		for j, sr := range sepRunes {
			if window[i+j] != sr {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
