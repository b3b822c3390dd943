package rag

import "strings"

// Default chunking parameters; tuned so a chunk fits comfortably in one
// embedding-model input.
const (
	DefaultMaxChars     = 8000
	DefaultOverlapChars = 1200
)

// Chunk is a bounded fragment of normalized source text.
type Chunk struct {
	Index      int
	Content    string
	TokenCount int
}

// SplitText splits text into overlapping chunks of at most maxChars
// characters. Whitespace runs are collapsed to single spaces before chunking,
// so chunk boundaries are computed on the normalized text. Empty input yields
// no chunks.
func SplitText(text string, maxChars, overlapChars int) []Chunk {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if overlapChars < 0 {
		overlapChars = 0
	}

	normalized := normalizeWhitespace(text)
	if normalized == "" {
		return nil
	}

	if len(normalized) <= maxChars {
		return []Chunk{{Index: 0, Content: normalized, TokenCount: estimateTokens(normalized)}}
	}

	step := maxChars - overlapChars
	if step <= 0 {
		// overlap >= window would loop forever; fall back to disjoint windows
		step = maxChars
	}

	var chunks []Chunk
	for start := 0; start < len(normalized); start += step {
		if start < 0 {
			start = 0
		}
		end := start + maxChars
		if end > len(normalized) {
			end = len(normalized)
		}
		content := normalized[start:end]
		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			Content:    content,
			TokenCount: estimateTokens(content),
		})
		if end == len(normalized) {
			break
		}
	}
	return chunks
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// estimateTokens approximates token count as ceil(chars/4). A cheap proxy,
// not a tokenizer call.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
