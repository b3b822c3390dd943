package rag

import (
	"context"
	"fmt"
	"math"
)

// Embedder turns texts into fixed-length dense vectors via an external model.
// Implementations must return one vector per input, order-preserving.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedQuery embeds a single text and returns its vector.
func EmbedQuery(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vectors, err := e.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embed query: provider returned no vectors")
	}
	return vectors[0], nil
}

// CosineSimilarity returns dot(a,b)/(|a|*|b|) in [-1,1]. Unequal-length
// vectors are compared over the shared prefix. Returns 0 when either norm is
// zero, never NaN.
func CosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
