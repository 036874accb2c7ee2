// Package embedding computes fixed-length vectors for the semantic cache.
// A remote OpenAI-compatible endpoint is used when configured; otherwise a
// deterministic hash-derived vector keeps the cache functional offline.
package embedding

import (
	"context"
	"crypto/sha256"
	"math"
)

// Embedder turns text into a fixed-length normalized vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// HashEmbedder derives a pseudo-embedding from chained SHA-256 digests.
// Identical texts always produce identical vectors, so exact rephrasing
// still resolves, but true semantic closeness is not captured. It exists so
// the semantic cache degrades rather than disables when no embedding
// endpoint is configured.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a HashEmbedder; dim defaults to 256 when zero.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dimension() int { return h.dim }

// Embed maps digest bytes onto [-1, 1] and normalizes the result. The digest
// chain extends the 32 hash bytes to the full dimension.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dim)

	digest := sha256.Sum256([]byte(text))
	i := 0
	for i < h.dim {
		for _, b := range digest {
			if i >= h.dim {
				break
			}
			vec[i] = (float32(b) - 128) / 128
			i++
		}
		digest = sha256.Sum256(digest[:])
	}

	normalize(vec)
	return vec, nil
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}

// Cosine returns the cosine similarity of two vectors. Mismatched lengths or
// zero vectors score zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
