// Package memory implements the three-tier memory system: the bounded
// working set lives on the consciousness state, episodic records live in the
// document store, and embeddings live in the vector store.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultEmbeddingDims is the dimensionality of the hash embedder.
const DefaultEmbeddingDims = 256

// HashEmbedder produces deterministic embeddings by signed feature hashing
// of word unigrams and bigrams. Runs fully offline; similarity reflects
// lexical overlap only. Deployments that need true semantic recall swap in
// a provider-backed Embedder.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates an embedder with the given dimensionality.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultEmbeddingDims
	}
	return &HashEmbedder{dims: dims}
}

// Dimensions returns the embedding dimensionality.
func (e *HashEmbedder) Dimensions() int {
	return e.dims
}

// Embed converts text to an L2-normalized vector. Identical text always
// yields an identical vector.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("cannot embed empty text")
	}

	vec := make([]float32, e.dims)
	addFeature := func(feature string) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(feature))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		// Use one high bit for the sign so collisions tend to cancel
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	for i, tok := range tokens {
		addFeature(tok)
		if i+1 < len(tokens) {
			addFeature(tok + " " + tokens[i+1])
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return nil, fmt.Errorf("embedding collapsed to zero vector")
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
