//go:build !onnx

package embedding

import (
	"hash/fnv"
	"math"
	"strings"
)

// hashBackend is the model-free fallback used when the binary is built
// without ONNX runtime support. It projects token hashes into a normalized
// vector: deterministic, language-blind, but it keeps identical texts
// identical and shares vector mass between texts with common tokens, which
// is enough for exact dedup and degraded similarity.
type hashBackend struct {
	dimensions int
}

func newLocalBackend(model string, dimensions int, dataDir string) (localBackend, error) {
	return &hashBackend{dimensions: dimensions}, nil
}

func (b *hashBackend) embed(texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = b.embedOne(text)
	}
	return vectors, nil
}

func (b *hashBackend) embedOne(text string) []float32 {
	vec := make([]float32, b.dimensions)

	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		tokens = []string{text}
	}

	for _, token := range tokens {
		h := fnv.New64a()
		h.Write([]byte(token))
		seed := h.Sum64()

		// LCG stream per token, accumulated so shared tokens pull
		// vectors together
		for j := 0; j < b.dimensions; j++ {
			seed = seed*6364136223846793005 + 1442695040888963407
			vec[j] += float32(int64(seed)) / float32(math.MaxInt64)
		}
	}

	return normalize(vec)
}

func (b *hashBackend) close() error {
	return nil
}
