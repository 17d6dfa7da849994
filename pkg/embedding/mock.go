package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
)

// Mock is a deterministic in-memory provider for tests. Unfixtured texts get
// a hash-seeded pseudo-random unit vector; fixtures let a test place two
// texts at a chosen distance.
type Mock struct {
	dimensions int

	mu       sync.Mutex
	fixtures map[string][]float32
	calls    int
	texts    []string
	fail     bool
}

// NewMock creates a mock provider with the given dimensions
func NewMock(dimensions int) *Mock {
	return &Mock{
		dimensions: dimensions,
		fixtures:   make(map[string][]float32),
	}
}

// WithFixture pins the vector returned for a text
func (m *Mock) WithFixture(text string, vec []float32) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixtures[text] = vec
	return m
}

// SetFailing makes every batch degrade to zero vectors
func (m *Mock) SetFailing(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

// Calls returns how many provider batches were issued
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// EmbeddedTexts returns every text that reached the provider, in order
func (m *Mock) EmbeddedTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

func (m *Mock) Embed(ctx context.Context, texts []string) [][]float32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.texts = append(m.texts, texts...)

	if m.fail {
		return ZeroVectors(len(texts), m.dimensions)
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if vec, ok := m.fixtures[text]; ok {
			vectors[i] = vec
			continue
		}
		vectors[i] = m.deterministic(text)
	}
	return vectors
}

// deterministic generates a hash-seeded pseudo-random unit vector
func (m *Mock) deterministic(text string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, m.dimensions)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(vec)
}

func (m *Mock) Dimensions() int             { return m.dimensions }
func (m *Mock) Name() string                { return "mock" }
func (m *Mock) Ready() bool                 { return true }
func (m *Mock) Warmup()                     {}
func (m *Mock) Test(ctx context.Context) bool { return true }
func (m *Mock) Close() error                { return nil }
