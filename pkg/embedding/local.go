package embedding

import (
	"context"
	"math"
	"sync"

	"github.com/rs/zerolog"
)

// localBackend is the model runtime behind LocalProvider. The ONNX runtime
// implementation is selected with the `onnx` build tag; the default build
// ships a deterministic hash-projection fallback with the same identity.
type localBackend interface {
	embed(texts []string) ([][]float32, error)
	close() error
}

// LocalProvider runs the embedding model inside the current process. Loading
// is deferred to Warmup or first use because it is expensive.
type LocalProvider struct {
	model      string
	dimensions int
	dataDir    string
	logger     zerolog.Logger

	loadOnce sync.Once

	// mu guards backend and loadErr against the Warmup goroutine
	mu      sync.RWMutex
	backend localBackend
	loadErr error
}

// NewLocalProvider creates a local in-process embedding provider. dataDir is
// where model files live; dimensions zero means the 384-dim default.
func NewLocalProvider(model string, dimensions int, dataDir string, logger zerolog.Logger) *LocalProvider {
	if dimensions == 0 {
		dimensions = 384
	}

	return &LocalProvider{
		model:      model,
		dimensions: dimensions,
		dataDir:    dataDir,
		logger:     logger,
	}
}

func (p *LocalProvider) Dimensions() int {
	return p.dimensions
}

func (p *LocalProvider) Name() string {
	return "local/" + p.model
}

// Ready reports whether the model is loaded
func (p *LocalProvider) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.backend != nil
}

// Warmup loads the model in the background. Idempotent; errors surface on
// the first Embed call.
func (p *LocalProvider) Warmup() {
	go p.load()
}

func (p *LocalProvider) load() (localBackend, error) {
	p.loadOnce.Do(func() {
		backend, err := newLocalBackend(p.model, p.dimensions, p.dataDir)

		p.mu.Lock()
		p.backend = backend
		p.loadErr = err
		p.mu.Unlock()

		if err != nil {
			p.logger.Error().Err(err).Str("model", p.model).Msg("Failed to load local embedding model")
			return
		}
		p.logger.Info().Str("model", p.model).Int("dimensions", p.dimensions).Msg("Local embedding model loaded")
	})

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.backend, p.loadErr
}

// Embed runs the model over the batch. Load or inference failure degrades to
// zero vectors.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) [][]float32 {
	if len(texts) == 0 {
		return nil
	}

	backend, err := p.load()
	if err != nil {
		return ZeroVectors(len(texts), p.dimensions)
	}

	vectors, err := backend.embed(texts)
	if err != nil {
		p.logger.Warn().Err(err).Int("texts", len(texts)).Msg("Local embedding failed, returning zero vectors")
		return ZeroVectors(len(texts), p.dimensions)
	}

	return vectors
}

// Test embeds a probe string and checks a usable vector came back
func (p *LocalProvider) Test(ctx context.Context) bool {
	vectors := p.Embed(ctx, []string{"connectivity check"})
	return len(vectors) == 1 && !IsZeroVector(vectors[0])
}

func (p *LocalProvider) Close() error {
	p.mu.RLock()
	backend := p.backend
	p.mu.RUnlock()

	if backend != nil {
		return backend.close()
	}
	return nil
}

// normalize converts a vector to unit length in place
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}

	if norm == 0 {
		return vec
	}

	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}

	return vec
}
