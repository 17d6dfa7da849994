package embedding

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
)

// OpenAIProvider implements Provider for the OpenAI embeddings API
type OpenAIProvider struct {
	client     openai.Client
	model      string
	dimensions int
	logger     zerolog.Logger
}

// NewOpenAIProvider creates a new OpenAI embedding provider. If dimensions is
// zero the model's native size is used.
func NewOpenAIProvider(apiKey, baseURL, model string, dimensions int, logger zerolog.Logger) *OpenAIProvider {
	if dimensions == 0 {
		switch model {
		case "text-embedding-3-large":
			dimensions = 3072
		default:
			// text-embedding-3-small, text-embedding-ada-002
			dimensions = 1536
		}
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &OpenAIProvider{
		client:     openai.NewClient(opts...),
		model:      model,
		dimensions: dimensions,
		logger:     logger,
	}
}

func (p *OpenAIProvider) Dimensions() int {
	return p.dimensions
}

func (p *OpenAIProvider) Name() string {
	return "openai/" + p.model
}

func (p *OpenAIProvider) Ready() bool {
	return true
}

func (p *OpenAIProvider) Warmup() {}

// Embed calls the embeddings API once for the whole batch. A failed call
// degrades to zero vectors.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) [][]float32 {
	if len(texts) == 0 {
		return nil
	}

	vectors, err := p.embedBatch(ctx, texts)
	if err != nil {
		p.logger.Warn().Err(err).Int("texts", len(texts)).Msg("OpenAI embedding failed, returning zero vectors")
		return ZeroVectors(len(texts), p.dimensions)
	}
	return vectors
}

func (p *OpenAIProvider) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: openai.EmbeddingModel(p.model),
	}

	// Only the v3 models accept a dimensions override
	if p.model == "text-embedding-3-small" || p.model == "text-embedding-3-large" {
		params.Dimensions = openai.Int(int64(p.dimensions))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings call failed: %w", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d texts", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		vec := make([]float32, len(data.Embedding))
		for j, v := range data.Embedding {
			vec[j] = float32(v)
		}
		vectors[i] = vec
	}

	return vectors, nil
}

// Test embeds a probe string and checks a usable vector came back
func (p *OpenAIProvider) Test(ctx context.Context) bool {
	vectors, err := p.embedBatch(ctx, []string{"connectivity check"})
	if err != nil {
		return false
	}
	return len(vectors) == 1 && !IsZeroVector(vectors[0])
}

func (p *OpenAIProvider) Close() error {
	return nil
}
