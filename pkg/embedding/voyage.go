package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const defaultVoyageBaseURL = "https://api.voyageai.com/v1"

// VoyageProvider implements Provider for the Voyage AI embeddings API
type VoyageProvider struct {
	apiKey     string
	baseURL    string
	model      string
	dimensions int
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewVoyageProvider creates a new Voyage embedding provider
func NewVoyageProvider(apiKey, baseURL, model string, dimensions int, logger zerolog.Logger) *VoyageProvider {
	if baseURL == "" {
		baseURL = defaultVoyageBaseURL
	}
	if dimensions == 0 {
		switch model {
		case "voyage-3-lite":
			dimensions = 512
		case "voyage-code-3":
			dimensions = 1024
		default:
			dimensions = 1024
		}
	}

	return &VoyageProvider{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		dimensions: dimensions,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

func (p *VoyageProvider) Dimensions() int {
	return p.dimensions
}

func (p *VoyageProvider) Name() string {
	return "voyage/" + p.model
}

func (p *VoyageProvider) Ready() bool {
	return true
}

func (p *VoyageProvider) Warmup() {}

// Embed calls the embeddings API once for the whole batch. A failed call
// degrades to zero vectors.
func (p *VoyageProvider) Embed(ctx context.Context, texts []string) [][]float32 {
	if len(texts) == 0 {
		return nil
	}

	vectors, err := p.embedBatch(ctx, texts)
	if err != nil {
		p.logger.Warn().Err(err).Int("texts", len(texts)).Msg("Voyage embedding failed, returning zero vectors")
		return ZeroVectors(len(texts), p.dimensions)
	}
	return vectors
}

func (p *VoyageProvider) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := map[string]interface{}{
		"input": texts,
		"model": p.model,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call Voyage API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("Voyage API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("Voyage returned %d embeddings for %d texts", len(result.Data), len(texts))
	}

	vectors := make([][]float32, len(result.Data))
	for i, data := range result.Data {
		vectors[i] = data.Embedding
	}

	return vectors, nil
}

// Test embeds a probe string and checks a usable vector came back
func (p *VoyageProvider) Test(ctx context.Context) bool {
	vectors, err := p.embedBatch(ctx, []string{"connectivity check"})
	if err != nil {
		return false
	}
	return len(vectors) == 1 && !IsZeroVector(vectors[0])
}

func (p *VoyageProvider) Close() error {
	return nil
}
