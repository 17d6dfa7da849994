package embedding

import (
	"github.com/rs/zerolog"

	"github.com/engramdev/engram/internal/config"
)

// NewFromConfig builds the provider the configuration asks for. The local
// provider goes through the shared server so concurrent tool processes reuse
// one loaded model.
func NewFromConfig(cfg *config.Config, logger zerolog.Logger) Provider {
	e := cfg.Embedding

	switch e.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIProvider(e.APIKey, e.BaseURL, e.Model, e.Dimensions, logger)
	case config.ProviderVoyage:
		return NewVoyageProvider(e.APIKey, e.BaseURL, e.Model, e.Dimensions, logger)
	default:
		return NewSharedClient(e.Model, e.Dimensions, e.DataDir, cfg.GracePeriod(), logger)
	}
}
