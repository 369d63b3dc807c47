// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
)

// NewClient builds the tier router described by cfg. Each tier resolves its
// model alias through cfg.Models and gets a client for that model's provider.
func NewClient(ctx context.Context, cfg config.LLMRouterConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	fast, err := clientForAlias(ctx, cfg, cfg.DefaultFastModel, "fast", logger)
	if err != nil {
		return nil, err
	}
	powerful, err := clientForAlias(ctx, cfg, cfg.DefaultPowerfulModel, "powerful", logger)
	if err != nil {
		fast.Close()
		return nil, err
	}
	router, err := NewLLMRouter(logger, fast, powerful, cfg.RequestsPerMinute)
	if err != nil {
		return nil, err
	}
	return router, nil
}

func clientForAlias(ctx context.Context, cfg config.LLMRouterConfig, alias, tier string, logger *zap.Logger) (schemas.LLMClient, error) {
	if alias == "" {
		return nil, fmt.Errorf("no default %s model configured", tier)
	}
	model, ok := cfg.Models[alias]
	if !ok {
		return nil, fmt.Errorf("configuration for %s model '%s' not found in models map", tier, alias)
	}
	client, err := NewModelClient(ctx, model, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s tier client (%s): %w", tier, alias, err)
	}
	return client, nil
}

// NewModelClient creates the client for one model configuration.
func NewModelClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini, "":
		client, err := NewGeminiClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	case config.ProviderGeminiSDK:
		client, err := NewSDKClient(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderGeminiSDK)
	}
}
