// internal/llmclient/router.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// LLMRouter implements the LLMClient interface and routes requests by tier.
// All tiers share one request budget.
type LLMRouter struct {
	logger  *zap.Logger
	clients map[schemas.ModelTier]schemas.LLMClient
	limiter *rate.Limiter
}

// NewLLMRouter creates a router with one client per tier. requestsPerMinute
// <= 0 disables throttling.
func NewLLMRouter(logger *zap.Logger, fastClient, powerfulClient schemas.LLMClient, requestsPerMinute int) (*LLMRouter, error) {
	if fastClient == nil || powerfulClient == nil {
		return nil, fmt.Errorf("both fast and powerful tier clients must be provided")
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1)
	}

	return &LLMRouter{
		logger: logger.Named("llm_router"),
		clients: map[schemas.ModelTier]schemas.LLMClient{
			schemas.TierFast:     fastClient,
			schemas.TierPowerful: powerfulClient,
		},
		limiter: limiter,
	}, nil
}

// Generate selects the client for the request's tier once the rate limiter
// admits the call.
func (r *LLMRouter) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	tier := req.Tier
	if tier == "" {
		tier = schemas.TierPowerful
	}

	client, ok := r.clients[tier]
	if !ok {
		return "", fmt.Errorf("no LLM client configured for tier: %s", tier)
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for LLM rate limit: %w", err)
	}

	r.logger.Debug("Routing LLM request", zap.String("tier", string(tier)))
	return client.Generate(ctx, req)
}

// Close closes every distinct underlying client.
func (r *LLMRouter) Close() error {
	var errs []error
	closed := make(map[schemas.LLMClient]bool, len(r.clients))
	for _, tier := range []schemas.ModelTier{schemas.TierFast, schemas.TierPowerful} {
		client := r.clients[tier]
		if closed[client] {
			continue
		}
		closed[client] = true
		if err := client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s tier client: %w", tier, err))
		}
	}
	return errors.Join(errs...)
}
