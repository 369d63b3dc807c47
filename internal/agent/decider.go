// internal/agent/decider.go
package agent

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// LLMDecider is the DecisionFunction backed by a language model.
type LLMDecider struct {
	client   schemas.LLMClient
	registry *Registry
	logger   *zap.Logger
	timeout  time.Duration
}

// NewLLMDecider builds a decider that describes registry's actions to the model.
func NewLLMDecider(client schemas.LLMClient, registry *Registry, logger *zap.Logger, timeout time.Duration) *LLMDecider {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &LLMDecider{
		client:   client,
		registry: registry,
		logger:   logger.Named("llm_decider"),
		timeout:  timeout,
	}
}

// Decide asks the model for the next decision. A timed out request returns
// DECISION_TIMEOUT; an unusable response returns INVALID_DECISION.
func (d *LLMDecider) Decide(ctx context.Context, req DecisionRequest) (*ActionDecision, error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	genReq := schemas.GenerationRequest{
		SystemPrompt: d.systemPrompt(req),
		UserPrompt:   d.userPrompt(req),
		Tier:         schemas.TierPowerful,
		Options: schemas.GenerationOptions{
			ForceJSONFormat: true,
			Temperature:     0.2,
		},
	}

	d.logger.Debug("Requesting decision", zap.String("task_id", req.TaskID), zap.Int("step", req.StepIndex))
	response, err := d.client.Generate(ctx, genReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, newError(ErrCodeDecisionTimeout, err, "no decision within %s", d.timeout)
		}
		return nil, err
	}

	decision, err := DecodeDecision(response)
	if err != nil {
		d.logger.Warn("Model returned an unusable decision", zap.Error(err), zap.Int("response_len", len(response)))
		return nil, err
	}
	return decision, nil
}
