// internal/llmclient/genai_client.go
package llmclient

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
)

// SDKClient implements schemas.LLMClient on top of the google.golang.org/genai
// SDK. Retries are left to the SDK's transport.
type SDKClient struct {
	client *genai.Client
	model  string
	config config.LLMModelConfig
	logger *zap.Logger
}

// NewSDKClient creates a Gemini API client through the genai SDK. A non-empty
// Endpoint overrides the SDK's base URL.
func NewSDKClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (*SDKClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required for model %q", cfg.Model)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("gemini model name is required")
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.APITimeout},
	}
	if cfg.Endpoint != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &SDKClient{
		client: client,
		model:  cfg.Model,
		config: cfg,
		logger: logger.Named("llm_client.genai"),
	}, nil
}

// Generate sends one request and returns the response text.
func (c *SDKClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(req.UserPrompt), c.buildConfig(req))
	if err != nil {
		return "", fmt.Errorf("genai generate content failed: %w", err)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("gemini API blocked the prompt (Reason: %s)", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("gemini API returned no candidates")
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini API returned empty content (Reason: %s)", resp.Candidates[0].FinishReason)
	}

	fields := []zap.Field{zap.String("model", c.model), zap.Duration("duration", time.Since(start))}
	if u := resp.UsageMetadata; u != nil {
		fields = append(fields,
			zap.Int32("prompt_tokens", u.PromptTokenCount),
			zap.Int32("completion_tokens", u.CandidatesTokenCount),
			zap.Int32("total_tokens", u.TotalTokenCount),
		)
	}
	c.logger.Info("LLM generation complete (genai)", fields...)
	return text, nil
}

// Close is a no-op; the SDK client holds no resources beyond its HTTP client.
func (c *SDKClient) Close() error {
	return nil
}

func (c *SDKClient) buildConfig(req schemas.GenerationRequest) *genai.GenerateContentConfig {
	temperature := float32(req.Options.Temperature)
	if temperature == 0 {
		temperature = c.config.Temperature
	}
	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(temperature),
	}
	if topP := float32(req.Options.TopP); topP != 0 {
		gc.TopP = genai.Ptr(topP)
	} else if c.config.TopP != 0 {
		gc.TopP = genai.Ptr(c.config.TopP)
	}
	if topK := req.Options.TopK; topK != 0 {
		gc.TopK = genai.Ptr(float32(topK))
	} else if c.config.TopK != 0 {
		gc.TopK = genai.Ptr(float32(c.config.TopK))
	}
	if c.config.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(c.config.MaxTokens)
	}
	if req.SystemPrompt != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Options.ForceJSONFormat || req.Options.ResponseSchema != nil {
		gc.ResponseMIMEType = "application/json"
	}
	if req.Options.ResponseSchema != nil {
		gc.ResponseJsonSchema = req.Options.ResponseSchema
	}

	categories := make([]string, 0, len(c.config.SafetyFilters))
	for category := range c.config.SafetyFilters {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	for _, category := range categories {
		gc.SafetySettings = append(gc.SafetySettings, &genai.SafetySetting{
			Category:  genai.HarmCategory(category),
			Threshold: genai.HarmBlockThreshold(c.config.SafetyFilters[category]),
		})
	}
	return gc
}
