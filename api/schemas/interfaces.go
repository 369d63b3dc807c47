// api/schemas/interfaces.go
package schemas

import (
	"context"
)

// -- LLM Schemas & Interface --

// ModelTier allows for selecting a large language model based on a preference
// for speed versus advanced capabilities.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Extraction and other bounded requests.
	TierPowerful ModelTier = "powerful" // Step decisions.
)

// GenerationOptions controls a single generation call.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`
	ForceJSONFormat bool    `json:"force_json_format"`
	TopP            float64 `json:"top_p"`
	TopK            int     `json:"top_k"`
	// ResponseSchema constrains structured output. It must already be a
	// schema restricted to the supported keyword subset.
	ResponseSchema map[string]interface{} `json:"response_schema,omitempty"`
}

// GenerationRequest encapsulates a complete request to the LLM.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Tier         ModelTier         `json:"tier"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient defines a standard interface for interacting with a Large Language
// Model, abstracting the specifics of the underlying provider.
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	Close() error
}
