// internal/extraction/scraper.go
package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/llmutil"
)

// DefaultPageTextLimit bounds how much page text one request carries.
const DefaultPageTextLimit = 20000

// StructuredData is the envelope every extraction returns.
type StructuredData struct {
	Success bool                `json:"success"`
	Error   string              `json:"error,omitempty"`
	Data    jsoniter.RawMessage `json:"data,omitempty"`
}

// Request describes one extraction.
type Request struct {
	Instructions string
	// Hint, when set, replaces instruction parsing as the source of the schema.
	Hint     []byte
	PageText string
}

// Scraper asks a model to fill a compiled schema from page text.
type Scraper struct {
	client    schemas.LLMClient
	logger    *zap.Logger
	timeout   time.Duration
	textLimit int
}

// NewScraper builds a Scraper. A zero timeout means the caller's context
// alone bounds the request.
func NewScraper(client schemas.LLMClient, logger *zap.Logger, timeout time.Duration) *Scraper {
	return &Scraper{
		client:    client,
		logger:    logger.Named("scraper"),
		timeout:   timeout,
		textLimit: DefaultPageTextLimit,
	}
}

// SchemaFor compiles the schema a request will be held to.
func SchemaFor(req Request) (*Schema, error) {
	if len(req.Hint) > 0 {
		return CompileHint(req.Hint)
	}
	return CompileSchema(req.Instructions)
}

// Extract runs one extraction. Schema problems are returned as errors and
// never downgraded. Model output that fails validation comes back as an
// unsuccessful StructuredData so the caller can decide whether to retry.
func (s *Scraper) Extract(ctx context.Context, req Request) (*StructuredData, error) {
	schema, err := SchemaFor(req)
	if err != nil {
		return nil, err
	}
	validator, err := NewValidator(schema)
	if err != nil {
		return nil, err
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	genReq := schemas.GenerationRequest{
		SystemPrompt: extractionSystemPrompt,
		UserPrompt:   s.userPrompt(req, schema),
		Tier:         schemas.TierFast,
		Options: schemas.GenerationOptions{
			Temperature:     0.0,
			ForceJSONFormat: true,
			ResponseSchema:  schema.ToMap(),
		},
	}

	s.logger.Debug("Requesting extraction", zap.Strings("fields", schema.Fields()), zap.Int("page_text_len", len(req.PageText)))
	response, err := s.client.Generate(ctx, genReq)
	if err != nil {
		return nil, fmt.Errorf("extraction request failed: %w", err)
	}

	doc := []byte(llmutil.ExtractJSON(response))
	if err := validator.ValidateJSON(doc); err != nil {
		s.logger.Warn("Extraction output rejected", zap.Error(err))
		return &StructuredData{Success: false, Error: err.Error()}, nil
	}
	return &StructuredData{Success: true, Data: jsoniter.RawMessage(doc)}, nil
}

func (s *Scraper) userPrompt(req Request, schema *Schema) string {
	var sb strings.Builder
	sb.WriteString("INSTRUCTIONS:\n")
	sb.WriteString(strings.TrimSpace(req.Instructions))
	sb.WriteString("\n\nOUTPUT SHAPE:\n")
	sb.WriteString(describe(schema))
	sb.WriteString("\n\nPAGE TEXT:\n")
	sb.WriteString(llmutil.Truncate(req.PageText, s.textLimit))
	return sb.String()
}

const extractionSystemPrompt = `You extract structured data from web page text.
Return a single JSON object that matches the response schema exactly.
Every field is required. Use values copied from the page text; when a value is
not present, use an empty string, zero, false or an empty list as the type demands.
Do not add fields that the schema does not declare.`
