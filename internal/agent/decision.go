package agent

import (
	"context"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/llmutil"
)

// DecisionFunction produces one decision per turn. It is the machine's only
// suspension point on the model.
type DecisionFunction interface {
	Decide(ctx context.Context, req DecisionRequest) (*ActionDecision, error)
}

// DecisionFunc adapts a plain function to DecisionFunction.
type DecisionFunc func(ctx context.Context, req DecisionRequest) (*ActionDecision, error)

func (f DecisionFunc) Decide(ctx context.Context, req DecisionRequest) (*ActionDecision, error) {
	return f(ctx, req)
}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// wireDecision is the JSON shape the model is asked to produce.
type wireDecision struct {
	Actions []struct {
		Name     string                 `json:"name"`
		TargetID string                 `json:"target_id"`
		Params   map[string]interface{} `json:"params"`
	} `json:"actions"`
	Memory            string              `json:"memory"`
	Completion        bool                `json:"completion"`
	CompletionPayload jsoniter.RawMessage `json:"completion_payload"`
}

// DecodeDecision parses a model response into a decision. Any failure is an
// *Error with code INVALID_DECISION whose message can be fed back verbatim.
func DecodeDecision(response string) (*ActionDecision, error) {
	raw := llmutil.ExtractJSON(response)
	if raw == "" {
		return nil, newError(ErrCodeInvalidDecision, nil, "the response contained no JSON object")
	}

	var wire wireDecision
	if err := jsonAPI.UnmarshalFromString(raw, &wire); err != nil {
		return nil, newError(ErrCodeInvalidDecision, err, "the response is not a valid decision object")
	}

	d := &ActionDecision{
		Memory:     wire.Memory,
		Completion: wire.Completion,
		Actions:    make([]DecidedAction, 0, len(wire.Actions)),
	}
	if payload := strings.TrimSpace(string(wire.CompletionPayload)); payload != "" && payload != "null" {
		d.CompletionPayload = wire.CompletionPayload
	}
	for i, a := range wire.Actions {
		action := DecidedAction{Name: strings.TrimSpace(a.Name), Params: a.Params}
		if action.Name == "" {
			return nil, newError(ErrCodeInvalidDecision, nil, "action %d has no name", i+1)
		}
		if id := strings.TrimSpace(a.TargetID); id != "" {
			parsed, err := schemas.ParseElementID(id)
			if err != nil {
				return nil, newError(ErrCodeInvalidDecision, err, "action %d (%s) has a malformed target_id", i+1, action.Name)
			}
			action.Target = &parsed
		}
		d.Actions = append(d.Actions, action)
	}
	return d, nil
}
