// internal/agent/validate.go
package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Plan is a decision that passed validation, reduced to what will run.
type Plan struct {
	Actions []DecidedAction
	// Warnings note actions dropped by the mode or the per-step cap.
	Warnings []string
	// GaveUp holds the reason when the plan ends with the fail action.
	GaveUp string
}

// Validate checks a decision against the vocabulary and the sequencing rules.
// Nothing has run when it returns an error, and the error is always an
// *Error with code INVALID_DECISION. Whether target ids exist is checked at
// execution, one action at a time.
func (r *Registry) Validate(d *ActionDecision, mode Mode, maxActions int) (*Plan, error) {
	if d == nil {
		return nil, newError(ErrCodeInvalidDecision, nil, "no decision was returned")
	}
	if d.Completion {
		if len(d.Actions) > 0 {
			return nil, newError(ErrCodeInvalidDecision, nil, "a completing decision must not carry actions; run them first, then complete")
		}
		return &Plan{}, nil
	}
	if len(d.Actions) == 0 {
		return nil, newError(ErrCodeInvalidDecision, nil, "the decision has no actions and does not complete the task")
	}

	plan := &Plan{Actions: d.Actions}
	if mode == ModeSingle && len(plan.Actions) > 1 {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("single-action mode: %d extra actions dropped", len(plan.Actions)-1))
		plan.Actions = plan.Actions[:1]
	}

	// Sequencing is checked over everything decided, before the per-step cap.
	for i, a := range plan.Actions {
		spec, ok := r.Lookup(a.Name)
		if !ok {
			return nil, newError(ErrCodeInvalidDecision, nil, "unknown action %q; valid actions are %s", a.Name, strings.Join(r.Names(), ", "))
		}
		if err := checkAction(spec, a); err != nil {
			return nil, err
		}
		if spec.TerminalFor(a) && i < len(plan.Actions)-1 {
			return nil, newError(ErrCodeInvalidDecision, nil,
				"action %d (%s) ends the page and must be the last action; %d actions follow it", i+1, a, len(plan.Actions)-1-i)
		}
	}

	if maxActions > 0 && len(plan.Actions) > maxActions {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("at most %d actions run per step: %d dropped", maxActions, len(plan.Actions)-maxActions))
		plan.Actions = plan.Actions[:maxActions]
	}
	if last := plan.Actions[len(plan.Actions)-1]; last.Name == ActionFail {
		plan.GaveUp = last.Param("reason")
	}
	return plan, nil
}

func checkAction(spec ActionSpec, a DecidedAction) error {
	switch spec.Target {
	case TargetRequired:
		if a.Target == nil {
			return newError(ErrCodeInvalidDecision, nil, "action %q requires a target_id", a.Name)
		}
	case TargetNone:
		if a.Target != nil {
			return newError(ErrCodeInvalidDecision, nil, "action %q does not take a target_id", a.Name)
		}
	}
	if a.Target != nil && !spec.allowsRole(a.Target.Role) {
		return newError(ErrCodeInvalidDecision, nil, "action %q cannot target %s (role %s)", a.Name, a.Target, a.Target.Role)
	}

	for _, p := range spec.Params {
		v, present := a.Params[p.Name]
		if !present || v == nil {
			if p.Required {
				return newError(ErrCodeInvalidDecision, nil, "action %q requires param %q", a.Name, p.Name)
			}
			continue
		}
		if !kindMatches(p.Kind, v) {
			return newError(ErrCodeInvalidDecision, nil, "param %q of action %q must be a %s", p.Name, a.Name, p.Kind)
		}
		if p.Required && p.Kind == ParamString && strings.TrimSpace(v.(string)) == "" {
			return newError(ErrCodeInvalidDecision, nil, "param %q of action %q cannot be empty", p.Name, a.Name)
		}
	}
	return nil
}

func kindMatches(kind ParamKind, v interface{}) bool {
	switch kind {
	case ParamString:
		_, ok := v.(string)
		return ok
	case ParamBool:
		_, ok := v.(bool)
		return ok
	case ParamNumber:
		switch v.(type) {
		case float64, float32, int, int64, json.Number:
			return true
		}
		return false
	}
	return true
}
