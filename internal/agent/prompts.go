// internal/agent/prompts.go
package agent

import (
	"fmt"
	"strings"
)

// systemPrompt assembles the instruction set for one decision turn.
func (d *LLMDecider) systemPrompt(req DecisionRequest) string {
	return basePrompt + d.actionListPrompt() + sequencingPrompt(req.Mode, req.MaxActions) + errorHandlingPrompt + closingPrompt
}

const basePrompt = `You are the browsing agent of 'webpilot'. You complete a task by acting on a live web page.
Every turn you receive the task, your memory, the history of previous steps, and the current page as an action space listing.
You must respond with a single JSON object describing your next decision.

How to read the action space:
    - Lines start with an element id such as I0, B3 or L12, then "[:]", then the element.
    - The letter is the element's role: I input, B button, L link, F figure, O option, M other focusable content.
    - Lines starting with "_[:]" are plain text for context and cannot be targeted.
    - "## <label>" starts a section of the page. When a dialog is open its sections come first.
    - Ids are renumbered on every turn. Never reuse an id from an earlier step; always read the current listing.

Start rule:
    - If the action space is empty the browser is on a blank page. Your first action must be "navigate".
`

// actionListPrompt describes the registered vocabulary.
func (d *LLMDecider) actionListPrompt() string {
	var sb strings.Builder
	sb.WriteString("\nAvailable Actions:\n")
	for _, spec := range d.registry.Specs() {
		fmt.Fprintf(&sb, "    - %s: %s", spec.Name, spec.Description)
		switch spec.Target {
		case TargetRequired:
			sb.WriteString(" (target_id required)")
		case TargetOptional:
			sb.WriteString(" (target_id optional)")
		}
		sb.WriteString("\n")
		for _, p := range spec.Params {
			req := "optional"
			if p.Required {
				req = "required"
			}
			fmt.Fprintf(&sb, "        - params.%s (%s, %s): %s\n", p.Name, p.Kind, req, p.Description)
		}
	}
	return sb.String()
}

func sequencingPrompt(mode Mode, maxActions int) string {
	if mode == ModeSingle {
		return `
Sequencing:
    - Return exactly one action per turn. You will see the updated page before your next decision.
`
	}
	if maxActions <= 0 {
		maxActions = 1
	}
	return fmt.Sprintf(`
Sequencing:
    - You may return up to %d actions; they run in order.
    - Actions that leave the page (navigate, go_back, clicking a link) must be the last action in the list.
    - If any action changes the page, the remaining actions are dropped and you will see the new page.
`, maxActions)
}

const errorHandlingPrompt = `
Handling Failures:
    - ` + "`STALE_ELEMENT_ID`" + `: you used an id that is not on the current page. Read the listing again and pick a current id.
    - ` + "`INVALID_DECISION`" + `: your last response broke a rule. Fix exactly what the message says.
    - ` + "`VALIDATION_REJECTED`" + `: your completion payload did not match the required output. Correct it and complete again.
    - ` + "`EXECUTION_FAILED`" + `: the browser could not perform the action. Try another element or approach, possibly after "wait" or a scroll.
`

const closingPrompt = `
Response Format:
    {"memory": "<everything you need to remember, this replaces your previous memory>",
     "actions": [{"name": "<action>", "target_id": "<id, when the action takes one>", "params": {}}],
     "completion": false}
    When the task is done, return "completion": true with no actions, and put the result in "completion_payload".
    When the task cannot be done, use the "fail" action.
    Your response must be only the JSON object.`

// userPrompt renders the per-turn state.
func (d *LLMDecider) userPrompt(req DecisionRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", strings.TrimSpace(req.Task))
	if req.StartURL != "" {
		fmt.Fprintf(&sb, "Start URL: %s\n", req.StartURL)
	}
	fmt.Fprintf(&sb, "Step: %d of %d\n", req.StepIndex+1, req.MaxSteps)
	if req.AlmostOutOfSteps {
		sb.WriteString("This is your last step. Complete the task now with the best result you have, or fail with a reason.\n")
	}

	sb.WriteString("\nMemory:\n")
	if req.Memory == "" {
		sb.WriteString("(empty)\n")
	} else {
		sb.WriteString(req.Memory)
		sb.WriteString("\n")
	}

	sb.WriteString("\nHistory:\n")
	if h := RenderHistory(req.History); h != "" {
		sb.WriteString(h)
		sb.WriteString("\n")
	} else {
		sb.WriteString("(no steps yet)\n")
	}

	sb.WriteString("\nAction Space:\n")
	if req.ActionSpaceText == "" {
		sb.WriteString("(empty: the page has no interactive elements)\n")
	} else {
		sb.WriteString(req.ActionSpaceText)
		sb.WriteString("\n")
	}

	sb.WriteString("\nDetermine the next decision. Respond with a single JSON object.")
	return sb.String()
}
