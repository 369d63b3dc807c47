// File: internal/agent/models.go
package agent

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// State is the step machine's position in its control loop.
type State string

const (
	StateIdle             State = "IDLE"
	StatePerceiving       State = "PERCEIVING"
	StateAwaitingDecision State = "AWAITING_DECISION" // The only point where the machine waits on the model.
	StateExecuting        State = "EXECUTING"
	StateInterrupted      State = "INTERRUPTED" // The page changed mid-sequence; the rest was discarded.
	StateStepComplete     State = "STEP_COMPLETE"
	StateTaskComplete     State = "TASK_COMPLETE"
	StateTaskFailed       State = "TASK_FAILED"
)

// Terminal reports whether no further transition may leave s.
func (s State) Terminal() bool {
	return s == StateTaskComplete || s == StateTaskFailed
}

// Mode selects how many actions one decision may carry.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeMulti  Mode = "multi"
)

// DecidedAction is one entry of a decision's action list.
type DecidedAction struct {
	Name   string                 `json:"name"`
	Target *schemas.ElementID     `json:"target_id,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// String renders the action the way history lines show it, e.g. "click(B0)".
func (a DecidedAction) String() string {
	if a.Target == nil {
		return a.Name
	}
	return fmt.Sprintf("%s(%s)", a.Name, a.Target)
}

// Param returns a parameter as a string, or "" when absent or not a string.
func (a DecidedAction) Param(name string) string {
	s, _ := a.Params[name].(string)
	return s
}

// ActionDecision is what the decision function returns for one turn.
type ActionDecision struct {
	Actions []DecidedAction `json:"actions"`
	// Memory replaces the task memory wholesale.
	Memory            string              `json:"memory"`
	Completion        bool                `json:"completion"`
	CompletionPayload jsoniter.RawMessage `json:"completion_payload,omitempty"`
}

// DecisionRequest is everything the decision function sees on one turn.
type DecisionRequest struct {
	TaskID          string
	Task            string
	StartURL        string
	ActionSpaceText string
	History         []StepRecord
	Memory          string
	StepIndex       int
	MaxSteps        int
	// AlmostOutOfSteps is set on the final turn of the budget.
	AlmostOutOfSteps bool
	Mode             Mode
	MaxActions       int
}

// ActionStatus is the outcome of one decided action.
type ActionStatus string

const (
	ActionSucceeded ActionStatus = "succeeded"
	ActionFailed    ActionStatus = "failed"
	ActionSkipped   ActionStatus = "skipped"   // Target id was not in the turn's action space.
	ActionDiscarded ActionStatus = "discarded" // Dropped after an earlier action changed the page.
)

// ActionResult records what happened to one decided action.
type ActionResult struct {
	Action  DecidedAction `json:"action"`
	Status  ActionStatus  `json:"status"`
	Code    ErrorCode     `json:"code,omitempty"`
	Error   string        `json:"error,omitempty"`
	Changed bool          `json:"changed,omitempty"`
	// Data carries action output such as extracted JSON.
	Data string `json:"data,omitempty"`
}

// StepRecord is the immutable account of one turn.
type StepRecord struct {
	Index           int             `json:"index"`
	ActionSpaceHash string          `json:"action_space_hash"`
	Actions         []DecidedAction `json:"actions,omitempty"`
	Results         []ActionResult  `json:"results,omitempty"`
	Interrupted     bool            `json:"interrupted"`
	// Feedback is the rejection reason shown to the model on the next turn.
	Feedback     string    `json:"feedback,omitempty"`
	FeedbackCode ErrorCode `json:"feedback_code,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Failed reports whether an executed action of the turn failed. Rejected
// decisions and skipped stale ids do not count.
func (r StepRecord) Failed() bool {
	for _, res := range r.Results {
		if res.Status == ActionFailed {
			return true
		}
	}
	return false
}

// CompletionValidator checks a completion payload before the task may end.
type CompletionValidator interface {
	ValidateCompletion(payload []byte) error
}

// Task is one unit of work for a step machine.
type Task struct {
	ID           string
	Instructions string
	// StartURL, when set, is loaded before the first perception.
	StartURL  string
	Validator CompletionValidator
}

// TaskResult is the terminal outcome of a run.
type TaskResult struct {
	TaskID  string              `json:"task_id"`
	State   State               `json:"state"`
	Success bool                `json:"success"`
	Code    ErrorCode           `json:"code,omitempty"`
	Error   string              `json:"error,omitempty"`
	Payload jsoniter.RawMessage `json:"payload,omitempty"`
	Memory  string              `json:"memory,omitempty"`
	History []StepRecord        `json:"history"`
	// Duration is the wall time of the run.
	Duration time.Duration `json:"duration"`
}
