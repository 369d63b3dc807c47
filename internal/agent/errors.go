// File: internal/agent/errors.go
package agent

import (
	"errors"
	"fmt"
)

// ErrorCode is a string type used for structured error reporting from the
// step machine and its actions.
type ErrorCode string

const (
	// -- Perception --
	ErrCodeClassificationAmbiguous ErrorCode = "CLASSIFICATION_AMBIGUOUS"
	ErrCodeEmptySnapshot           ErrorCode = "EMPTY_SNAPSHOT"

	// -- Decision --
	ErrCodeInvalidDecision    ErrorCode = "INVALID_DECISION"
	ErrCodeDecisionTimeout    ErrorCode = "DECISION_TIMEOUT"
	ErrCodeValidationRejected ErrorCode = "VALIDATION_REJECTED"
	ErrCodeAgentGaveUp        ErrorCode = "AGENT_GAVE_UP"

	// -- Execution --
	ErrCodeStaleElementID    ErrorCode = "STALE_ELEMENT_ID"
	ErrCodeExecutionFailed   ErrorCode = "EXECUTION_FAILED"
	ErrCodeDriverTimeout     ErrorCode = "DRIVER_TIMEOUT"
	ErrCodeDriverUnavailable ErrorCode = "DRIVER_UNAVAILABLE"

	// -- Extraction --
	ErrCodeUnsupportedSchemaFeature ErrorCode = "UNSUPPORTED_SCHEMA_FEATURE"

	// -- Budgets --
	ErrCodeStepBudgetExhausted    ErrorCode = "STEP_BUDGET_EXHAUSTED"
	ErrCodeMaxConsecutiveFailures ErrorCode = "MAX_CONSECUTIVE_FAILURES"

	// -- Internal System Errors --
	ErrCodeCancelled ErrorCode = "CANCELLED"
	ErrCodeStepPanic ErrorCode = "STEP_PANIC"
)

// Error is a coded failure raised inside a step. Two Errors match under
// errors.Is when their codes are equal.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func newError(code ErrorCode, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf returns the code of the first *Error or *TaskError in err's chain,
// or "" when there is none.
func CodeOf(err error) ErrorCode {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Code
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// TaskError is returned for every task that ends in TaskFailed. It carries
// the last memory and the full step history so callers can report on the run.
type TaskError struct {
	TaskID  string
	Code    ErrorCode
	Memory  string
	History []StepRecord
	Err     error
}

func (e *TaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("task %s failed after %d steps (%s): %v", e.TaskID, len(e.History), e.Code, e.Err)
	}
	return fmt.Sprintf("task %s failed after %d steps (%s)", e.TaskID, len(e.History), e.Code)
}

func (e *TaskError) Unwrap() error { return e.Err }

// Retryable reports whether the failure came from infrastructure rather than
// from the agent's own choices.
func (e *TaskError) Retryable() bool {
	switch e.Code {
	case ErrCodeDriverTimeout, ErrCodeDriverUnavailable, ErrCodeDecisionTimeout:
		return true
	}
	return false
}
