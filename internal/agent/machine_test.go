// File: internal/agent/machine_test.go
package agent_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/mocks"
)

func fillAction(t *testing.T, id, value string) agent.DecidedAction {
	return agent.DecidedAction{Name: agent.ActionFill, Target: eid(t, id), Params: map[string]interface{}{"value": value}}
}

func clickAction(t *testing.T, id string) agent.DecidedAction {
	return agent.DecidedAction{Name: agent.ActionClick, Target: eid(t, id)}
}

func requireTaskError(t *testing.T, err error, code agent.ErrorCode) *agent.TaskError {
	t.Helper()
	require.Error(t, err)
	var te *agent.TaskError
	require.True(t, errors.As(err, &te), "expected *agent.TaskError, got %T: %v", err, err)
	assert.Equal(t, code, te.Code)
	return te
}

func statuses(rec agent.StepRecord) []agent.ActionStatus {
	out := make([]agent.ActionStatus, 0, len(rec.Results))
	for _, r := range rec.Results {
		out = append(out, r.Status)
	}
	return out
}

// Every action in the sequence leaves the page unchanged, so all run in one
// step and the next turn perceives once.
func TestStepMachine_MultiActionSequenceRunsInOrder(t *testing.T) {
	driver := newFakeDriver(pageNodes(t, loginPage), pageNodes(t, welcomePage))
	decider := &scriptedDecider{script: []func(agent.DecisionRequest) (*agent.ActionDecision, error){
		decide(&agent.ActionDecision{
			Memory: "filled the login form",
			Actions: []agent.DecidedAction{
				fillAction(t, "I0", "a@example.test"),
				fillAction(t, "I1", "hunter2"),
				clickAction(t, "B0"),
			},
		}),
		complete(`{"logged_in":true}`),
	}}
	logger, logs := observedLogger()
	m := agent.NewStepMachine(driver, decider, logger, testOptions())

	result, err := m.Run(context.Background(), agent.Task{ID: "task-b", Instructions: "log in"})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, agent.StateTaskComplete, result.State)
	assert.Equal(t, agent.StateTaskComplete, m.State())
	assert.JSONEq(t, `{"logged_in":true}`, string(result.Payload))
	assert.Equal(t, []schemas.Primitive{schemas.PrimitiveFill, schemas.PrimitiveFill, schemas.PrimitiveClick}, driver.executed())
	assert.Equal(t, 2, driver.snapshots)

	first := driver.commands[0]
	assert.Equal(t, "I0", first.Target.String())
	assert.NotEmpty(t, first.Handle, "the node's handle is passed back to the driver")
	assert.Equal(t, "a@example.test", first.Params["value"])

	require.Len(t, result.History, 2)
	assert.False(t, result.History[0].Interrupted)
	assert.Equal(t, []agent.ActionStatus{agent.ActionSucceeded, agent.ActionSucceeded, agent.ActionSucceeded}, statuses(result.History[0]))
	assert.NotEmpty(t, result.History[0].ActionSpaceHash)

	require.Len(t, decider.requests, 2)
	assert.Equal(t, "filled the login form", decider.requests[1].Memory)
	assert.Contains(t, decider.requests[0].ActionSpaceText, "I0[:]")
	assert.Contains(t, decider.requests[1].ActionSpaceText, "Log out")

	executedLogs := logs.FilterMessage("Action executed").All()
	require.Len(t, executedLogs, 3)
	fields := executedLogs[0].ContextMap()
	assert.Equal(t, "task-b", fields["task_id"])
	assert.Equal(t, "fill", fields["action"])
	assert.Equal(t, "I0", fields["target"])
	assert.EqualValues(t, 0, fields["step"])
}

// A terminal action anywhere but last rejects the whole decision before any
// of it runs, and the next turn sees the same action space plus the reason.
func TestStepMachine_TerminalActionNotLastIsRejected(t *testing.T) {
	driver := newFakeDriver(pageNodes(t, loginPage))
	decider := &scriptedDecider{script: []func(agent.DecisionRequest) (*agent.ActionDecision, error){
		decide(&agent.ActionDecision{Actions: []agent.DecidedAction{clickAction(t, "L0"), clickAction(t, "B0")}}),
		complete(`{}`),
	}}
	m := agent.NewStepMachine(driver, decider, zaptest.NewLogger(t), testOptions())

	result, err := m.Run(context.Background(), agent.Task{Instructions: "find help"})
	require.NoError(t, err)
	assert.True(t, result.Success)

	assert.Empty(t, driver.executed(), "nothing runs from a rejected decision")
	assert.Equal(t, 1, driver.snapshots, "a rejected decision is retried against the same snapshot")

	require.Len(t, decider.requests, 2)
	assert.Equal(t, decider.requests[0].ActionSpaceText, decider.requests[1].ActionSpaceText)
	prior := decider.requests[1].History
	require.Len(t, prior, 1)
	assert.Equal(t, agent.ErrCodeInvalidDecision, prior[0].FeedbackCode)
	assert.Contains(t, prior[0].Feedback, "must be the last action")
	assert.Empty(t, prior[0].Results)
}

// A page change mid-sequence interrupts the step and discards the rest.
func TestStepMachine_PageChangeInterruptsSequence(t *testing.T) {
	driver := newFakeDriver(pageNodes(t, loginPage), pageNodes(t, welcomePage))
	driver.outcome = func(n int, cmd schemas.DriverCommand) (schemas.DriverOutcome, error) {
		return schemas.DriverOutcome{Changed: n == 1}, nil
	}
	decider := &scriptedDecider{script: []func(agent.DecisionRequest) (*agent.ActionDecision, error){
		decide(&agent.ActionDecision{Actions: []agent.DecidedAction{
			fillAction(t, "I0", "a@example.test"),
			clickAction(t, "B0"),
			fillAction(t, "I1", "never typed"),
		}}),
		complete(`{}`),
	}}
	m := agent.NewStepMachine(driver, decider, zaptest.NewLogger(t), testOptions())

	result, err := m.Run(context.Background(), agent.Task{Instructions: "log in"})
	require.NoError(t, err)

	assert.Equal(t, []schemas.Primitive{schemas.PrimitiveFill, schemas.PrimitiveClick}, driver.executed())
	assert.Equal(t, 2, driver.snapshots, "perception runs again after an interruption")

	rec := result.History[0]
	assert.True(t, rec.Interrupted)
	assert.Equal(t, []agent.ActionStatus{agent.ActionSucceeded, agent.ActionSucceeded, agent.ActionDiscarded}, statuses(rec))
	assert.True(t, rec.Results[1].Changed)

	rendered := agent.RenderHistory(decider.requests[1].History)
	assert.Contains(t, rendered, "step interrupted")
	assert.Contains(t, rendered, "was not executed")
}

// An id absent from the turn's action space is skipped and reported; the
// remaining actions still run.
func TestStepMachine_StaleIDIsSkipped(t *testing.T) {
	driver := newFakeDriver(pageNodes(t, loginPage))
	decider := &scriptedDecider{script: []func(agent.DecisionRequest) (*agent.ActionDecision, error){
		decide(&agent.ActionDecision{Actions: []agent.DecidedAction{clickAction(t, "B9"), fillAction(t, "I0", "x")}}),
		complete(`{}`),
	}}
	m := agent.NewStepMachine(driver, decider, zaptest.NewLogger(t), testOptions())

	result, err := m.Run(context.Background(), agent.Task{Instructions: "t"})
	require.NoError(t, err)

	assert.Equal(t, []schemas.Primitive{schemas.PrimitiveFill}, driver.executed())
	rec := result.History[0]
	require.Len(t, rec.Results, 2)
	assert.Equal(t, agent.ActionSkipped, rec.Results[0].Status)
	assert.Equal(t, agent.ErrCodeStaleElementID, rec.Results[0].Code)
	assert.Contains(t, rec.Results[0].Error, "B9")
	assert.Equal(t, agent.ActionSucceeded, rec.Results[1].Status)
}

// The final turn carries the hint; going past the budget fails the task.
func TestStepMachine_StepBudgetExhausted(t *testing.T) {
	driver := newFakeDriver(pageNodes(t, loginPage))
	decider := &scriptedDecider{exhausted: func(agent.DecisionRequest) (*agent.ActionDecision, error) {
		return &agent.ActionDecision{Memory: "still looking", Actions: []agent.DecidedAction{{Name: agent.ActionWait}}}, nil
	}}
	opts := testOptions()
	opts.MaxSteps = 3
	m := agent.NewStepMachine(driver, decider, zaptest.NewLogger(t), opts)

	result, err := m.Run(context.Background(), agent.Task{Instructions: "t"})
	te := requireTaskError(t, err, agent.ErrCodeStepBudgetExhausted)

	assert.False(t, result.Success)
	assert.Equal(t, agent.StateTaskFailed, result.State)
	assert.Equal(t, "still looking", te.Memory)
	assert.Len(t, te.History, 3)
	assert.False(t, te.Retryable())

	require.Len(t, decider.requests, 3)
	assert.False(t, decider.requests[0].AlmostOutOfSteps)
	assert.False(t, decider.requests[1].AlmostOutOfSteps)
	assert.True(t, decider.requests[2].AlmostOutOfSteps)
}

type validatorFunc func([]byte) error

func (f validatorFunc) ValidateCompletion(payload []byte) error { return f(payload) }

func TestStepMachine_CompletionValidatorRejects(t *testing.T) {
	driver := newFakeDriver(pageNodes(t, loginPage))
	decider := &scriptedDecider{script: []func(agent.DecisionRequest) (*agent.ActionDecision, error){
		complete(`{}`),
		complete(`{"price":3}`),
	}}
	validator := validatorFunc(func(p []byte) error {
		if !strings.Contains(string(p), "price") {
			return errors.New("missing property price")
		}
		return nil
	})
	m := agent.NewStepMachine(driver, decider, zaptest.NewLogger(t), testOptions())

	result, err := m.Run(context.Background(), agent.Task{Instructions: "t", Validator: validator})
	require.NoError(t, err)
	assert.JSONEq(t, `{"price":3}`, string(result.Payload))

	prior := decider.requests[1].History
	require.Len(t, prior, 1)
	assert.Equal(t, agent.ErrCodeValidationRejected, prior[0].FeedbackCode)
	assert.Contains(t, prior[0].Feedback, "missing property price")
	assert.Equal(t, 1, driver.snapshots)
}

func TestStepMachine_FailActionEndsTask(t *testing.T) {
	driver := newFakeDriver(pageNodes(t, loginPage))
	decider := &scriptedDecider{script: []func(agent.DecisionRequest) (*agent.ActionDecision, error){
		decide(&agent.ActionDecision{Memory: "captcha wall", Actions: []agent.DecidedAction{
			fillAction(t, "I0", "x"),
			{Name: agent.ActionFail, Params: map[string]interface{}{"reason": "site requires a captcha"}},
		}}),
	}}
	m := agent.NewStepMachine(driver, decider, zaptest.NewLogger(t), testOptions())

	result, err := m.Run(context.Background(), agent.Task{Instructions: "t"})
	te := requireTaskError(t, err, agent.ErrCodeAgentGaveUp)
	assert.Contains(t, te.Error(), "site requires a captcha")
	assert.Equal(t, "captcha wall", te.Memory)
	assert.Equal(t, agent.StateTaskFailed, result.State)
	assert.Equal(t, []schemas.Primitive{schemas.PrimitiveFill}, driver.executed())
}

func TestStepMachine_DriverTimeoutSurfaces(t *testing.T) {
	driver := newFakeDriver(pageNodes(t, loginPage))
	driver.outcome = func(int, schemas.DriverCommand) (schemas.DriverOutcome, error) {
		return schemas.DriverOutcome{}, fmt.Errorf("click: %w", schemas.ErrDriverTimeout)
	}
	decider := &scriptedDecider{script: []func(agent.DecisionRequest) (*agent.ActionDecision, error){
		decide(&agent.ActionDecision{Actions: []agent.DecidedAction{clickAction(t, "B0"), fillAction(t, "I0", "x")}}),
	}}
	m := agent.NewStepMachine(driver, decider, zaptest.NewLogger(t), testOptions())

	_, err := m.Run(context.Background(), agent.Task{Instructions: "t"})
	te := requireTaskError(t, err, agent.ErrCodeDriverTimeout)
	assert.True(t, te.Retryable())
	assert.True(t, errors.Is(err, schemas.ErrDriverTimeout))
	require.Len(t, te.History, 1)
	assert.Equal(t, []agent.ActionStatus{agent.ActionFailed, agent.ActionDiscarded}, statuses(te.History[0]))
	assert.Len(t, decider.requests, 1, "the machine does not retry infrastructure failures")
}

func TestStepMachine_ActionFailureIsFedBack(t *testing.T) {
	driver := newFakeDriver(pageNodes(t, loginPage))
	driver.outcome = func(n int, cmd schemas.DriverCommand) (schemas.DriverOutcome, error) {
		if n == 0 {
			return schemas.DriverOutcome{}, errors.New("node is detached from document")
		}
		return schemas.DriverOutcome{}, nil
	}
	decider := &scriptedDecider{script: []func(agent.DecisionRequest) (*agent.ActionDecision, error){
		decide(&agent.ActionDecision{Actions: []agent.DecidedAction{clickAction(t, "B0"), fillAction(t, "I0", "x")}}),
		complete(`{}`),
	}}
	opts := testOptions()
	opts.MaxErrorLength = 10
	m := agent.NewStepMachine(driver, decider, zaptest.NewLogger(t), opts)

	result, err := m.Run(context.Background(), agent.Task{Instructions: "t"})
	require.NoError(t, err)

	rec := result.History[0]
	assert.Equal(t, []agent.ActionStatus{agent.ActionFailed, agent.ActionDiscarded}, statuses(rec))
	assert.Equal(t, agent.ErrCodeExecutionFailed, rec.Results[0].Code)
	assert.Equal(t, "...m document", rec.Results[0].Error)
	assert.Equal(t, 13, utf8.RuneCountInString(rec.Results[0].Error))

	rendered := agent.RenderHistory(decider.requests[1].History)
	assert.Contains(t, rendered, "❌ action 'click(B0)' failed: ...m document")
}

func TestStepMachine_MaxConsecutiveFailures(t *testing.T) {
	driver := newFakeDriver(pageNodes(t, loginPage))
	driver.outcome = func(int, schemas.DriverCommand) (schemas.DriverOutcome, error) {
		return schemas.DriverOutcome{}, errors.New("element is not visible")
	}
	decider := &scriptedDecider{exhausted: decide(&agent.ActionDecision{
		Actions: []agent.DecidedAction{clickAction(t, "B0")},
	})}
	opts := testOptions()
	opts.MaxConsecutiveFailures = 2
	m := agent.NewStepMachine(driver, decider, zaptest.NewLogger(t), opts)

	_, err := m.Run(context.Background(), agent.Task{Instructions: "t"})
	te := requireTaskError(t, err, agent.ErrCodeMaxConsecutiveFailures)
	require.Len(t, te.History, 2)
	assert.Len(t, driver.executed(), 2)
	assert.Equal(t, []agent.ActionStatus{agent.ActionFailed}, statuses(te.History[1]))
}

func TestStepMachine_SuccessResetsFailureCount(t *testing.T) {
	driver := newFakeDriver(pageNodes(t, loginPage))
	driver.outcome = func(_ int, cmd schemas.DriverCommand) (schemas.DriverOutcome, error) {
		if cmd.Primitive == schemas.PrimitiveClick {
			return schemas.DriverOutcome{}, errors.New("element is not visible")
		}
		return schemas.DriverOutcome{}, nil
	}
	bad := decide(&agent.ActionDecision{Actions: []agent.DecidedAction{clickAction(t, "B0")}})
	good := decide(&agent.ActionDecision{Actions: []agent.DecidedAction{{Name: agent.ActionWait}}})
	decider := &scriptedDecider{script: []func(agent.DecisionRequest) (*agent.ActionDecision, error){
		bad, good, bad, good, complete(`{}`),
	}}
	opts := testOptions()
	opts.MaxConsecutiveFailures = 2
	m := agent.NewStepMachine(driver, decider, zaptest.NewLogger(t), opts)

	result, err := m.Run(context.Background(), agent.Task{Instructions: "t"})
	require.NoError(t, err)
	assert.Len(t, result.History, 5)
}

func TestStepMachine_RejectionsDoNotEndTask(t *testing.T) {
	rejected := errors.New("payload is missing \"price\"")
	validator := validatorFunc(func(payload []byte) error {
		if string(payload) == `{}` {
			return rejected
		}
		return nil
	})
	decider := &scriptedDecider{script: []func(agent.DecisionRequest) (*agent.ActionDecision, error){
		complete(`{}`),
		decide(&agent.ActionDecision{Actions: []agent.DecidedAction{{Name: "teleport"}}}),
		complete(`{}`),
		decide(&agent.ActionDecision{Actions: []agent.DecidedAction{{Name: "teleport"}}}),
		complete(`{}`),
		complete(`{"price":3}`),
	}}
	opts := testOptions()
	opts.MaxConsecutiveFailures = 2
	m := agent.NewStepMachine(newFakeDriver(pageNodes(t, loginPage)), decider, zaptest.NewLogger(t), opts)

	result, err := m.Run(context.Background(), agent.Task{Instructions: "t", Validator: validator})
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, result.History, 6)
	assert.Equal(t, agent.ErrCodeValidationRejected, result.History[0].FeedbackCode)
	assert.Equal(t, agent.ErrCodeInvalidDecision, result.History[1].FeedbackCode)
}

func TestStepMachine_RejectionsAreBoundedByStepBudget(t *testing.T) {
	decider := &scriptedDecider{exhausted: decide(&agent.ActionDecision{
		Actions: []agent.DecidedAction{{Name: "teleport"}},
	})}
	opts := testOptions()
	opts.MaxSteps = 4
	opts.MaxConsecutiveFailures = 2
	m := agent.NewStepMachine(newFakeDriver(pageNodes(t, loginPage)), decider, zaptest.NewLogger(t), opts)

	_, err := m.Run(context.Background(), agent.Task{Instructions: "t"})
	te := requireTaskError(t, err, agent.ErrCodeStepBudgetExhausted)
	assert.Len(t, te.History, 4)
}

func TestStepMachine_EmptyPageIsRetried(t *testing.T) {
	driver := newFakeDriver(nil, nil, pageNodes(t, loginPage))
	decider := &scriptedDecider{script: []func(agent.DecisionRequest) (*agent.ActionDecision, error){complete(`{}`)}}
	m := agent.NewStepMachine(driver, decider, zaptest.NewLogger(t), testOptions())

	_, err := m.Run(context.Background(), agent.Task{Instructions: "t", StartURL: "https://shop.example.test"})
	require.NoError(t, err)

	assert.Equal(t, []schemas.Primitive{schemas.PrimitiveNavigate}, driver.executed())
	assert.Equal(t, "https://shop.example.test", driver.commands[0].Params["url"])
	assert.Equal(t, 3, driver.snapshots)
	assert.Equal(t, 3, driver.waits, "one wait after navigation and one per empty snapshot")
	assert.Contains(t, decider.requests[0].ActionSpaceText, "Sign in")
}

func TestStepMachine_EmptyPageRetriesAreBounded(t *testing.T) {
	driver := newFakeDriver(nil)
	decider := &scriptedDecider{script: []func(agent.DecisionRequest) (*agent.ActionDecision, error){complete(`{}`)}}
	logger, logs := observedLogger()
	opts := testOptions()
	opts.EmptyPageMaxRetry = 2
	m := agent.NewStepMachine(driver, decider, logger, opts)

	_, err := m.Run(context.Background(), agent.Task{Instructions: "t", StartURL: "https://blank.example.test"})
	require.NoError(t, err)

	assert.Equal(t, 3, driver.snapshots)
	assert.Empty(t, decider.requests[0].ActionSpaceText)
	warned := logs.FilterField(zap.String("code", string(agent.ErrCodeEmptySnapshot)))
	assert.Equal(t, 1, warned.Len())
}

func TestStepMachine_BlankStartIsNotRetried(t *testing.T) {
	driver := newFakeDriver(nil, pageNodes(t, loginPage))
	decider := &scriptedDecider{script: []func(agent.DecisionRequest) (*agent.ActionDecision, error){
		decide(&agent.ActionDecision{Actions: []agent.DecidedAction{{
			Name: agent.ActionNavigate, Params: map[string]interface{}{"url": "https://shop.example.test"},
		}}}),
		complete(`{}`),
	}}
	driver.outcome = func(int, schemas.DriverCommand) (schemas.DriverOutcome, error) {
		return schemas.DriverOutcome{Changed: true}, nil
	}
	m := agent.NewStepMachine(driver, decider, zaptest.NewLogger(t), testOptions())

	_, err := m.Run(context.Background(), agent.Task{Instructions: "t"})
	require.NoError(t, err)
	assert.Equal(t, 0, driver.waits)
	assert.Empty(t, decider.requests[0].ActionSpaceText)
	assert.Contains(t, decider.requests[1].ActionSpaceText, "Sign in")
}

func TestStepMachine_SingleModeRunsFirstActionOnly(t *testing.T) {
	driver := newFakeDriver(pageNodes(t, loginPage))
	decider := &scriptedDecider{script: []func(agent.DecisionRequest) (*agent.ActionDecision, error){
		decide(&agent.ActionDecision{Actions: []agent.DecidedAction{fillAction(t, "I0", "x"), fillAction(t, "I1", "y")}}),
		complete(`{}`),
	}}
	opts := testOptions()
	opts.Mode = agent.ModeSingle
	logger, logs := observedLogger()
	m := agent.NewStepMachine(driver, decider, logger, opts)

	result, err := m.Run(context.Background(), agent.Task{Instructions: "t"})
	require.NoError(t, err)
	assert.Equal(t, []schemas.Primitive{schemas.PrimitiveFill}, driver.executed())
	assert.Len(t, result.History[0].Actions, 1)
	assert.Equal(t, 1, logs.FilterMessage("Decision trimmed").Len())
	assert.Equal(t, agent.ModeSingle, decider.requests[0].Mode)
}

func TestStepMachine_MaxActionsPerStepTruncates(t *testing.T) {
	driver := newFakeDriver(pageNodes(t, loginPage))
	actions := make([]agent.DecidedAction, 0, 4)
	for i := 0; i < 4; i++ {
		actions = append(actions, fillAction(t, "I0", fmt.Sprint(i)))
	}
	decider := &scriptedDecider{script: []func(agent.DecisionRequest) (*agent.ActionDecision, error){
		decide(&agent.ActionDecision{Actions: actions}),
		complete(`{}`),
	}}
	opts := testOptions()
	opts.MaxActionsPerStep = 2
	m := agent.NewStepMachine(driver, decider, zaptest.NewLogger(t), opts)

	_, err := m.Run(context.Background(), agent.Task{Instructions: "t"})
	require.NoError(t, err)
	assert.Len(t, driver.executed(), 2)
}

func TestStepMachine_ActionAfterTerminalBeyondCapIsRejected(t *testing.T) {
	driver := newFakeDriver(pageNodes(t, loginPage))
	decider := &scriptedDecider{script: []func(agent.DecisionRequest) (*agent.ActionDecision, error){
		decide(&agent.ActionDecision{Actions: []agent.DecidedAction{
			fillAction(t, "I0", "x"), fillAction(t, "I1", "y"), clickAction(t, "L0"), fillAction(t, "I0", "z"),
		}}),
		complete(`{}`),
	}}
	opts := testOptions()
	opts.MaxActionsPerStep = 3
	m := agent.NewStepMachine(driver, decider, zaptest.NewLogger(t), opts)

	result, err := m.Run(context.Background(), agent.Task{Instructions: "t"})
	require.NoError(t, err)
	assert.Empty(t, driver.executed())
	assert.Equal(t, agent.ErrCodeInvalidDecision, result.History[0].FeedbackCode)
	assert.Contains(t, result.History[0].Feedback, "must be the last action")
}

func TestStepMachine_InvalidResponseIsFedBack(t *testing.T) {
	driver := newFakeDriver(pageNodes(t, loginPage))
	decider := &scriptedDecider{script: []func(agent.DecisionRequest) (*agent.ActionDecision, error){
		func(agent.DecisionRequest) (*agent.ActionDecision, error) {
			return agent.DecodeDecision("I think I should click the button")
		},
		complete(`{}`),
	}}
	m := agent.NewStepMachine(driver, decider, zaptest.NewLogger(t), testOptions())

	_, err := m.Run(context.Background(), agent.Task{Instructions: "t"})
	require.NoError(t, err)
	assert.Equal(t, agent.ErrCodeInvalidDecision, decider.requests[1].History[0].FeedbackCode)
}

func TestStepMachine_DecisionTimeoutSurfaces(t *testing.T) {
	driver := newFakeDriver(pageNodes(t, loginPage))
	decider := agent.DecisionFunc(func(context.Context, agent.DecisionRequest) (*agent.ActionDecision, error) {
		return nil, &agent.Error{Code: agent.ErrCodeDecisionTimeout, Message: "no decision within 1s", Err: context.DeadlineExceeded}
	})
	m := agent.NewStepMachine(driver, decider, zaptest.NewLogger(t), testOptions())

	_, err := m.Run(context.Background(), agent.Task{Instructions: "t"})
	te := requireTaskError(t, err, agent.ErrCodeDecisionTimeout)
	assert.True(t, te.Retryable())
}

func TestStepMachine_PanicIsRecovered(t *testing.T) {
	driver := newFakeDriver(pageNodes(t, loginPage))
	decider := agent.DecisionFunc(func(context.Context, agent.DecisionRequest) (*agent.ActionDecision, error) {
		panic("decider exploded")
	})
	logger, logs := observedLogger()
	m := agent.NewStepMachine(driver, decider, logger, testOptions())

	result, err := m.Run(context.Background(), agent.Task{Instructions: "t"})
	requireTaskError(t, err, agent.ErrCodeStepPanic)
	assert.Equal(t, agent.StateTaskFailed, result.State)
	assert.Equal(t, agent.StateTaskFailed, m.State())
	assert.Equal(t, 1, logs.FilterMessage("Panic recovered during step").Len())
}

func TestStepMachine_CancelledContext(t *testing.T) {
	driver := newFakeDriver(pageNodes(t, loginPage))
	decider := &scriptedDecider{}
	m := agent.NewStepMachine(driver, decider, zaptest.NewLogger(t), testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Run(ctx, agent.Task{Instructions: "t"})
	requireTaskError(t, err, agent.ErrCodeCancelled)
	assert.Empty(t, decider.requests)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestStepMachine_IsSingleUse(t *testing.T) {
	driver := newFakeDriver(pageNodes(t, loginPage))
	decider := &scriptedDecider{script: []func(agent.DecisionRequest) (*agent.ActionDecision, error){complete(`{}`)}}
	m := agent.NewStepMachine(driver, decider, zaptest.NewLogger(t), testOptions())

	_, err := m.Run(context.Background(), agent.Task{Instructions: "t"})
	require.NoError(t, err)
	_, err = m.Run(context.Background(), agent.Task{Instructions: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already run")
}

func TestStepMachine_JournalsStepsAndOutcome(t *testing.T) {
	driver := newFakeDriver(pageNodes(t, loginPage))
	decider := &scriptedDecider{script: []func(agent.DecisionRequest) (*agent.ActionDecision, error){
		decide(&agent.ActionDecision{Actions: []agent.DecidedAction{fillAction(t, "I0", "x")}}),
		complete(`{}`),
	}}
	sink := new(mocks.MockStepSink)
	sink.On("RecordStep", mock.Anything, "task-j", mock.AnythingOfType("agent.StepRecord")).Return(errors.New("db down"))
	sink.On("RecordOutcome", mock.Anything, mock.MatchedBy(func(r *agent.TaskResult) bool {
		return r.Success && r.TaskID == "task-j"
	})).Return(nil)

	m := agent.NewStepMachine(driver, decider, zaptest.NewLogger(t), testOptions(), agent.WithSink(sink))
	result, err := m.Run(context.Background(), agent.Task{ID: "task-j", Instructions: "t"})
	require.NoError(t, err, "journal failures never fail the task")
	assert.True(t, result.Success)

	sink.AssertNumberOfCalls(t, "RecordStep", 2)
	sink.AssertNumberOfCalls(t, "RecordOutcome", 1)
}

func TestStepMachine_AssignsTaskID(t *testing.T) {
	driver := newFakeDriver(pageNodes(t, loginPage))
	decider := &scriptedDecider{script: []func(agent.DecisionRequest) (*agent.ActionDecision, error){complete(`{}`)}}
	m := agent.NewStepMachine(driver, decider, zaptest.NewLogger(t), testOptions())

	result, err := m.Run(context.Background(), agent.Task{Instructions: "t"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.TaskID)
	assert.Equal(t, result.TaskID, decider.requests[0].TaskID)
}

func TestStepMachine_HistoryIsAppendOnly(t *testing.T) {
	driver := newFakeDriver(pageNodes(t, loginPage))
	wait := decide(&agent.ActionDecision{Actions: []agent.DecidedAction{{Name: agent.ActionWait}}})
	decider := &scriptedDecider{script: []func(agent.DecisionRequest) (*agent.ActionDecision, error){
		wait, wait, complete(`{}`),
	}}
	m := agent.NewStepMachine(driver, decider, zaptest.NewLogger(t), testOptions())

	result, err := m.Run(context.Background(), agent.Task{Instructions: "t"})
	require.NoError(t, err)

	// Each request saw exactly the records that existed before it.
	for i, req := range decider.requests {
		require.Len(t, req.History, i)
		if diff := cmp.Diff(result.History[:i], req.History, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("history seen on turn %d diverges (-final +seen):\n%s", i, diff)
		}
	}
}
