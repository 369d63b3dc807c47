// internal/agent/machine.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/llmutil"
	"github.com/xkilldash9x/webpilot/internal/perception"
)

var uuidNewString = uuid.NewString

// Options bounds one task run.
type Options struct {
	Mode                   Mode
	MaxSteps               int
	MaxActionsPerStep      int
	MaxConsecutiveFailures int
	// MaxErrorLength caps fed-back error text, keeping the tail.
	MaxErrorLength    int
	EmptyPageMaxRetry int
	StableTimeout     time.Duration
	Perception        perception.Options
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Mode:                   ModeMulti,
		MaxSteps:               25,
		MaxActionsPerStep:      5,
		MaxConsecutiveFailures: 3,
		MaxErrorLength:         500,
		EmptyPageMaxRetry:      3,
		StableTimeout:          5 * time.Second,
		Perception:             perception.DefaultOptions(),
	}
}

// OptionsFromConfig maps the agent and browser sections onto Options.
func OptionsFromConfig(agentCfg config.AgentConfig, browserCfg config.BrowserConfig) Options {
	return Options{
		Mode:                   Mode(strings.ToLower(agentCfg.Mode)),
		MaxSteps:               agentCfg.MaxSteps,
		MaxActionsPerStep:      agentCfg.MaxActionsPerStep,
		MaxConsecutiveFailures: agentCfg.MaxConsecutiveFailures,
		MaxErrorLength:         agentCfg.MaxErrorLength,
		EmptyPageMaxRetry:      agentCfg.EmptyPageMaxRetry,
		StableTimeout:          browserCfg.StableTimeout,
		Perception:             perception.Options{TextLimit: agentCfg.TextLimit},
	}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.Mode != ModeSingle && o.Mode != ModeMulti {
		o.Mode = d.Mode
	}
	if o.MaxSteps <= 0 {
		o.MaxSteps = d.MaxSteps
	}
	if o.MaxActionsPerStep <= 0 {
		o.MaxActionsPerStep = d.MaxActionsPerStep
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	if o.EmptyPageMaxRetry < 0 {
		o.EmptyPageMaxRetry = 0
	}
	if o.StableTimeout <= 0 {
		o.StableTimeout = d.StableTimeout
	}
	return o
}

// StepSink receives every finished step and the final outcome. Sink errors
// are logged and never fail the task.
type StepSink interface {
	RecordStep(ctx context.Context, taskID string, rec StepRecord) error
	RecordOutcome(ctx context.Context, result *TaskResult) error
}

// MachineOption configures optional collaborators.
type MachineOption func(*StepMachine)

// WithRegistry replaces the default action vocabulary.
func WithRegistry(r *Registry) MachineOption {
	return func(m *StepMachine) { m.registry = r }
}

// WithExtractor enables the extract action.
func WithExtractor(e Extractor) MachineOption {
	return func(m *StepMachine) { m.extractor = e }
}

// WithSink journals steps and outcomes.
func WithSink(s StepSink) MachineOption {
	return func(m *StepMachine) { m.sink = s }
}

// StepMachine runs one task: perceive, decide, execute, repeat. A machine is
// single-use; concurrent tasks each get their own.
type StepMachine struct {
	driver    schemas.BrowserDriver
	decider   DecisionFunction
	registry  *Registry
	extractor Extractor
	sink      StepSink
	opts      Options
	logger    *zap.Logger

	mu      sync.RWMutex
	state   State
	started atomic.Bool
}

// NewStepMachine wires a machine to its driver and decision function.
func NewStepMachine(driver schemas.BrowserDriver, decider DecisionFunction, logger *zap.Logger, opts Options, options ...MachineOption) *StepMachine {
	m := &StepMachine{
		driver:   driver,
		decider:  decider,
		registry: DefaultRegistry(),
		opts:     opts.normalized(),
		logger:   logger.Named("step_machine"),
		state:    StateIdle,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// State returns the machine's current state.
func (m *StepMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// run holds the mutable state of one task.
type run struct {
	task     Task
	logger   *zap.Logger
	memory   string
	history  []StepRecord
	failures int
	step     int
	space    *schemas.ActionSpace
}

// Run drives task to a terminal state. A completed task returns a result and
// a nil error; every failure returns a result and a *TaskError.
func (m *StepMachine) Run(ctx context.Context, task Task) (result *TaskResult, err error) {
	if !m.started.CompareAndSwap(false, true) {
		return nil, errors.New("step machine has already run a task")
	}
	if task.ID == "" {
		task.ID = uuidNewString()
	}
	r := &run{task: task, logger: m.logger.With(zap.String("task_id", task.ID))}
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Panic recovered during step", zap.Any("panic_value", p), zap.Stack("stack"))
			result, err = m.fail(r, ErrCodeStepPanic, fmt.Errorf("panic during step %d: %v", r.step, p))
		}
		if result != nil {
			result.Duration = time.Since(start)
			m.recordOutcome(ctx, r, result)
		}
	}()

	r.logger.Info("Task started", zap.String("start_url", task.StartURL), zap.String("mode", string(m.opts.Mode)))
	return m.loop(ctx, r)
}

func (m *StepMachine) loop(ctx context.Context, r *run) (*TaskResult, error) {
	if r.task.StartURL != "" {
		if err := m.open(ctx, r); err != nil {
			return m.fail(r, codeOr(err, ErrCodeExecutionFailed), err)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return m.fail(r, ErrCodeCancelled, err)
		}
		if r.step >= m.opts.MaxSteps {
			return m.fail(r, ErrCodeStepBudgetExhausted, fmt.Errorf("no completion within %d steps", m.opts.MaxSteps))
		}

		// A rejected decision is retried against the same action space.
		if r.space == nil {
			m.updateState(StatePerceiving)
			space, err := m.perceive(ctx, r)
			if err != nil {
				return m.fail(r, codeOr(err, ErrCodeDriverUnavailable), err)
			}
			r.space = space
		}

		m.updateState(StateAwaitingDecision)
		rec := StepRecord{Index: r.step, ActionSpaceHash: r.space.Hash, StartedAt: time.Now().UTC()}
		decision, err := m.decider.Decide(ctx, m.request(r))
		r.step++
		if err == nil && decision == nil {
			err = newError(ErrCodeInvalidDecision, nil, "no decision was returned")
		}
		if err != nil {
			switch code := CodeOf(err); {
			case code == ErrCodeInvalidDecision:
				m.reject(ctx, r, rec, code, err)
				continue
			case code == ErrCodeDecisionTimeout:
				return m.fail(r, code, err)
			case ctx.Err() != nil:
				return m.fail(r, ErrCodeCancelled, err)
			}
			return m.fail(r, ErrCodeExecutionFailed, fmt.Errorf("decision function failed: %w", err))
		}
		r.memory = decision.Memory

		plan, err := m.registry.Validate(decision, m.opts.Mode, m.opts.MaxActionsPerStep)
		if err != nil {
			m.reject(ctx, r, rec, ErrCodeInvalidDecision, err)
			continue
		}
		for _, w := range plan.Warnings {
			r.logger.Warn("Decision trimmed", zap.Int("step", rec.Index), zap.String("reason", w))
		}

		if decision.Completion {
			if err := validateCompletion(r.task, decision.CompletionPayload); err != nil {
				m.reject(ctx, r, rec, ErrCodeValidationRejected, err)
				continue
			}
			rec.FinishedAt = time.Now().UTC()
			m.appendRecord(ctx, r, rec)
			m.updateState(StateTaskComplete)
			r.logger.Info("Task complete", zap.Int("steps", r.step))
			return &TaskResult{
				TaskID:  r.task.ID,
				State:   StateTaskComplete,
				Success: true,
				Payload: decision.CompletionPayload,
				Memory:  r.memory,
				History: r.history,
			}, nil
		}

		if err := ctx.Err(); err != nil {
			return m.fail(r, ErrCodeCancelled, err)
		}
		m.updateState(StateExecuting)
		rec.Actions = plan.Actions
		gaveUp, err := m.execute(ctx, r, plan, &rec)
		rec.FinishedAt = time.Now().UTC()
		m.appendRecord(ctx, r, rec)
		if err != nil {
			return m.fail(r, codeOr(err, ErrCodeExecutionFailed), err)
		}
		if gaveUp {
			return m.fail(r, ErrCodeAgentGaveUp, fmt.Errorf("agent gave up: %s", plan.GaveUp))
		}
		if res, ferr := m.countFailure(r, rec); res != nil {
			return res, ferr
		}

		if rec.Interrupted {
			m.updateState(StateInterrupted)
		} else {
			m.updateState(StateStepComplete)
		}
		r.space = nil
	}
}

// open loads the start URL before the first perception.
func (m *StepMachine) open(ctx context.Context, r *run) error {
	_, err := m.driver.Execute(ctx, schemas.DriverCommand{
		Primitive: schemas.PrimitiveNavigate,
		Params:    map[string]interface{}{"url": r.task.StartURL},
	})
	if err != nil {
		return driverError(err, ErrCodeExecutionFailed, "navigate to start url")
	}
	if err := m.driver.WaitStable(ctx, m.opts.StableTimeout); err != nil && errors.Is(err, schemas.ErrDriverUnavailable) {
		return driverError(err, ErrCodeDriverUnavailable, "wait for start page")
	}
	return nil
}

// perceive compiles a fresh action space. An empty page is retried after a
// stability wait, except on the very first step of a task with no start URL,
// where the page is blank by construction.
func (m *StepMachine) perceive(ctx context.Context, r *run) (*schemas.ActionSpace, error) {
	blankStart := r.task.StartURL == "" && len(r.history) == 0
	for attempt := 0; ; attempt++ {
		nodes, err := m.driver.Snapshot(ctx)
		if err != nil {
			return nil, driverError(err, ErrCodeDriverUnavailable, "snapshot")
		}
		space := perception.Compile(nodes, m.opts.Perception)
		if space.Ambiguous > 0 {
			r.logger.Debug("Role ties settled by priority",
				zap.String("code", string(ErrCodeClassificationAmbiguous)),
				zap.Int("count", space.Ambiguous))
		}
		if !space.IsEmpty() || blankStart {
			r.logger.Debug("Action space compiled", zap.Int("elements", space.Len()), zap.String("hash", space.Hash))
			return space, nil
		}
		if attempt >= m.opts.EmptyPageMaxRetry {
			r.logger.Warn("Page is still empty, continuing with an empty action space",
				zap.String("code", string(ErrCodeEmptySnapshot)),
				zap.Int("attempts", attempt+1))
			return space, nil
		}
		if err := m.driver.WaitStable(ctx, m.opts.StableTimeout); err != nil {
			if errors.Is(err, schemas.ErrDriverUnavailable) || ctx.Err() != nil {
				return nil, driverError(err, ErrCodeDriverUnavailable, "wait for stable page")
			}
			r.logger.Debug("Page did not settle before retrying snapshot", zap.Error(err))
		}
	}
}

// execute runs the plan in order against the turn's action space. It returns
// true when the plan reached the fail action. A returned error is an
// infrastructure failure that ends the task.
func (m *StepMachine) execute(ctx context.Context, r *run, plan *Plan, rec *StepRecord) (bool, error) {
	for i, a := range plan.Actions {
		if err := ctx.Err(); err != nil {
			rec.Results = append(rec.Results, discarded(plan.Actions[i:])...)
			return false, newError(ErrCodeCancelled, err, "cancelled before %s", a)
		}

		spec, _ := m.registry.Lookup(a.Name)
		if spec.Name == ActionFail {
			rec.Results = append(rec.Results, ActionResult{Action: a, Status: ActionSucceeded})
			return true, nil
		}

		var node *schemas.Node
		if a.Target != nil {
			n, ok := r.space.Lookup(*a.Target)
			if !ok {
				r.logger.Warn("Skipping action on an id absent from the action space",
					zap.Int("step", rec.Index), zap.String("action", a.Name), zap.Stringer("target", a.Target))
				rec.Results = append(rec.Results, ActionResult{
					Action: a,
					Status: ActionSkipped,
					Code:   ErrCodeStaleElementID,
					Error:  fmt.Sprintf("element %s does not exist in the current action space", a.Target),
				})
				continue
			}
			node = &n
		}

		out, err := spec.Handler(ctx, ActionContext{
			Driver:    m.driver,
			Extractor: m.extractor,
			Action:    a,
			Node:      node,
			Logger:    r.logger,
		})
		if err != nil {
			infra := driverFailure(err)
			if infra == "" && ctx.Err() != nil {
				infra = ErrCodeCancelled
			}
			if infra != "" {
				rec.Results = append(rec.Results, m.failed(a, infra, err))
				rec.Results = append(rec.Results, discarded(plan.Actions[i+1:])...)
				return false, newError(infra, err, "%s could not run", a)
			}
			r.logger.Warn("Action failed", zap.Int("step", rec.Index), zap.String("action", a.Name), zap.Error(err))
			rec.Results = append(rec.Results, m.failed(a, codeOr(err, ErrCodeExecutionFailed), err))
			rec.Results = append(rec.Results, discarded(plan.Actions[i+1:])...)
			return false, nil
		}

		r.logger.Info("Action executed",
			zap.String("task_id", r.task.ID),
			zap.Int("step", rec.Index),
			zap.String("action", a.Name),
			zap.String("target", targetString(a.Target)),
			zap.Bool("changed", out.Changed))
		rec.Results = append(rec.Results, ActionResult{Action: a, Status: ActionSucceeded, Changed: out.Changed, Data: out.Content})

		if out.Changed {
			rec.Interrupted = true
			rec.Results = append(rec.Results, discarded(plan.Actions[i+1:])...)
			return false, nil
		}
	}
	return false, nil
}

func (m *StepMachine) failed(a DecidedAction, code ErrorCode, err error) ActionResult {
	return ActionResult{
		Action: a,
		Status: ActionFailed,
		Code:   code,
		Error:  llmutil.TrimTail(feedbackText(err), m.opts.MaxErrorLength),
	}
}

func discarded(actions []DecidedAction) []ActionResult {
	out := make([]ActionResult, 0, len(actions))
	for _, a := range actions {
		out = append(out, ActionResult{Action: a, Status: ActionDiscarded})
	}
	return out
}

// reject records a turn whose decision will not run and feeds the reason back.
// Rejections leave the failure count alone; only the step budget bounds them.
func (m *StepMachine) reject(ctx context.Context, r *run, rec StepRecord, code ErrorCode, err error) {
	rec.Feedback = llmutil.TrimTail(feedbackText(err), m.opts.MaxErrorLength)
	rec.FeedbackCode = code
	rec.FinishedAt = time.Now().UTC()
	r.logger.Warn("Decision rejected", zap.Int("step", rec.Index), zap.String("code", string(code)), zap.Error(err))
	m.appendRecord(ctx, r, rec)
}

func (m *StepMachine) countFailure(r *run, rec StepRecord) (*TaskResult, error) {
	if !rec.Failed() {
		r.failures = 0
		return nil, nil
	}
	r.failures++
	if r.failures >= m.opts.MaxConsecutiveFailures {
		return m.fail(r, ErrCodeMaxConsecutiveFailures, fmt.Errorf("%d consecutive steps failed", r.failures))
	}
	return nil, nil
}

func (m *StepMachine) appendRecord(ctx context.Context, r *run, rec StepRecord) {
	r.history = append(r.history, rec)
	r.logger.Debug("Step recorded",
		zap.Int("step", rec.Index),
		zap.Int("actions", len(rec.Actions)),
		zap.Bool("interrupted", rec.Interrupted),
		zap.String("feedback_code", string(rec.FeedbackCode)))
	if m.sink == nil {
		return
	}
	if err := m.sink.RecordStep(context.WithoutCancel(ctx), r.task.ID, rec); err != nil {
		r.logger.Warn("Failed to journal step", zap.Int("step", rec.Index), zap.Error(err))
	}
}

func (m *StepMachine) recordOutcome(ctx context.Context, r *run, result *TaskResult) {
	if m.sink == nil {
		return
	}
	if err := m.sink.RecordOutcome(context.WithoutCancel(ctx), result); err != nil {
		r.logger.Warn("Failed to journal task outcome", zap.Error(err))
	}
}

func (m *StepMachine) fail(r *run, code ErrorCode, err error) (*TaskResult, error) {
	m.updateState(StateTaskFailed)
	r.logger.Error("Task failed", zap.String("code", string(code)), zap.Int("steps", r.step), zap.Error(err))
	te := &TaskError{TaskID: r.task.ID, Code: code, Memory: r.memory, History: r.history, Err: err}
	return &TaskResult{
		TaskID:  r.task.ID,
		State:   StateTaskFailed,
		Code:    code,
		Error:   err.Error(),
		Memory:  r.memory,
		History: r.history,
	}, te
}

func (m *StepMachine) request(r *run) DecisionRequest {
	return DecisionRequest{
		TaskID:           r.task.ID,
		Task:             r.task.Instructions,
		StartURL:         r.task.StartURL,
		ActionSpaceText:  r.space.Text,
		History:          append([]StepRecord(nil), r.history...),
		Memory:           r.memory,
		StepIndex:        r.step,
		MaxSteps:         m.opts.MaxSteps,
		AlmostOutOfSteps: r.step == m.opts.MaxSteps-1,
		Mode:             m.opts.Mode,
		MaxActions:       m.opts.MaxActionsPerStep,
	}
}

// updateState transitions the machine. Terminal states are never left.
func (m *StepMachine) updateState(newState State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == newState {
		return
	}
	if m.state.Terminal() {
		m.logger.Warn("Attempted to transition out of a terminal state. Ignoring.",
			zap.String("current_state", string(m.state)),
			zap.String("attempted_state", string(newState)))
		return
	}
	m.logger.Debug("Step machine state transition", zap.String("from", string(m.state)), zap.String("to", string(newState)))
	m.state = newState
}

func validateCompletion(task Task, payload jsoniter.RawMessage) error {
	if task.Validator == nil {
		return nil
	}
	return task.Validator.ValidateCompletion(payload)
}

// driverFailure classifies errors the machine cannot recover from locally.
func driverFailure(err error) ErrorCode {
	switch {
	case errors.Is(err, schemas.ErrDriverTimeout):
		return ErrCodeDriverTimeout
	case errors.Is(err, schemas.ErrDriverUnavailable):
		return ErrCodeDriverUnavailable
	}
	return ""
}

func driverError(err error, fallback ErrorCode, op string) error {
	code := driverFailure(err)
	if code == "" {
		code = fallback
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			code = ErrCodeCancelled
		}
	}
	return newError(code, err, "%s failed", op)
}

func codeOr(err error, fallback ErrorCode) ErrorCode {
	if code := CodeOf(err); code != "" {
		return code
	}
	return fallback
}

// feedbackText is the message shown to the model for err.
func feedbackText(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Message
	}
	return err.Error()
}

func targetString(id *schemas.ElementID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
