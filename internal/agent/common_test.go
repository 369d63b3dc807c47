package agent_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/perception"
)

const loginPage = `<html><body>
	<form name="login">
		<input name="email" placeholder="Email">
		<input type="password" name="pw">
		<button type="submit">Sign in</button>
	</form>
	<a href="/help">Help</a>
</body></html>`

const welcomePage = `<html><body>
	<h1>Welcome back</h1>
	<a href="/logout">Log out</a>
</body></html>`

func pageNodes(t *testing.T, doc string) []schemas.Node {
	t.Helper()
	nodes, err := perception.ParseHTML(strings.NewReader(doc))
	require.NoError(t, err)
	return nodes
}

func eid(t *testing.T, s string) *schemas.ElementID {
	t.Helper()
	id, err := schemas.ParseElementID(s)
	require.NoError(t, err)
	return &id
}

// fakeDriver serves scripted snapshots and records every command.
type fakeDriver struct {
	mu        sync.Mutex
	pages     [][]schemas.Node
	snapshots int
	waits     int
	commands  []schemas.DriverCommand
	// outcome decides the result of each Execute; nil means unchanged success.
	outcome func(n int, cmd schemas.DriverCommand) (schemas.DriverOutcome, error)
}

func newFakeDriver(pages ...[]schemas.Node) *fakeDriver {
	return &fakeDriver{pages: pages}
}

// Snapshot returns the pages in order and repeats the last one.
func (d *fakeDriver) Snapshot(ctx context.Context) ([]schemas.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.snapshots
	if i >= len(d.pages) {
		i = len(d.pages) - 1
	}
	d.snapshots++
	if i < 0 {
		return nil, nil
	}
	return d.pages[i], nil
}

func (d *fakeDriver) Execute(ctx context.Context, cmd schemas.DriverCommand) (schemas.DriverOutcome, error) {
	d.mu.Lock()
	n := len(d.commands)
	d.commands = append(d.commands, cmd)
	outcome := d.outcome
	d.mu.Unlock()
	if outcome == nil {
		return schemas.DriverOutcome{}, nil
	}
	return outcome(n, cmd)
}

func (d *fakeDriver) WaitStable(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.waits++
	return nil
}

func (d *fakeDriver) executed() []schemas.Primitive {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]schemas.Primitive, 0, len(d.commands))
	for _, c := range d.commands {
		out = append(out, c.Primitive)
	}
	return out
}

// scriptedDecider replays decisions in order and records each request.
type scriptedDecider struct {
	mu        sync.Mutex
	script    []func(req agent.DecisionRequest) (*agent.ActionDecision, error)
	requests  []agent.DecisionRequest
	exhausted func(req agent.DecisionRequest) (*agent.ActionDecision, error)
}

func (s *scriptedDecider) Decide(ctx context.Context, req agent.DecisionRequest) (*agent.ActionDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.requests)
	s.requests = append(s.requests, req)
	if i < len(s.script) {
		return s.script[i](req)
	}
	if s.exhausted != nil {
		return s.exhausted(req)
	}
	return nil, context.Canceled
}

func decide(d *agent.ActionDecision) func(agent.DecisionRequest) (*agent.ActionDecision, error) {
	return func(agent.DecisionRequest) (*agent.ActionDecision, error) { return d, nil }
}

func complete(payload string) func(agent.DecisionRequest) (*agent.ActionDecision, error) {
	return decide(&agent.ActionDecision{Completion: true, Memory: "done", CompletionPayload: []byte(payload)})
}

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

func testOptions() agent.Options {
	opts := agent.DefaultOptions()
	opts.StableTimeout = time.Millisecond
	return opts
}
