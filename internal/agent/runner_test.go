package agent_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot/internal/agent"
)

func TestRunBatch(t *testing.T) {
	logger := zaptest.NewLogger(t)
	tasks := make([]agent.Task, 5)
	for i := range tasks {
		tasks[i] = agent.Task{ID: fmt.Sprintf("task-%d", i), Instructions: "t"}
	}

	nodes := pageNodes(t, loginPage)
	var inFlight, peak, cleanups atomic.Int32
	factory := func(ctx context.Context, task agent.Task) (*agent.StepMachine, func(), error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		driver := newFakeDriver(nodes)
		// Odd tasks give up so failures stay per task.
		var script func(agent.DecisionRequest) (*agent.ActionDecision, error)
		if task.ID == "task-1" || task.ID == "task-3" {
			script = decide(&agent.ActionDecision{Actions: []agent.DecidedAction{
				{Name: agent.ActionFail, Params: map[string]interface{}{"reason": "no"}},
			}})
		} else {
			script = complete(fmt.Sprintf(`{"id":%q}`, task.ID))
		}
		decider := &scriptedDecider{script: []func(agent.DecisionRequest) (*agent.ActionDecision, error){script}}
		m := agent.NewStepMachine(driver, decider, logger, testOptions())
		return m, func() {
			inFlight.Add(-1)
			cleanups.Add(1)
		}, nil
	}

	results, err := agent.RunBatch(context.Background(), tasks, 2, factory, logger)
	require.NoError(t, err)
	require.Len(t, results, 5)

	for i, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, tasks[i].ID, r.TaskID, "results keep task order")
		if i == 1 || i == 3 {
			assert.False(t, r.Success)
			assert.Equal(t, agent.ErrCodeAgentGaveUp, r.Code)
			continue
		}
		assert.True(t, r.Success)
		assert.JSONEq(t, fmt.Sprintf(`{"id":%q}`, tasks[i].ID), string(r.Payload))
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(5), cleanups.Load())
}

func TestRunBatch_FactoryErrorAbortsBatch(t *testing.T) {
	logger := zaptest.NewLogger(t)
	factory := func(ctx context.Context, task agent.Task) (*agent.StepMachine, func(), error) {
		return nil, nil, errors.New("browser failed to launch")
	}

	_, err := agent.RunBatch(context.Background(), []agent.Task{{Instructions: "t"}}, 1, factory, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browser failed to launch")
}
