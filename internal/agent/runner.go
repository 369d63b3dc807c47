// internal/agent/runner.go
package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MachineFactory builds the machine for one task. The returned cleanup, if
// any, runs once the task is finished.
type MachineFactory func(ctx context.Context, task Task) (*StepMachine, func(), error)

// RunBatch runs independent tasks, at most concurrency at a time, each on its
// own machine. Results are returned in task order. A task that fails is
// reported in its result; only a factory error aborts the batch.
func RunBatch(ctx context.Context, tasks []Task, concurrency int, factory MachineFactory, logger *zap.Logger) ([]*TaskResult, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	results := make([]*TaskResult, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, task := range tasks {
		if task.ID == "" {
			task.ID = uuidNewString()
		}
		g.Go(func() error {
			machine, cleanup, err := factory(gctx, task)
			if err != nil {
				return fmt.Errorf("failed to prepare task %s: %w", task.ID, err)
			}
			if cleanup != nil {
				defer cleanup()
			}

			result, err := machine.Run(gctx, task)
			if err != nil {
				logger.Warn("Task in batch failed", zap.String("task_id", task.ID), zap.String("code", string(CodeOf(err))))
			}
			results[i] = result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
