// File: internal/mocks/mocks.go

// Package mocks holds testify mocks for the interfaces that cross package
// boundaries.
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/extraction"
)

// -- LLM Client Mock --

// MockLLMClient mocks the schemas.LLMClient interface.
type MockLLMClient struct {
	mock.Mock
}

// Generate provides a mock function for LLM calls.
func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// Close provides a mock function for closing the client.
func (m *MockLLMClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

// -- Browser Driver Mock --

// MockBrowserDriver mocks the schemas.BrowserDriver interface.
type MockBrowserDriver struct {
	mock.Mock
}

func (m *MockBrowserDriver) Snapshot(ctx context.Context) ([]schemas.Node, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Node), args.Error(1)
}

func (m *MockBrowserDriver) Execute(ctx context.Context, cmd schemas.DriverCommand) (schemas.DriverOutcome, error) {
	args := m.Called(ctx, cmd)
	return args.Get(0).(schemas.DriverOutcome), args.Error(1)
}

func (m *MockBrowserDriver) WaitStable(ctx context.Context, timeout time.Duration) error {
	args := m.Called(ctx, timeout)
	return args.Error(0)
}

// -- Agent Collaborator Mocks --

// MockDecisionFunction mocks agent.DecisionFunction.
type MockDecisionFunction struct {
	mock.Mock
}

func (m *MockDecisionFunction) Decide(ctx context.Context, req agent.DecisionRequest) (*agent.ActionDecision, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*agent.ActionDecision), args.Error(1)
}

// MockStepSink mocks agent.StepSink.
type MockStepSink struct {
	mock.Mock
}

func (m *MockStepSink) RecordStep(ctx context.Context, taskID string, rec agent.StepRecord) error {
	args := m.Called(ctx, taskID, rec)
	return args.Error(0)
}

func (m *MockStepSink) RecordOutcome(ctx context.Context, result *agent.TaskResult) error {
	args := m.Called(ctx, result)
	return args.Error(0)
}

// MockExtractor mocks agent.Extractor.
type MockExtractor struct {
	mock.Mock
}

func (m *MockExtractor) Extract(ctx context.Context, req extraction.Request) (*extraction.StructuredData, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*extraction.StructuredData), args.Error(1)
}

var (
	_ schemas.LLMClient      = (*MockLLMClient)(nil)
	_ schemas.BrowserDriver  = (*MockBrowserDriver)(nil)
	_ agent.DecisionFunction = (*MockDecisionFunction)(nil)
	_ agent.StepSink         = (*MockStepSink)(nil)
	_ agent.Extractor        = (*MockExtractor)(nil)
)
