// -- cmd/run.go --
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/browser"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/extraction"
	"github.com/xkilldash9x/webpilot/internal/llmclient"
	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// closableDriver is a driver whose browser must be shut down after use.
type closableDriver interface {
	schemas.BrowserDriver
	Close() error
}

// Injection points for tests.
var (
	newLLMClient = llmclient.NewClient
	newDriver    = func(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (closableDriver, error) {
		d, err := browser.NewDriver(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	openJournal = func(ctx context.Context, dsn string, logger *zap.Logger) (journal, func(), error) {
		j, closeFn, err := store.Open(ctx, dsn, logger)
		if err != nil {
			return nil, nil, err
		}
		return j, closeFn, nil
	}
)

// journal is the part of the step journal the commands use.
type journal interface {
	agent.StepSink
	StepsForTask(ctx context.Context, taskID string) ([]agent.StepRecord, error)
}

type runFlags struct {
	url        string
	mode       string
	maxSteps   int
	headless   bool
	schemaFile string
	output     string
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <task> [task...]",
		Short: "Runs one or more tasks, each in its own browser",
		Long: `Runs each task argument as an independent step machine. Tasks share the
start URL and completion schema, and run up to agent.concurrency at a time.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTasks(cmd, opts.cfg, flags, args)
		},
	}
	cmd.Flags().StringVarP(&flags.url, "url", "u", "", "start URL loaded before the first step")
	cmd.Flags().StringVarP(&flags.mode, "mode", "m", "", "agent mode: single or multi (overrides agent.mode)")
	cmd.Flags().IntVar(&flags.maxSteps, "max-steps", 0, "step budget per task (overrides agent.max_steps)")
	cmd.Flags().BoolVar(&flags.headless, "headless", true, "run the browser without a window")
	cmd.Flags().StringVar(&flags.schemaFile, "schema-file", "", "JSON schema or example document the completion payload must satisfy")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "text", "result format: text or json")
	return cmd
}

func runTasks(cmd *cobra.Command, cfg *config.Config, flags *runFlags, args []string) error {
	ctx := cmd.Context()
	logger := observability.GetLogger()

	if flags.mode != "" {
		cfg.SetAgentMode(flags.mode)
	}
	if flags.maxSteps > 0 {
		cfg.SetAgentMaxSteps(flags.maxSteps)
	}
	if cmd.Flags().Changed("headless") {
		cfg.SetBrowserHeadless(flags.headless)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if flags.output != "text" && flags.output != "json" {
		return fmt.Errorf("unsupported output format %q: use text or json", flags.output)
	}

	var validator agent.CompletionValidator
	if flags.schemaFile != "" {
		v, err := loadValidator(flags.schemaFile)
		if err != nil {
			return err
		}
		validator = v
	}

	agentCfg, browserCfg := cfg.Agent(), cfg.Browser()
	client, err := newLLMClient(ctx, agentCfg.LLM, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close LLM client", zap.Error(err))
		}
	}()

	var sink agent.StepSink
	if cfg.Journal().Enabled {
		j, closeJournal, err := openJournal(ctx, cfg.Journal().DSN, logger)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer closeJournal()
		sink = j
	}

	registry := agent.DefaultRegistry()
	decider := agent.NewLLMDecider(client, registry, logger, agentCfg.DecisionTimeout)
	scraper := extraction.NewScraper(client, logger, agentCfg.ExtractionTimeout)
	machineOpts := agent.OptionsFromConfig(agentCfg, browserCfg)

	factory := func(ctx context.Context, task agent.Task) (*agent.StepMachine, func(), error) {
		taskLogger := logger.With(zap.String("task_id", task.ID))
		driver, err := newDriver(ctx, browserCfg, taskLogger)
		if err != nil {
			return nil, nil, err
		}
		options := []agent.MachineOption{agent.WithRegistry(registry), agent.WithExtractor(scraper)}
		if sink != nil {
			options = append(options, agent.WithSink(sink))
		}
		cleanup := func() {
			if err := driver.Close(); err != nil {
				taskLogger.Warn("Failed to close browser", zap.Error(err))
			}
		}
		return agent.NewStepMachine(driver, decider, taskLogger, machineOpts, options...), cleanup, nil
	}

	tasks := make([]agent.Task, len(args))
	for i, instructions := range args {
		tasks[i] = agent.Task{
			ID:           uuid.NewString(),
			Instructions: instructions,
			StartURL:     flags.url,
			Validator:    validator,
		}
	}

	logger.Info("Running tasks", zap.Int("count", len(tasks)), zap.Int("concurrency", agentCfg.Concurrency), zap.String("mode", agentCfg.Mode))
	results, err := agent.RunBatch(ctx, tasks, agentCfg.Concurrency, factory, logger)
	if err != nil {
		return err
	}
	if err := writeResults(cmd.OutOrStdout(), results, flags.output); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	failed := 0
	for _, r := range results {
		if r == nil || !r.Success {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, len(results))
	}
	return nil
}

// loadValidator compiles the completion schema from a file holding a JSON
// schema or an example document.
func loadValidator(path string) (*extraction.Validator, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand schema path: %w", err)
	}
	hint, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	schema, err := extraction.CompileHint(hint)
	if err != nil {
		return nil, fmt.Errorf("invalid completion schema: %w", err)
	}
	return extraction.NewValidator(schema)
}

func writeResults(w io.Writer, results []*agent.TaskResult, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	for _, r := range results {
		if r == nil {
			continue
		}
		status := "succeeded"
		if !r.Success {
			status = "failed"
		}
		fmt.Fprintf(w, "task %s %s after %d steps (%s)\n", r.TaskID, status, len(r.History), r.Duration.Round(time.Millisecond))
		if r.Code != "" {
			fmt.Fprintf(w, "  code: %s\n", r.Code)
		}
		if r.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", r.Error)
		}
		if len(r.Payload) > 0 {
			fmt.Fprintf(w, "  payload: %s\n", strings.TrimSpace(string(r.Payload)))
		}
	}
	return nil
}
