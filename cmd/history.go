package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/observability"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "history <task-id>",
		Short: "Prints the journaled steps of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			journalCfg := opts.cfg.Journal()
			if !journalCfg.Enabled {
				return fmt.Errorf("the journal is disabled; set journal.enabled and journal.dsn")
			}

			j, closeJournal, err := openJournal(cmd.Context(), journalCfg.DSN, observability.GetLogger())
			if err != nil {
				return fmt.Errorf("failed to open journal: %w", err)
			}
			defer closeJournal()

			steps, err := j.StepsForTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(steps) == 0 {
				return fmt.Errorf("no steps recorded for task %s", args[0])
			}
			return writeSteps(cmd.OutOrStdout(), steps, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "format: text or json")
	return cmd
}

func writeSteps(w io.Writer, steps []agent.StepRecord, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(steps)
	case "text":
	default:
		return fmt.Errorf("unsupported output format %q: use text or json", format)
	}

	for _, step := range steps {
		fmt.Fprintf(w, "step %d [%s] %s\n", step.Index, step.ActionSpaceHash, step.StartedAt.Format("15:04:05"))
		if step.Feedback != "" {
			fmt.Fprintf(w, "  rejected (%s): %s\n", step.FeedbackCode, step.Feedback)
		}
		for i, a := range step.Actions {
			line := "  " + a.String()
			if i < len(step.Results) {
				res := step.Results[i]
				line += " -> " + string(res.Status)
				if res.Error != "" {
					line += ": " + res.Error
				}
			}
			fmt.Fprintln(w, line)
		}
		if step.Interrupted {
			fmt.Fprintln(w, "  (sequence interrupted by a page change)")
		}
	}
	return nil
}
