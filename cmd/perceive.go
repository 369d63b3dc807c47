// -- cmd/perceive.go --
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/perception"
)

type perceiveFlags struct {
	output    string
	textLimit int
}

func newPerceiveCmd(opts *rootOptions) *cobra.Command {
	flags := &perceiveFlags{}
	cmd := &cobra.Command{
		Use:   "perceive <url|file.html>",
		Short: "Prints the action space the model would see for a page",
		Long: `Loads a page in the browser, or parses a saved HTML file, and prints the
compiled action space. Saved files carry no layout, so every element counts
as visible.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.output != "text" && flags.output != "json" {
				return fmt.Errorf("unsupported output format %q: use text or json", flags.output)
			}
			nodes, err := loadNodes(cmd.Context(), opts.cfg.Browser(), args[0])
			if err != nil {
				return err
			}

			textLimit := opts.cfg.Agent().TextLimit
			if flags.textLimit > 0 {
				textLimit = flags.textLimit
			}
			space := perception.Compile(nodes, perception.Options{TextLimit: textLimit})
			return writeSpace(cmd, space, flags.output)
		},
	}
	cmd.Flags().StringVarP(&flags.output, "output", "o", "text", "format: text or json")
	cmd.Flags().IntVar(&flags.textLimit, "text-limit", 0, "runes of text kept per element (overrides agent.text_limit)")
	return cmd
}

// loadNodes snapshots a live page or parses a local file.
func loadNodes(ctx context.Context, browserCfg config.BrowserConfig, target string) ([]schemas.Node, error) {
	if !strings.Contains(target, "://") {
		path, err := homedir.Expand(target)
		if err != nil {
			return nil, fmt.Errorf("failed to expand path: %w", err)
		}
		if f, err := os.Open(path); err == nil {
			defer f.Close()
			return perception.ParseHTML(f)
		}
	}

	logger := observability.GetLogger()
	driver, err := newDriver(ctx, browserCfg, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := driver.Close(); err != nil {
			logger.Warn("Failed to close browser", zap.Error(err))
		}
	}()

	if _, err := driver.Execute(ctx, schemas.DriverCommand{
		Primitive: schemas.PrimitiveNavigate,
		Params:    map[string]interface{}{"url": target},
	}); err != nil {
		return nil, err
	}
	if err := driver.WaitStable(ctx, browserCfg.StableTimeout); err != nil {
		return nil, err
	}
	return driver.Snapshot(ctx)
}

func writeSpace(cmd *cobra.Command, space *schemas.ActionSpace, format string) error {
	out := cmd.OutOrStdout()
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(space)
	}
	rendered := perception.Render(space)
	if rendered == "" {
		fmt.Fprintln(cmd.ErrOrStderr(), "The page has no visible elements.")
		return nil
	}
	_, err := fmt.Fprintln(out, rendered)
	return err
}
