// -- cmd/root.go --

// Package cmd holds the webpilot command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/observability"
)

const envPrefix = "WEBPILOT"

// rootOptions is the state shared by one command tree.
type rootOptions struct {
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config
}

// NewRootCommand builds a fresh command tree. Each call is independent, so
// flags never leak between executions.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "webpilot",
		Short:         "webpilot drives a browser toward a goal with a language model.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.load(); err != nil {
				// Configuration errors still get logged somewhere readable.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "webpilot"})
				return err
			}
			observability.InitializeLogger(opts.cfg.Logger())
			observability.GetLogger().Debug("Starting webpilot", zap.String("version", Version), zap.String("command", cmd.Name()))
			return nil
		},
	}
	rootCmd.SetVersionTemplate(`{{printf "%s version %s\n" .Name .Version}}`)
	rootCmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newPerceiveCmd(opts),
		newSchemaCmd(opts),
		newHistoryCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command line under ctx. Errors are logged before they are
// returned; cancellation is not treated as a failure worth logging.
func Execute(ctx context.Context) error {
	defer observability.Sync()

	err := NewRootCommand().ExecuteContext(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	observability.GetLogger().Error("Command execution failed", zap.Error(err))
	return err
}

// load reads the config file and environment into a validated Config.
func (o *rootOptions) load() error {
	v := viper.New()
	config.SetDefaults(v)

	if o.cfgFile != "" {
		path, err := homedir.Expand(o.cfgFile)
		if err != nil {
			return fmt.Errorf("failed to expand config path: %w", err)
		}
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Only a missing default config file is fine; an explicit one must exist.
		var notFound viper.ConfigFileNotFoundError
		if o.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg, err := config.NewConfigFromViper(v)
	if err != nil {
		return err
	}
	o.v = v
	o.cfg = cfg
	return nil
}
