package cmd

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/quatton/runbookgen/pkg/qlog"
	"github.com/quatton/runbookgen/pkg/qsdk"
)

type contextKey string

const configContextKey contextKey = "runbookconfig"

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "runbookctl",
		Short: "CLI for generating runbooks through a runbookd server",
		Long: `runbookctl submits runbook generation runs to a runbookd server,
follows them until they settle and prints the generated document.
Use submit to start a run, status and fetch to inspect an earlier one,
latest to read the most recent runbook and token to manage credentials.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := qsdk.LoadConfig(cfgFile)
			if err != nil {
				return err
			}

			v := cfg.Viper()
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			// Flag names are kebab-case, config keys are camelCase.
			if f := cmd.Flags().Lookup("base-url"); f != nil && f.Changed {
				v.Set(qsdk.BaseUrlKey, f.Value.String())
			}
			if f := cmd.Flags().Lookup("model"); f != nil && f.Changed {
				v.Set(qsdk.ModelKey, f.Value.String())
			}
			if err := cfg.Reload(); err != nil {
				return err
			}

			ctx := context.WithValue(cmd.Context(), configContextKey, cfg)
			cmd.SetContext(ctx)

			return nil
		},
	}
)

// GetConfig retrieves the Config from the command context
func GetConfig(cmd *cobra.Command) (*qsdk.Config, error) {
	ctx := cmd.Context()
	cfg, ok := ctx.Value(configContextKey).(*qsdk.Config)
	if !ok {
		return nil, errors.New("no config in context")
	}
	return cfg, nil
}

// newLogger honours the logLevel key; an invalid value falls back to info.
func newLogger(cfg *qsdk.Config) *qlog.Logger {
	level, err := qlog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return qlog.NewDefault()
	}
	return qlog.NewLogger(level, os.Stderr)
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML). Searches: runbook.yaml, .runbook.yaml, .runbook/config.yaml")
	rootCmd.PersistentFlags().String("base-url", "", "Base URL of the runbookd server (overrides config)")
}
