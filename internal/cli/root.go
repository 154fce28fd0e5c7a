// Package cli implements the exchange-agent command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kubilitics/exchange-agent/internal/config"
	"github.com/kubilitics/exchange-agent/internal/server"
)

type app struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

// NewRootCommand returns the exchange-agent command tree. Running it without
// a subcommand starts the server.
func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdout, os.Stderr)
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{stdout: out, stderr: errOut}

	serve := newServeCmd(a)
	cmd := &cobra.Command{
		Use:           "exchange-agent",
		Short:         "Fleet metrics analysis and remediation agent",
		Long:          "exchange-agent polls service and node metrics from the fleet API, detects trends, anomalies and threshold violations, classifies health and executes corrective actions.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       server.Version,
		RunE:          serve.RunE,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", fmt.Sprintf("path to the config file (default %s)", config.DefaultConfigPath))

	cmd.AddCommand(
		serve,
		newAnalyzeCmd(a),
		newValidateCmd(a),
	)
	return cmd
}

// loadConfig loads and validates the configuration.
func (a *app) loadConfig(ctx context.Context) (config.ConfigManager, *config.Config, error) {
	mgr, err := config.NewConfigManager(a.configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, nil, err
	}
	return mgr, mgr.Get(ctx), nil
}
