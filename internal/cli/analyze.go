package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kubilitics/exchange-agent/internal/models"
)

type analyzeOptions struct {
	output   string
	services []string
	nodes    []string
	timeout  time.Duration
	logLevel string
}

func newAnalyzeCmd(a *app) *cobra.Command {
	opts := analyzeOptions{}
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Collect once from every entity and print one analysis",
		Long:  "analyze fetches the current metrics of every configured entity (plus any given with --service/--node), runs one analysis pass and prints the reports. No actions are executed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case "table", "json", "yaml":
			default:
				return fmt.Errorf("unsupported --output %q (supported: table, json, yaml)", opts.output)
			}
			return a.analyze(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", "table", "output format: table|json|yaml")
	cmd.Flags().StringSliceVar(&opts.services, "service", nil, "additional service id to analyze (repeatable)")
	cmd.Flags().StringSliceVar(&opts.nodes, "node", nil, "additional node id to analyze (repeatable)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", time.Minute, "overall collection timeout")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "warn", "log level for diagnostics on stderr")
	return cmd
}

func (a *app) analyze(ctx context.Context, opts analyzeOptions) error {
	_, cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	cfg.Entities.Services = appendUnique(cfg.Entities.Services, opts.services...)
	cfg.Entities.Nodes = appendUnique(cfg.Entities.Nodes, opts.nodes...)
	targets := cfg.TrackedEntities()
	if len(targets) == 0 {
		return fmt.Errorf("no entities to analyze: configure entities or pass --service/--node")
	}

	c, err := build(cfg, buildOptions{logOutput: a.stderr, logLevel: opts.logLevel, noAudit: true})
	if err != nil {
		return err
	}
	defer c.Close()

	collectCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	stored, err := c.collector.CollectOnce(collectCtx, targets)
	if err != nil {
		fmt.Fprintf(a.stderr, "warning: collection incomplete (%d/%d entities): %v\n", stored, len(targets), err)
	}

	analysis := c.agent.Analyze(ctx)
	return render(a.stdout, opts.output, analysis)
}

// render writes the analysis in the requested format.
func render(w io.Writer, format string, analysis *models.Analysis) error {
	switch format {
	case "json":
		return writeJSON(w, analysis)
	case "yaml":
		return writeYAML(w, analysis)
	default:
		_, err := fmt.Fprint(w, renderTable(analysis))
		return err
	}
}

func appendUnique(ids []string, more ...string) []string {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, id := range more {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}
