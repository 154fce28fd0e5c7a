package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/exchange-agent/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent: collect, analyze and serve the API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	mgr, cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}

	c, err := build(cfg, buildOptions{logOutput: a.stderr, withHub: true})
	if err != nil {
		return err
	}
	defer c.Close()

	srv, err := server.NewServer(cfg, server.Deps{
		Agent:         c.agent,
		Store:         c.store,
		Collector:     c.collector,
		Hub:           c.hub,
		ConfigManager: mgr,
		Audit:         c.audit,
		Logger:        c.logger,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	c.logger.Info("received shutdown signal")
	if err := srv.Stop(); err != nil {
		c.logger.Error("error stopping server", zap.Error(err))
		return err
	}
	c.logger.Info("shutdown complete")
	return nil
}
