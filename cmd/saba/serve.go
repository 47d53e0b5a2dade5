package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kawaiiTaiga/project-SABA-sub000/internal/config"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge with the tool surface over SSE",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			logger := newLogger()

			a, err := buildApp(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.start(ctx); err != nil {
				return err
			}
			defer a.close()

			errCh := make(chan error, 1)
			if cfg.MCP.Port > 0 {
				addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.MCP.Port)
				go func() {
					errCh <- a.mcp.ServeSSE(ctx, addr)
				}()
				logger.Info("mcp sse listening", "addr", addr)
			}
			logger.Info("bridge running",
				"broker", cfg.Broker.Enabled,
				"stream", cfg.Stream.Enabled,
				"reflex", cfg.Reflex.Enabled)

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				return nil
			case err := <-errCh:
				return err
			}
		},
	}
}
