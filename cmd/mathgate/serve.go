package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pario-ai/mathgate/pkg/server"
	"github.com/pario-ai/mathgate/pkg/service"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if listen != "" {
				cfg.Listen = listen
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := service.Run(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("start service: %w", err)
			}
			defer func() {
				if err := svc.Close(); err != nil {
					log.Warn("close service", zap.Error(err))
				}
			}()

			log.Info("starting mathgate", zap.String("version", version), zap.String("config", g.configPath))
			return server.New(cfg, svc, log).ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override the listen address")
	return cmd
}
