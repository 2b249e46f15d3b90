package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/mathgate/pkg/mcp"
	"github.com/pario-ai/mathgate/pkg/service"
)

func newMCPCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start mathgate as an MCP server on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := service.Run(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			// A nil *journal.Journal must not reach the interface.
			var decisions mcp.DecisionLog
			if j := svc.Journal(); j != nil {
				decisions = j
			}
			return mcp.New(svc, decisions, version, log.Named("mcp")).Run(ctx, os.Stdin, os.Stdout)
		},
	}
}
