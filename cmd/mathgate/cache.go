package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pario-ai/mathgate/pkg/fingerprint"
	"github.com/pario-ai/mathgate/pkg/models"
	"github.com/pario-ai/mathgate/pkg/service"
)

func newCacheCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the result cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics after loading the persistent store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(g, func(ctx context.Context, svc *service.Service) error {
				fmt.Print(formatCacheStats(svc.Stats()))
				return nil
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached result, including persisted ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(g, func(ctx context.Context, svc *service.Service) error {
				n := svc.InvalidateAll(ctx)
				fmt.Printf("Removed %d cached results.\n", n)
				return nil
			})
		},
	}

	invalidateCmd := &cobra.Command{
		Use:   "invalidate <fingerprint>",
		Short: "Remove one cached result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := fingerprint.Parse(args[0])
			if err != nil {
				return err
			}
			return withService(g, func(ctx context.Context, svc *service.Service) error {
				if !svc.Invalidate(ctx, fp) {
					fmt.Printf("No cached result for %s.\n", fp.Short())
					return nil
				}
				fmt.Printf("Removed %s.\n", fp.Short())
				return nil
			})
		},
	}

	cmd.AddCommand(statsCmd, clearCmd, invalidateCmd)
	return cmd
}

// withService starts a short-lived service for one administrative command.
func withService(g *globalFlags, fn func(ctx context.Context, svc *service.Service) error) error {
	cfg, log, err := g.load()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	cfg.Cache.SweepInterval = 0

	ctx := context.Background()
	svc, err := service.Run(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()
	return fn(ctx, svc)
}

func formatCacheStats(s models.CacheStats) string {
	return fmt.Sprintf("Entries:     %d / %d\nHits:        %d\nMisses:      %d\nHit rate:    %.1f%%\nEvictions:   %d\nExpirations: %d\n",
		s.CurrentSize, s.MaxSize, s.Hits, s.Misses, s.HitRate*100, s.Evictions, s.Expirations)
}
