package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pario-ai/mathgate/pkg/service"
)

func newRouteCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "route <confidence> <uncertainty>",
		Short: "Show the routing decision for a pair of scores",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := strconv.ParseFloat(args[0], 32)
			if err != nil {
				return fmt.Errorf("confidence: %w", err)
			}
			unc, err := strconv.ParseFloat(args[1], 32)
			if err != nil {
				return fmt.Errorf("uncertainty: %w", err)
			}
			return withService(g, func(_ context.Context, svc *service.Service) error {
				d := svc.Route(float32(conf), float32(unc))
				tier := "powerful"
				if d.UseLightweight {
					tier = "lightweight"
				}
				fmt.Printf("Tier:        %s\nConfidence:  %.4f\nUncertainty: %.4f\nBreaker:     %s\n",
					tier, d.Confidence, d.Uncertainty, svc.BreakerState())
				return nil
			})
		},
	}
}
