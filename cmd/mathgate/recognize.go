package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/pario-ai/mathgate/pkg/fingerprint"
	"github.com/pario-ai/mathgate/pkg/models"
	"github.com/pario-ai/mathgate/pkg/service"
)

type recognizeOutput struct {
	Fingerprint string                  `json:"fingerprint"`
	Payload     string                  `json:"payload"`
	Source      service.Source          `json:"source"`
	Similarity  float32                 `json:"similarity,omitempty"`
	Tier        string                  `json:"tier,omitempty"`
	Decision    *models.RoutingDecision `json:"decision,omitempty"`
}

func newRecognizeCmd(g *globalFlags) *cobra.Command {
	var (
		text string
		opts fingerprint.Options
	)

	cmd := &cobra.Command{
		Use:   "recognize [file]",
		Short: "Recognize one input through the cache and router",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var content []byte
			switch {
			case len(args) == 1:
				b, err := os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("read input: %w", err)
				}
				content = b
			case text != "":
				content = []byte(text)
			default:
				return fmt.Errorf("a file argument or --text is required")
			}

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

			res, err := svc.Recognize(ctx, service.Request{Content: content, Options: opts})
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(recognizeOutput{
				Fingerprint: res.Fingerprint.String(),
				Payload:     string(res.Payload),
				Source:      res.Source,
				Similarity:  res.Similarity,
				Tier:        string(res.Tier),
				Decision:    res.Decision,
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "inline input instead of a file")
	cmd.Flags().StringVar(&opts.Format, "format", "", "output format (latex, mathml, ...)")
	cmd.Flags().BoolVar(&opts.Grayscale, "grayscale", false, "convert to grayscale before recognition")
	cmd.Flags().BoolVar(&opts.Deskew, "deskew", false, "deskew before recognition")
	cmd.Flags().BoolVar(&opts.Denoise, "denoise", false, "denoise before recognition")
	return cmd
}
