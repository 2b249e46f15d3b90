package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pario-ai/mathgate/pkg/config"
	"github.com/pario-ai/mathgate/pkg/logging"
)

var version = "dev"

type globalFlags struct {
	configPath string
	logLevel   string
}

func main() {
	var g globalFlags

	root := &cobra.Command{
		Use:           "mathgate",
		Short:         "mathgate: result cache and confidence router for math recognition",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to config file (defaults are used when empty)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newServeCmd(&g),
		newRecognizeCmd(&g),
		newCacheCmd(&g),
		newRouteCmd(&g),
		newJournalCmd(&g),
		newMCPCmd(&g),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// load reads the config file, or the defaults when none is given, and
// builds the logger it names.
func (g *globalFlags) load() (*config.Config, *zap.Logger, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		cfg, err = config.Load(g.configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
