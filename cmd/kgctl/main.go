// Command kgctl operates the recommendation pipeline from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/emergency-agent/backend/internal/app"
	"github.com/emergency-agent/backend/pkg/config"
	"github.com/emergency-agent/backend/pkg/logger"
)

var configPath string

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	rootCmd := &cobra.Command{
		Use:           "kgctl",
		Short:         "Seed the equipment knowledge graph, index case reports and query recommendations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./config.yaml or ./config/config.yaml)")

	rootCmd.AddCommand(
		newSeedCmd(),
		newIndexCmd(),
		newRecommendCmd(),
		newCacheCmd(),
	)

	return rootCmd.ExecuteContext(ctx)
}

func loadApp(ctx context.Context, opts ...app.Option) (*app.App, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	return app.New(ctx, cfg, opts...)
}
