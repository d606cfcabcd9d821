package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/tspider/internal/app"
	"github.com/JakeFAU/tspider/internal/config"
	"github.com/JakeFAU/tspider/internal/crawler"
	"github.com/JakeFAU/tspider/internal/logging"
)

// runner is the part of app.App the crawl command drives.
type runner interface {
	Run(ctx context.Context) (crawler.Summary, error)
	Stop()
	Close()
}

// newRunner is the application factory. Tests replace it.
var newRunner = func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (runner, error) {
	return app.New(ctx, cfg, logger)
}

// newLogger is replaced in tests to observe output.
var newLogger = logging.New

type rootOptions struct {
	configPath  string
	development bool
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "tspider",
		Short: "Crawl tender and disclosure documents from public sites.",
		Long: `tspider walks the paginated listings of a configured site, records every
discovered item in a sink, and downloads each item's document to artifact
storage through a rotating proxy pool.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (YAML, TOML or JSON)")
	cmd.PersistentFlags().BoolVar(&opts.development, "dev", false, "human-readable development logging")

	cmd.AddCommand(newCrawlCmd(opts))
	cmd.AddCommand(newSitesCmd())
	return cmd
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.development {
		cfg.Logging.Development = true
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
