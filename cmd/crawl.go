package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/tspider/internal/crawler"
	"github.com/JakeFAU/tspider/internal/logging"
	"github.com/JakeFAU/tspider/internal/telemetry"
)

type crawlOptions struct {
	site       string
	mode       string
	startPage  int
	totalPages int
}

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd(root *rootOptions) *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one crawl against a site",
		Long: `Runs the listing phase, the download phase, or both for one site.
The first SIGINT or SIGTERM stops new work and lets in-flight jobs finish;
a second signal terminates the process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.site, "site", "", "site adapter to run (see 'tspider sites')")
	cmd.Flags().StringVar(&opts.mode, "mode", "", "full, discover or download")
	cmd.Flags().IntVar(&opts.startPage, "start-page", 0, "first listing page")
	cmd.Flags().IntVar(&opts.totalPages, "total-pages", 0, "last listing page (inclusive)")
	return cmd
}

func runCrawl(cmd *cobra.Command, root *rootOptions, opts *crawlOptions) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("site") {
		cfg.App.Site = opts.site
	}
	if flags.Changed("mode") {
		cfg.App.Mode = opts.mode
	}
	if flags.Changed("start-page") {
		cfg.Crawl.StartPage = opts.startPage
	}
	if flags.Changed("total-pages") {
		cfg.Crawl.TotalPages = opts.totalPages
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.InitTracerProvider(ctx, "tspider")
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	r, err := newRunner(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer r.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		// Restore default signal handling so a second signal kills the process.
		stop()
		logger.Info("shutdown requested; draining in-flight jobs")
		r.Stop()
	}()

	// The fence stops new work; in-flight requests keep their context.
	summary, err := r.Run(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	printSummary(cmd, summary)
	return nil
}

func printSummary(cmd *cobra.Command, s crawler.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s site=%s mode=%s\n", s.RunID, s.Site, s.Mode)
	fmt.Fprintf(out, "pages: %d ok, %d failed\n", s.PagesSucceeded, s.PagesFailed)
	fmt.Fprintf(out, "records created: %d\n", s.RecordsCreated)
	fmt.Fprintf(out, "items: %d downloaded, %d failed, %d skipped\n", s.ItemsDownloaded, s.ItemsFailed, s.ItemsSkipped)
	if s.Stopped {
		fmt.Fprintln(out, "stopped before completion")
	}
}
