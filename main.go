package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dhcgn/newsletter-archive/archive"
	"github.com/dhcgn/newsletter-archive/cmd"
	"github.com/dhcgn/newsletter-archive/config"
	"github.com/dhcgn/newsletter-archive/content"
	"github.com/dhcgn/newsletter-archive/images"
	"github.com/dhcgn/newsletter-archive/imap"
	"github.com/dhcgn/newsletter-archive/logging"
	"github.com/dhcgn/newsletter-archive/mbox"
	"github.com/dhcgn/newsletter-archive/model"
	"github.com/dhcgn/newsletter-archive/progress"
	"github.com/dhcgn/newsletter-archive/runner"
	"github.com/dhcgn/newsletter-archive/stats"
)

// mailbox is a message source that holds a connection or loaded file.
type mailbox interface {
	runner.Mailbox
	Close() error
}

func main() {
	// Credentials may live in a .env file next to the binary.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "newsletter-archive",
		Short: "Mirror a newsletter mailbox label into a static HTML archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := logging.Setup(cfg.LogLevel, cfg.LogDir)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting newsletter-archive",
				"source", source(cfg),
				"output", cfg.OutputDir,
				"batchSize", cfg.BatchSize,
				"dryRun", cfg.DryRun,
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}
	rootCmd.SilenceUsage = true

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	cmd.Register(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	src, err := openMailbox(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warn("close mailbox", "err", err)
		}
	}()

	localizer := images.NewLocalizer(images.Options{
		Timeout:   cfg.ImageTimeout,
		UserAgent: cfg.UserAgent,
	}, logger)
	processor := content.NewProcessor(localizer, logger)
	store := archive.NewStore(cfg.OutputDir, logger)

	r, err := runner.New(cfg, src, store, processor, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stats.NewReporter(r, logger)
	progress.NewProgressReporter(r, progress.New(cfg.Progress))

	report, err := r.Run(ctx)
	if err != nil {
		return err
	}
	if failed := report.Count(model.StatusFailed); failed > 0 {
		logger.Warn("some emails could not be archived and will be retried next run", "failed", failed)
	}
	return nil
}

func openMailbox(ctx context.Context, cfg config.Config, logger *slog.Logger) (mailbox, error) {
	if !cfg.UsesIMAP() {
		src, err := mbox.Open(cfg.MboxPath, logger)
		if err != nil {
			return nil, fmt.Errorf("mbox.Open: %w", err)
		}
		return src, nil
	}

	src, err := imap.Open(ctx, imap.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Mailbox:            cfg.Label,
		FullHeaders:        len(cfg.IncludeHeader) > 0 || len(cfg.ExcludeHeader) > 0,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("imap.Open: %w", err)
	}
	return src, nil
}

func source(cfg config.Config) string {
	if cfg.UsesIMAP() {
		return fmt.Sprintf("imap://%s@%s:%d/%s", cfg.IMAPUser, cfg.IMAPHost, cfg.IMAPPort, cfg.Label)
	}
	return cfg.MboxPath
}
