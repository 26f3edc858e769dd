package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dhcgn/newsletter-archive/archive"
	"github.com/dhcgn/newsletter-archive/config"
	"github.com/dhcgn/newsletter-archive/logging"
	"github.com/dhcgn/newsletter-archive/runner"
)

func newIndexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Rebuild the archive index page from the entry folders on disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadOutputConfig(cmd)
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

			entries, written, err := runner.Reindex(archive.NewStore(cfg.OutputDir, logger))
			if err != nil {
				logger.Error("index rebuild failed", "output", cfg.OutputDir, "err", err)
				return err
			}
			logger.Info("index rebuilt", "output", cfg.OutputDir, "entries", entries, "changed", written)
			return nil
		},
	}
}
