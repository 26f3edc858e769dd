package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// Environment variables holding the mailbox credentials. A .env file in the
// working directory is loaded into the environment before flags are read.
const (
	EnvUser     = "GMAIL_USER"
	EnvPassword = "GMAIL_PASSWORD"
)

const (
	DefaultIMAPHost  = "imap.gmail.com"
	DefaultIMAPPort  = 993
	DefaultLabel     = "Netlify-News"
	DefaultOutputDir = "docs"
	DefaultBatchSize = 20

	// MaxImageTimeout bounds --image-timeout.
	MaxImageTimeout = 10 * time.Second
)

// Config captures all command-line options required for an archive run.
type Config struct {
	MboxPath           string
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Label              string
	OutputDir          string
	BatchSize          int
	DryRun             bool
	LogLevel           string
	LogDir             string
	IncludeHeader      []string
	ExcludeHeader      []string
	ImageTimeout       time.Duration
	UserAgent          string
	Progress           bool
}

// OutputConfig is the subset of options shared by every subcommand.
type OutputConfig struct {
	OutputDir string
	LogLevel  string
	LogDir    string
}

// RegisterFlags attaches the shared persistent flags and the archive run flags
// to the root command.
func RegisterFlags(cmd *cobra.Command) error {
	persistent := cmd.PersistentFlags()
	persistent.String("output", DefaultOutputDir, "Output directory of the static archive")
	persistent.String("log-level", "info", "Logging level: debug, info, warn, error")
	persistent.String("log-dir", "", "Directory for log files (stdout only when empty)")

	flags := cmd.Flags()
	flags.String("mbox", "", "Read messages from this mbox file instead of IMAP")
	flags.String("imap-host", DefaultIMAPHost, "IMAP server hostname")
	flags.Int("imap-port", DefaultIMAPPort, "IMAP server port")
	flags.String("imap-user", "", "IMAP username (falls back to "+EnvUser+" env var)")
	flags.String("imap-pass", "", "IMAP password (falls back to "+EnvPassword+" env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("label", DefaultLabel, "Mailbox label holding the newsletters")
	flags.Int("batch-size", DefaultBatchSize, "Maximum number of new emails downloaded per run (0 = unlimited)")
	flags.Bool("dry-run", false, "Compute and log the reconciliation plan without touching the archive")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with --exclude-header)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with --include-header)")
	flags.Duration("image-timeout", MaxImageTimeout, "Timeout per remote image download")
	flags.String("user-agent", "", "User-Agent for image downloads (browser-like default)")
	flags.Bool("progress", false, "Show a progress bar while downloading")

	if err := cmd.MarkFlagFilename("mbox", "mbox"); err != nil {
		return err
	}
	return cmd.MarkPersistentFlagDirname("output")
}

// LoadOutputConfig reads the persistent flags.
func LoadOutputConfig(cmd *cobra.Command) (OutputConfig, error) {
	flags := cmd.Flags()

	outputDir, err := flags.GetString("output")
	if err != nil {
		return OutputConfig{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return OutputConfig{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return OutputConfig{}, err
	}

	if outputDir = strings.TrimSpace(outputDir); outputDir != "" {
		outputDir = filepath.Clean(outputDir)
	}

	cfg := OutputConfig{
		OutputDir: outputDir,
		LogLevel:  normalizeLevel(logLevel),
		LogDir:    logDir,
	}
	if err := validateOutput(cfg); err != nil {
		return OutputConfig{}, err
	}
	return cfg, nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct with validation.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	out, err := LoadOutputConfig(cmd)
	if err != nil {
		return Config{}, err
	}

	flags := cmd.Flags()

	mboxPath, err := flags.GetString("mbox")
	if err != nil {
		return Config{}, err
	}
	imapHost, err := flags.GetString("imap-host")
	if err != nil {
		return Config{}, err
	}
	imapPort, err := flags.GetInt("imap-port")
	if err != nil {
		return Config{}, err
	}
	imapUser, err := flags.GetString("imap-user")
	if err != nil {
		return Config{}, err
	}
	imapPass, err := flags.GetString("imap-pass")
	if err != nil {
		return Config{}, err
	}
	useTLS, err := flags.GetBool("use-tls")
	if err != nil {
		return Config{}, err
	}
	insecureSkipVerify, err := flags.GetBool("insecure-skip-verify")
	if err != nil {
		return Config{}, err
	}
	label, err := flags.GetString("label")
	if err != nil {
		return Config{}, err
	}
	batchSize, err := flags.GetInt("batch-size")
	if err != nil {
		return Config{}, err
	}
	dryRun, err := flags.GetBool("dry-run")
	if err != nil {
		return Config{}, err
	}
	includeHeader, err := flags.GetStringArray("include-header")
	if err != nil {
		return Config{}, err
	}
	excludeHeader, err := flags.GetStringArray("exclude-header")
	if err != nil {
		return Config{}, err
	}
	imageTimeout, err := flags.GetDuration("image-timeout")
	if err != nil {
		return Config{}, err
	}
	userAgent, err := flags.GetString("user-agent")
	if err != nil {
		return Config{}, err
	}
	progress, err := flags.GetBool("progress")
	if err != nil {
		return Config{}, err
	}

	if imapUser == "" {
		imapUser = os.Getenv(EnvUser)
	}
	if imapPass == "" {
		imapPass = os.Getenv(EnvPassword)
	}

	cfg := Config{
		MboxPath:           mboxPath,
		IMAPHost:           imapHost,
		IMAPPort:           imapPort,
		IMAPUser:           strings.TrimSpace(imapUser),
		IMAPPass:           imapPass,
		UseTLS:             useTLS,
		InsecureSkipVerify: insecureSkipVerify,
		Label:              label,
		OutputDir:          out.OutputDir,
		BatchSize:          batchSize,
		DryRun:             dryRun,
		LogLevel:           out.LogLevel,
		LogDir:             out.LogDir,
		IncludeHeader:      includeHeader,
		ExcludeHeader:      excludeHeader,
		ImageTimeout:       imageTimeout,
		UserAgent:          userAgent,
		Progress:           progress,
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// UsesIMAP reports whether the run reads from an IMAP server rather than an
// mbox file.
func (c Config) UsesIMAP() bool {
	return c.MboxPath == ""
}

func validateConfig(cfg Config) error {
	if cfg.UsesIMAP() {
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host is required")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("IMAP user must be provided via --imap-user or %s env var", EnvUser)
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or %s env var", EnvPassword)
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
		if strings.TrimSpace(cfg.Label) == "" {
			return fmt.Errorf("--label must not be empty")
		}
	}
	if cfg.BatchSize < 0 {
		return fmt.Errorf("--batch-size must not be negative")
	}
	if cfg.ImageTimeout <= 0 || cfg.ImageTimeout > MaxImageTimeout {
		return fmt.Errorf("--image-timeout must be between 0 and %s", MaxImageTimeout)
	}
	if len(cfg.IncludeHeader) > 0 && len(cfg.ExcludeHeader) > 0 {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}
	return validateOutput(OutputConfig{OutputDir: cfg.OutputDir, LogLevel: cfg.LogLevel, LogDir: cfg.LogDir})
}

func validateOutput(cfg OutputConfig) error {
	if cfg.OutputDir == "" {
		return fmt.Errorf("--output is required")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}
	return nil
}

func normalizeLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		return "warn"
	}
	return level
}
