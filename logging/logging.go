// Package logging builds the process logger: a slog text handler on stdout,
// optionally tee'd to a timestamped file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// FilePrefix names log files written to the log directory.
const FilePrefix = "newsletter-archive"

// ParseLevel maps a --log-level value to a slog level. Unknown values mean info.
func ParseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Setup returns a logger writing to stdout and, when dir is set, to a new log
// file in dir. The cleanup func closes that file.
func Setup(level, dir string) (*slog.Logger, func() error, error) {
	return setup(os.Stdout, level, dir, time.Now())
}

func setup(stdout io.Writer, level, dir string, now time.Time) (*slog.Logger, func() error, error) {
	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(level))

	opts := &slog.HandlerOptions{Level: lvl}
	cleanup := func() error { return nil }

	if dir == "" {
		return slog.New(slog.NewTextHandler(stdout, opts)), cleanup, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, cleanup, fmt.Errorf("create log dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s-%s.log", FilePrefix, now.Format("20060102T150405")))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, cleanup, fmt.Errorf("open log file: %w", err)
	}

	handler := slog.NewTextHandler(io.MultiWriter(stdout, file), opts)
	cleanup = func() error {
		return file.Close()
	}
	return slog.New(handler), cleanup, nil
}
