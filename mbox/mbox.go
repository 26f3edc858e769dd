package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/newsletter-archive/filter"
	"github.com/dhcgn/newsletter-archive/model"
)

var ErrMessageNotFound = errors.New("mbox message not found")

// Source is an offline mailbox backed by an mbox file. Messages are referenced
// by their 1-based position in the file.
type Source struct {
	messages [][]byte
	logger   *slog.Logger
}

// Open reads every message of the mbox file at path.
func Open(path string, logger *slog.Logger) (*Source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	src, err := NewSource(file, nil)
	if err != nil {
		return nil, fmt.Errorf("read mbox %s: %w", path, err)
	}
	src.logger = logger
	if logger != nil {
		logger.Debug("mbox loaded", "path", path, "messages", src.Len())
	}
	return src, nil
}

// NewSource reads every message from r.
func NewSource(r io.Reader, logger *slog.Logger) (*Source, error) {
	reader := mboxlib.NewReader(r)
	src := &Source{logger: logger}

	for idx := 1; ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return nil, fmt.Errorf("message %d read: %w", idx, err)
		}
		src.messages = append(src.messages, raw)
	}

	if logger != nil {
		logger.Debug("mbox loaded", "messages", len(src.messages))
	}
	return src, nil
}

// Len returns the number of messages.
func (s *Source) Len() int {
	return len(s.messages)
}

// Headers returns the header block of every message in file order.
func (s *Source) Headers(ctx context.Context) ([]model.Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	headers := make([]model.Header, 0, len(s.messages))
	for i, raw := range s.messages {
		header, _ := filter.SplitRawMessage(raw)
		headers = append(headers, model.Header{Ref: uint32(i + 1), Raw: header})
	}
	return headers, nil
}

// Fetch returns the raw message at position ref.
func (s *Source) Fetch(ctx context.Context, ref uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ref == 0 || int(ref) > len(s.messages) {
		return nil, fmt.Errorf("message %d: %w", ref, ErrMessageNotFound)
	}
	raw := s.messages[ref-1]
	if s.logger != nil {
		s.logger.Debug("mbox message fetched", "ref", ref, "size", len(raw))
	}
	return raw, nil
}

// Close releases the loaded messages.
func (s *Source) Close() error {
	s.messages = nil
	return nil
}
