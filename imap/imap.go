package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/newsletter-archive/model"
)

var (
	ErrNotConnected    = errors.New("imap source is not connected")
	ErrMessageNotFound = errors.New("message not found")
)

// headerChunk bounds the number of UIDs per header fetch command.
const headerChunk = 500

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	// Mailbox is the label to archive.
	Mailbox string
	// FullHeaders fetches the complete header block instead of only the
	// Subject field, for header filters.
	FullHeaders bool
}

// Source is a read-only view of one mailbox on an IMAP server. Messages are
// referenced by UID.
type Source struct {
	opts    Options
	client  *imapclient.Client
	cleanup func()
	logger  *slog.Logger

	closeOnce sync.Once
}

// Open connects, logs in and selects the mailbox read-only. The connection is
// torn down when ctx is canceled.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Source, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Mailbox == "" {
		opts.Mailbox = "INBOX"
	}

	s := &Source{opts: opts, logger: logger}
	client, cleanup, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.client = client
	s.cleanup = cleanup
	return s, nil
}

func (s *Source) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	options := &imapclient.Options{}

	if s.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if s.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	selected, err := client.Select(s.opts.Mailbox, &imapv2.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		_ = client.Logout().Wait()
		_ = client.Close()
		return nil, nil, fmt.Errorf("select label %q: %w", s.opts.Mailbox, err)
	}

	if s.logger != nil {
		s.logger.Debug("imap connection established", "address", address, "user", s.opts.Username, "label", s.opts.Mailbox, "messages", selected.NumMessages, "tls", s.opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		canceled := !stopClose()
		if !canceled {
			if err := client.Logout().Wait(); err != nil {
				if s.logger != nil {
					s.logger.Warn("imap logout failed", "err", err)
				}
			}
		}
		if err := client.Close(); err != nil && s.logger != nil {
			s.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

// Headers returns the header block of every message in the mailbox ordered by
// UID. Only the Subject field is fetched unless FullHeaders is set.
func (s *Source) Headers(ctx context.Context) ([]model.Header, error) {
	if s.client == nil {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	searchData, err := s.client.UIDSearch(&imapv2.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	section := &imapv2.FetchItemBodySection{
		Specifier: imapv2.PartSpecifierHeader,
		Peek:      true,
	}
	if !s.opts.FullHeaders {
		section.HeaderFields = []string{"Subject"}
	}

	headers := make([]model.Header, 0, len(uids))
	for start := 0; start < len(uids); start += headerChunk {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+headerChunk, len(uids))
		chunk, err := s.fetchHeaders(imapv2.UIDSetNum(uids[start:end]...), section)
		if err != nil {
			return nil, err
		}
		headers = append(headers, chunk...)
	}

	sort.Slice(headers, func(i, j int) bool {
		return headers[i].Ref < headers[j].Ref
	})

	if s.logger != nil {
		s.logger.Debug("imap headers fetched", "label", s.opts.Mailbox, "messages", len(headers), "fullHeaders", s.opts.FullHeaders)
	}
	return headers, nil
}

func (s *Source) fetchHeaders(uidSet imapv2.UIDSet, section *imapv2.FetchItemBodySection) ([]model.Header, error) {
	fetchCmd := s.client.Fetch(uidSet, &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	var headers []model.Header
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			return nil, fmt.Errorf("collect header: %w", err)
		}
		headers = append(headers, model.Header{
			Ref: uint32(buf.UID),
			Raw: buf.FindBodySection(section),
		})
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch headers: %w", err)
	}
	return headers, nil
}

// Fetch returns the full RFC 5322 message with the given UID without setting
// the \Seen flag.
func (s *Source) Fetch(ctx context.Context, ref uint32) ([]byte, error) {
	if s.client == nil {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	section := &imapv2.FetchItemBodySection{Peek: true}
	fetchCmd := s.client.Fetch(imapv2.UIDSetNum(imapv2.UID(ref)), &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		if err := fetchCmd.Close(); err != nil {
			return nil, fmt.Errorf("fetch uid %d: %w", ref, err)
		}
		return nil, fmt.Errorf("uid %d: %w", ref, ErrMessageNotFound)
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collect uid %d: %w", ref, err)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch uid %d: %w", ref, err)
	}

	raw := buf.FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("uid %d: %w", ref, ErrMessageNotFound)
	}
	return raw, nil
}

// Close logs out and closes the connection. It is safe to call more than once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		if s.cleanup != nil {
			s.cleanup()
		}
	})
	return nil
}
