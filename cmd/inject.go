package cmd

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/spf13/cobra"

	"github.com/dhcgn/newsletter-archive/config"
	"github.com/dhcgn/newsletter-archive/logging"
)

// Environment variables holding the optional SMTP credentials of inject.
const (
	EnvSMTPUser     = "SMTP_USER"
	EnvSMTPPassword = "SMTP_PASSWORD"
)

const sampleNewsletter = `<html><head><title>Sample newsletter</title></head><body>
<table width="640" style="width: 640px"><tr><td>
<h1>Sample newsletter</h1>
<p>This message was sent by newsletter-archive inject to exercise the archive pipeline.</p>
<p><a href="https://example.com/article">Read the full article</a></p>
<p><img src="https://via.placeholder.com/600x200.png" alt="Banner"></p>
</td></tr></table>
</body></html>`

type injectOptions struct {
	host      string
	port      int
	tls       bool
	from      string
	to        []string
	subject   string
	htmlFile  string
	forwarded bool
}

func newInjectCommand() *cobra.Command {
	opts := &injectOptions{}

	cmd := &cobra.Command{
		Use:   "inject",
		Short: "Send an HTML test newsletter over SMTP to the archived label",
		Long: "Send an HTML test newsletter over SMTP. Credentials are read from " +
			EnvSMTPUser + " and " + EnvSMTPPassword + "; without them the message is sent unauthenticated.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := config.LoadOutputConfig(cmd)
			if err != nil {
				return err
			}
			logger, cleanup, err := logging.Setup(out.LogLevel, out.LogDir)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			body := []byte(sampleNewsletter)
			if opts.htmlFile != "" {
				body, err = os.ReadFile(opts.htmlFile)
				if err != nil {
					return fmt.Errorf("read html file: %w", err)
				}
			}
			if opts.forwarded {
				body = forwardWrap(opts.from, opts.subject, body)
			}

			msg, err := composeNewsletter(opts.from, opts.to, opts.subject, body, time.Now())
			if err != nil {
				return err
			}

			var auth sasl.Client
			if user := os.Getenv(EnvSMTPUser); user != "" {
				auth = sasl.NewPlainClient("", user, os.Getenv(EnvSMTPPassword))
			}

			addr := net.JoinHostPort(opts.host, strconv.Itoa(opts.port))
			if err := send(addr, opts.tls, auth, msg); err != nil {
				logger.Error("inject failed", "addr", addr, "err", err)
				return err
			}
			logger.Info("test newsletter sent", "addr", addr, "to", strings.Join(opts.to, ","), "subject", opts.subject, "size", len(msg.Data), "auth", auth != nil)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.host, "smtp-host", "localhost", "SMTP server hostname")
	flags.IntVar(&opts.port, "smtp-port", 25, "SMTP server port")
	flags.BoolVar(&opts.tls, "smtp-tls", false, "Use implicit TLS for the SMTP connection")
	flags.StringVar(&opts.from, "from", "", "Sender address")
	flags.StringArrayVar(&opts.to, "to", nil, "Recipient address (repeatable)")
	flags.StringVar(&opts.subject, "subject", "Test newsletter", "Subject of the test newsletter")
	flags.StringVar(&opts.htmlFile, "html", "", "HTML file used as body instead of the built-in sample")
	flags.BoolVar(&opts.forwarded, "forwarded", false, "Wrap the body in a forwarded-message block")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

// outgoing is a composed message with its SMTP envelope.
type outgoing struct {
	From string
	To   []string
	Data []byte
}

// composeNewsletter builds a single-part text/html message.
func composeNewsletter(from string, to []string, subject string, body []byte, now time.Time) (*outgoing, error) {
	sender, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("parse --from: %w", err)
	}
	recipients := make([]*mail.Address, 0, len(to))
	envelope := make([]string, 0, len(to))
	for _, addr := range to {
		rcpt, err := mail.ParseAddress(addr)
		if err != nil {
			return nil, fmt.Errorf("parse --to %q: %w", addr, err)
		}
		recipients = append(recipients, rcpt)
		envelope = append(envelope, rcpt.Address)
	}

	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{sender})
	h.SetAddressList("To", recipients)
	h.SetSubject(subject)
	h.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return &outgoing{From: sender.Address, To: envelope, Data: buf.Bytes()}, nil
}

// forwardWrap places body below a Gmail style forward header block.
func forwardWrap(from, subject string, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("<div>FYI</div>\n<div>---------- Forwarded message ---------<br>")
	fmt.Fprintf(&buf, "From: %s<br>Subject: %s<br></div>\n<br>\n", escapeText(from), escapeText(subject))
	buf.Write(body)
	return buf.Bytes()
}

func escapeText(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}

func send(addr string, implicitTLS bool, auth sasl.Client, msg *outgoing) error {
	var err error
	if implicitTLS {
		err = smtp.SendMailTLS(addr, auth, msg.From, msg.To, bytes.NewReader(msg.Data))
	} else {
		err = smtp.SendMail(addr, auth, msg.From, msg.To, bytes.NewReader(msg.Data))
	}
	if err != nil {
		return fmt.Errorf("send mail via %s: %w", addr, err)
	}
	return nil
}
