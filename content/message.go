package content

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/newsletter-archive/subject"
)

// UnknownSender is stored when the From header is missing or unusable.
const UnknownSender = "unknown"

// DateLayout is the ISO calendar date used in meta tags and the index.
const DateLayout = "2006-01-02"

var (
	ErrNoHTMLBody = errors.New("message has no html body")
	errStopWalk   = errors.New("stop walk")
)

// Message is the decoded view of a raw email needed to build an archive entry.
type Message struct {
	Subject string
	Sender  string
	Date    string
	HTML    string
}

// ParseMessage decodes headers and selects the HTML body of a raw RFC 5322
// message. now supplies the fallback date when the Date header is unusable.
func ParseMessage(raw []byte, now time.Time) (*Message, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("parse mime: %w", err)
	}

	header := mail.Header{Header: entity.Header}
	msg := &Message{
		Subject: decodedSubject(header),
		Sender:  senderName(header),
		Date:    messageDate(header, now),
	}

	body, err := findHTML(entity)
	if err != nil {
		return nil, err
	}
	msg.HTML = body
	return msg, nil
}

// HeaderSubject decodes the Subject of a raw header block as returned by a
// header-only fetch. Unparseable input yields an empty subject.
func HeaderSubject(raw []byte) string {
	h, ok := readHeader(raw)
	if !ok {
		return ""
	}
	return decodedSubject(h)
}

// HeaderSender decodes the sender display name of a raw header block, falling
// back to UnknownSender.
func HeaderSender(raw []byte) string {
	h, ok := readHeader(raw)
	if !ok {
		return UnknownSender
	}
	return senderName(h)
}

func readHeader(raw []byte) (mail.Header, bool) {
	buf := raw
	switch {
	case bytes.HasSuffix(buf, []byte("\r\n\r\n")), bytes.HasSuffix(buf, []byte("\n\n")):
	case bytes.HasSuffix(buf, []byte("\n")):
		buf = append(append([]byte{}, buf...), "\r\n"...)
	default:
		buf = append(append([]byte{}, buf...), "\r\n\r\n"...)
	}

	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(buf)))
	if err != nil {
		return mail.Header{}, false
	}
	return mail.Header{Header: message.Header{Header: h}}, true
}

func decodedSubject(h mail.Header) string {
	// Subject returns the raw value alongside a decoding error.
	s, _ := h.Subject()
	return strings.TrimSpace(s)
}

func senderName(h mail.Header) string {
	addrs, err := h.AddressList("From")
	if err == nil && len(addrs) > 0 {
		if name := strings.TrimSpace(addrs[0].Name); name != "" {
			return name
		}
		if addr := strings.TrimSpace(addrs[0].Address); addr != "" {
			return addr
		}
	}

	text, _ := h.Text("From")
	if text = strings.TrimSpace(text); text != "" {
		return text
	}
	return UnknownSender
}

func messageDate(h mail.Header, now time.Time) string {
	if h.Get("Date") != "" {
		if t, err := h.Date(); err == nil && !t.IsZero() {
			return t.Format(DateLayout)
		}
	}
	return now.Format(DateLayout)
}

func findHTML(entity *message.Entity) (string, error) {
	mediaType, _, _ := entity.Header.ContentType()
	if !strings.HasPrefix(mediaType, "multipart/") {
		if !htmlCompatible(mediaType) {
			return "", ErrNoHTMLBody
		}
		return readBody(entity.Body)
	}

	var (
		body    string
		readErr error
	)
	err := entity.Walk(func(_ []int, part *message.Entity, err error) error {
		if part == nil {
			return nil
		}
		partType, _, _ := part.Header.ContentType()
		if partType != "text/html" {
			return nil
		}
		body, readErr = readBody(part.Body)
		return errStopWalk
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return "", fmt.Errorf("walk mime parts: %w", err)
	}
	if readErr != nil {
		return "", readErr
	}
	if strings.TrimSpace(body) == "" {
		return "", ErrNoHTMLBody
	}
	return body, nil
}

func readBody(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read html body: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return "", ErrNoHTMLBody
	}
	return string(data), nil
}

func htmlCompatible(mediaType string) bool {
	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return true
	}
	return false
}

// Title is the archive title for a decoded subject.
func Title(decoded string) string {
	return subject.Normalize(decoded)
}
