package content

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/dhcgn/newsletter-archive/model"
	"github.com/dhcgn/newsletter-archive/render"
)

// Meta tag names embedded in every viewer page. They are the only place per
// entry metadata is persisted between runs.
const (
	MetaCreationDate  = "creation_date"
	MetaSender        = "sender"
	MetaArchivingDate = "archiving_date"
)

// Meta is the per-entry metadata written into the document head.
type Meta struct {
	Title         string
	Sender        string
	CreationDate  string
	ArchivingDate string
}

// Tags returns the meta tag name/content pairs in a stable order.
func (m Meta) Tags() [][2]string {
	return [][2]string{
		{MetaCreationDate, m.CreationDate},
		{MetaSender, m.Sender},
		{MetaArchivingDate, m.ArchivingDate},
	}
}

// Document is the result of running one message through the pipeline.
type Document struct {
	Meta    Meta
	Links   []model.Link
	Images  int
	Forward string
	Page    []byte
}

// ImageLocalizer downloads remote images referenced by doc into dir.
type ImageLocalizer interface {
	Localize(ctx context.Context, doc *html.Node, dir string) int
}

// Processor turns raw messages into viewer pages.
type Processor struct {
	images ImageLocalizer
	now    func() time.Time
	logger *slog.Logger
}

// Option customizes a Processor.
type Option func(*Processor)

// WithClock overrides the run date used for archiving dates and date fallbacks.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		p.now = now
	}
}

func NewProcessor(images ImageLocalizer, logger *slog.Logger, opts ...Option) *Processor {
	p := &Processor{
		images: images,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process builds the viewer page for raw. Images are written into dir, which
// must exist. ErrNoHTMLBody is returned for messages without an HTML body.
func (p *Processor) Process(ctx context.Context, raw []byte, dir string) (*Document, error) {
	now := p.now()
	msg, err := ParseMessage(raw, now)
	if err != nil {
		return nil, err
	}

	doc, err := html.Parse(strings.NewReader(msg.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	removed := RemoveActiveContent(doc)
	forward := StripForward(doc)
	links := ExtractLinks(doc)
	widths := NormalizeTableWidths(doc)

	images := 0
	if p.images != nil {
		images = p.images.Localize(ctx, doc, dir)
	}

	meta := Meta{
		Title:         Title(msg.Subject),
		Sender:        msg.Sender,
		CreationDate:  msg.Date,
		ArchivingDate: now.Format(DateLayout),
	}
	SetMetadata(doc, meta)

	var email bytes.Buffer
	if err := html.Render(&email, doc); err != nil {
		return nil, fmt.Errorf("render email html: %w", err)
	}

	var page bytes.Buffer
	err = render.Viewer(&page, render.ViewerData{
		Title:         meta.Title,
		Sender:        meta.Sender,
		CreationDate:  meta.CreationDate,
		ArchivingDate: meta.ArchivingDate,
		Links:         links,
		Email:         email.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("render viewer: %w", err)
	}

	if p.logger != nil {
		p.logger.Debug("email processed",
			"title", meta.Title,
			"sender", meta.Sender,
			"date", meta.CreationDate,
			"removedElements", removed,
			"forward", forward,
			"links", len(links),
			"wideTables", widths,
			"images", images,
		)
	}

	return &Document{
		Meta:    meta,
		Links:   links,
		Images:  images,
		Forward: forward,
		Page:    page.Bytes(),
	}, nil
}
