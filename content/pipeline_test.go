package content

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/dhcgn/newsletter-archive/dom"
)

type fakeLocalizer struct {
	dirs []string
}

func (f *fakeLocalizer) Localize(_ context.Context, doc *html.Node, dir string) int {
	f.dirs = append(f.dirs, dir)
	n := 0
	for _, img := range dom.FindAll(doc, dom.Is(atom.Img)) {
		dom.SetAttr(img, "src", "img_local")
		n++
	}
	return n
}

const forwardedNewsletter = `From: Jane Doe <jane@example.com>
Subject: Fwd: Launch week
Date: Tue, 02 Jan 2024 15:04:05 +0000
MIME-Version: 1.0
Content-Type: multipart/alternative; boundary="b1"

--b1
Content-Type: text/plain; charset=utf-8

plain
--b1
Content-Type: text/html; charset=utf-8

<html><head><title>ignored</title><script>alert(1)</script></head><body>
<div>FYI</div>
<div>---------- Forwarded message ---------<br>From: Netlify<br>Subject: Launch week</div>
<table width="640"><tr><td><img src="https://cdn.example.com/a.png"><a href="https://netlify.com/blog">Read the blog</a></td></tr></table>
</body></html>
--b1--
`

func TestProcessor_Process(t *testing.T) {
	images := &fakeLocalizer{}
	p := NewProcessor(images, nil, WithClock(func() time.Time { return fixedNow }))

	doc, err := p.Process(context.Background(), crlf(forwardedNewsletter), "/tmp/entry")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	want := Meta{Title: "Launch week", Sender: "Jane Doe", CreationDate: "2024-01-02", ArchivingDate: "2024-09-01"}
	if doc.Meta != want {
		t.Errorf("Meta = %+v, want %+v", doc.Meta, want)
	}
	if doc.Forward != ForwardMarker {
		t.Errorf("Forward = %q", doc.Forward)
	}
	if doc.Images != 1 || len(images.dirs) != 1 || images.dirs[0] != "/tmp/entry" {
		t.Errorf("Images = %d, localizer dirs = %v", doc.Images, images.dirs)
	}
	if len(doc.Links) != 1 || doc.Links[0].URL != "https://netlify.com/blog" || doc.Links[0].Text != "Read the blog" {
		t.Errorf("Links = %+v", doc.Links)
	}

	page := string(doc.Page)
	for _, s := range []string{
		`<title>Launch week</title>`,
		`<meta name="creation_date" content="2024-01-02">`,
		`<meta name="sender" content="Jane Doe">`,
		`<meta name="archiving_date" content="2024-09-01">`,
		`srcdoc="`,
		`img_local`,
		`width=&#34;100%&#34;`,
	} {
		if !strings.Contains(page, s) {
			t.Errorf("page missing %q", s)
		}
	}
	for _, s := range []string{"alert(1)", "FYI", "ignored", "cdn.example.com"} {
		if strings.Contains(page, s) {
			t.Errorf("page contains %q", s)
		}
	}
}

func TestProcessor_NoHTMLBody(t *testing.T) {
	p := NewProcessor(nil, nil)
	_, err := p.Process(context.Background(), crlf("Subject: Plain\nContent-Type: text/plain\n\nhello\n"), t.TempDir())
	if !errors.Is(err, ErrNoHTMLBody) {
		t.Errorf("Process() error = %v, want ErrNoHTMLBody", err)
	}
}

func TestProcessor_Deterministic(t *testing.T) {
	p := NewProcessor(nil, nil, WithClock(func() time.Time { return fixedNow }))
	first, err := p.Process(context.Background(), crlf(forwardedNewsletter), t.TempDir())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	second, err := p.Process(context.Background(), crlf(forwardedNewsletter), t.TempDir())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if string(first.Page) != string(second.Page) {
		t.Error("same message rendered differently")
	}
}
