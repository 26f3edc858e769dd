package archive

import (
	"os"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/dhcgn/newsletter-archive/content"
	"github.com/dhcgn/newsletter-archive/dom"
	"github.com/dhcgn/newsletter-archive/model"
)

// UntitledEntry is shown for viewer pages without a usable <title>.
const UntitledEntry = "Untitled"

// ReadMetadata recovers title, dates and sender from a viewer page. It never
// fails: unreadable or partial pages yield fallback values, dates fall back to
// the file's modification time.
func ReadMetadata(path string) model.Entry {
	entry := model.Entry{
		Title:  UntitledEntry,
		Sender: content.UnknownSender,
	}

	if f, err := os.Open(path); err == nil {
		doc, err := html.Parse(f)
		f.Close()
		if err == nil {
			applyMetadata(&entry, doc)
		}
	}

	if entry.CreationDate == "" {
		entry.CreationDate = fileDate(path)
	}
	if entry.ArchivingDate == "" {
		entry.ArchivingDate = entry.CreationDate
	}
	return entry
}

func applyMetadata(entry *model.Entry, doc *html.Node) {
	head := dom.FindFirst(doc, dom.Is(atom.Head))
	if head == nil {
		return
	}

	if title := dom.FindFirst(head, dom.Is(atom.Title)); title != nil {
		if text := dom.CollapseSpace(dom.Text(title)); text != "" {
			entry.Title = text
		}
	}

	for _, meta := range dom.FindAll(head, dom.Is(atom.Meta)) {
		name, _ := dom.Attr(meta, "name")
		value, _ := dom.Attr(meta, "content")
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		switch strings.ToLower(name) {
		case content.MetaCreationDate:
			if entry.CreationDate == "" {
				entry.CreationDate = value
			}
		case content.MetaArchivingDate:
			if entry.ArchivingDate == "" {
				entry.ArchivingDate = value
			}
		case content.MetaSender:
			if entry.Sender == content.UnknownSender {
				entry.Sender = value
			}
		}
	}
}

func fileDate(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return time.Now().Format(content.DateLayout)
	}
	return info.ModTime().Format(content.DateLayout)
}
