// Package render holds the static page templates of the archive: one viewer
// page per email and the searchable index.
package render

import (
	"embed"
	"html/template"
	"io"
	"sort"

	"github.com/dhcgn/newsletter-archive/model"
)

// IndexPageSize is the number of cards shown per index page.
const IndexPageSize = 24

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// ViewerData feeds the viewer template.
type ViewerData struct {
	Title         string
	Sender        string
	CreationDate  string
	ArchivingDate string
	Links         []model.Link
	// Email is the serialized email document loaded into the sandboxed frame.
	Email string
}

type indexData struct {
	Entries  []model.Entry
	PageSize int
}

func Viewer(w io.Writer, data ViewerData) error {
	return templates.ExecuteTemplate(w, "viewer.html", data)
}

// Index renders the archive index with entries sorted newest first.
func Index(w io.Writer, entries []model.Entry) error {
	sorted := SortEntries(entries)
	return templates.ExecuteTemplate(w, "index.html", indexData{
		Entries:  sorted,
		PageSize: IndexPageSize,
	})
}

// SortEntries returns a copy ordered by creation date descending, then title
// and ID so equal dates render in a stable order.
func SortEntries(entries []model.Entry) []model.Entry {
	sorted := make([]model.Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.CreationDate != b.CreationDate {
			return a.CreationDate > b.CreationDate
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.ID < b.ID
	})
	return sorted
}
