package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReadMetadata(t *testing.T) {
	tests := []struct {
		name  string
		page  string
		title string
		date  string
		arch  string
		from  string
	}{
		{
			name:  "complete",
			page:  `<html><head><title> Weekly   news </title><meta name="creation_date" content="2023-05-06"><meta name="sender" content="Acme"><meta name="archiving_date" content="2023-06-01"></head></html>`,
			title: "Weekly news",
			date:  "2023-05-06",
			arch:  "2023-06-01",
			from:  "Acme",
		},
		{
			name:  "missing archiving date",
			page:  `<html><head><title>T</title><meta name="creation_date" content="2023-05-06"></head></html>`,
			title: "T",
			date:  "2023-05-06",
			arch:  "2023-05-06",
			from:  "unknown",
		},
		{
			name:  "empty title",
			page:  `<html><head><title>  </title><meta name="creation_date" content="2020-01-01"></head></html>`,
			title: UntitledEntry,
			date:  "2020-01-01",
			arch:  "2020-01-01",
			from:  "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), PageName)
			if err := os.WriteFile(path, []byte(tt.page), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}
			got := ReadMetadata(path)
			if got.Title != tt.title || got.CreationDate != tt.date || got.ArchivingDate != tt.arch || got.Sender != tt.from {
				t.Errorf("ReadMetadata() = %+v", got)
			}
		})
	}
}

func TestReadMetadata_FallsBackToModTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), PageName)
	if err := os.WriteFile(path, []byte("<html><body>no head data</body></html>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	mtime := time.Date(2021, 7, 8, 12, 0, 0, 0, time.Local)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	got := ReadMetadata(path)
	if got.Title != UntitledEntry {
		t.Errorf("Title = %q, want %q", got.Title, UntitledEntry)
	}
	if got.CreationDate != "2021-07-08" || got.ArchivingDate != "2021-07-08" {
		t.Errorf("dates = %q/%q, want 2021-07-08", got.CreationDate, got.ArchivingDate)
	}
}

func TestReadMetadata_MissingFile(t *testing.T) {
	got := ReadMetadata(filepath.Join(t.TempDir(), "nope.html"))
	if got.Title != UntitledEntry || got.CreationDate == "" {
		t.Errorf("ReadMetadata() = %+v", got)
	}
}
