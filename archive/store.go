package archive

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dhcgn/newsletter-archive/model"
	"github.com/dhcgn/newsletter-archive/render"
	"github.com/dhcgn/newsletter-archive/subject"
)

const (
	// PageName is the file name of viewer pages and of the archive index.
	PageName = "index.html"

	stagingPrefix = ".staging-"
)

// Store is the archive output directory. Entry folders are named by their
// deterministic ID; anything else in the directory is left alone.
type Store struct {
	dir    string
	logger *slog.Logger
}

func NewStore(dir string, logger *slog.Logger) *Store {
	return &Store{dir: filepath.Clean(dir), logger: logger}
}

func (s *Store) Dir() string {
	return s.dir
}

// Prepare creates the output directory and removes staging folders left
// behind by an interrupted run.
func (s *Store) Prepare() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read output directory: %w", err)
	}
	for _, d := range dirents {
		if !strings.HasPrefix(d.Name(), stagingPrefix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, d.Name())); err != nil {
			return fmt.Errorf("remove stale staging %s: %w", d.Name(), err)
		}
		if s.logger != nil {
			s.logger.Info("removed stale staging folder", "folder", d.Name())
		}
	}
	return nil
}

// List returns the IDs of all entry folders, sorted. A missing output
// directory is an empty archive.
func (s *Store) List() ([]string, error) {
	dirents, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read output directory: %w", err)
	}

	var ids []string
	for _, d := range dirents {
		if d.IsDir() && subject.IsID(d.Name()) {
			ids = append(ids, d.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// EntryDir is the folder of the entry with the given ID.
func (s *Store) EntryDir(id string) string {
	return filepath.Join(s.dir, id)
}

// Delete removes an entry folder and everything in it.
func (s *Store) Delete(id string) error {
	if !subject.IsID(id) {
		return fmt.Errorf("refusing to delete %q: not an entry id", id)
	}
	if err := os.RemoveAll(s.EntryDir(id)); err != nil {
		return fmt.Errorf("delete entry %s: %w", id, err)
	}
	return nil
}

// Stage creates a hidden folder in which an entry is assembled before Commit
// moves it into place.
func (s *Store) Stage(id string) (string, error) {
	dir, err := os.MkdirTemp(s.dir, stagingPrefix+id+"-")
	if err != nil {
		return "", fmt.Errorf("create staging folder: %w", err)
	}
	return dir, nil
}

// Commit writes the viewer page into the staging folder and renames it to the
// entry folder, replacing an existing one.
func (s *Store) Commit(id, staging string, page []byte) error {
	if err := os.WriteFile(filepath.Join(staging, PageName), page, 0o644); err != nil {
		return fmt.Errorf("write viewer page: %w", err)
	}
	if err := os.Chmod(staging, 0o755); err != nil {
		return fmt.Errorf("chmod staging folder: %w", err)
	}

	final := s.EntryDir(id)
	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("replace entry %s: %w", id, err)
	}
	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("commit entry %s: %w", id, err)
	}
	return nil
}

// Discard removes a staging folder after a failed item.
func (s *Store) Discard(staging string) {
	if staging == "" {
		return
	}
	if err := os.RemoveAll(staging); err != nil && s.logger != nil {
		s.logger.Warn("could not remove staging folder", "folder", staging, "err", err)
	}
}

// Entries reads the metadata of every entry folder that holds a viewer page.
func (s *Store) Entries() ([]model.Entry, error) {
	ids, err := s.List()
	if err != nil {
		return nil, err
	}

	entries := make([]model.Entry, 0, len(ids))
	for _, id := range ids {
		page := filepath.Join(s.EntryDir(id), PageName)
		if _, err := os.Stat(page); err != nil {
			if s.logger != nil {
				s.logger.Warn("entry without viewer page", "id", id)
			}
			continue
		}
		entry := ReadMetadata(page)
		entry.ID = id
		entries = append(entries, entry)
	}
	return entries, nil
}

// WriteIndex renders the index page for entries. The file is only replaced
// when its content changes.
func (s *Store) WriteIndex(entries []model.Entry) (bool, error) {
	var buf bytes.Buffer
	if err := render.Index(&buf, entries); err != nil {
		return false, fmt.Errorf("render index: %w", err)
	}

	path := filepath.Join(s.dir, PageName)
	if current, err := os.ReadFile(path); err == nil && bytes.Equal(current, buf.Bytes()) {
		return false, nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return false, fmt.Errorf("create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".index-*.html")
	if err != nil {
		return false, fmt.Errorf("create index: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return false, fmt.Errorf("write index: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return false, fmt.Errorf("chmod index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("close index: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return false, fmt.Errorf("replace index: %w", err)
	}
	return true, nil
}
