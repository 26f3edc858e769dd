package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/dhcgn/newsletter-archive/archive"
	"github.com/dhcgn/newsletter-archive/config"
	"github.com/dhcgn/newsletter-archive/content"
	"github.com/dhcgn/newsletter-archive/filter"
	"github.com/dhcgn/newsletter-archive/model"
	"github.com/dhcgn/newsletter-archive/stats"
	"github.com/dhcgn/newsletter-archive/subject"
)

type memoryMailbox struct {
	messages  [][]byte
	failFetch map[uint32]bool
	scanErr   error
	fetched   []uint32
}

func (m *memoryMailbox) Headers(context.Context) ([]model.Header, error) {
	if m.scanErr != nil {
		return nil, m.scanErr
	}
	headers := make([]model.Header, 0, len(m.messages))
	for i, raw := range m.messages {
		h, _ := filter.SplitRawMessage(raw)
		headers = append(headers, model.Header{Ref: uint32(i + 1), Raw: h})
	}
	return headers, nil
}

func (m *memoryMailbox) Fetch(_ context.Context, ref uint32) ([]byte, error) {
	m.fetched = append(m.fetched, ref)
	if m.failFetch[ref] {
		return nil, errors.New("connection reset")
	}
	if ref == 0 || int(ref) > len(m.messages) {
		return nil, fmt.Errorf("no message %d", ref)
	}
	return m.messages[ref-1], nil
}

func newsletter(subj, body string) []byte {
	return []byte("From: Netlify <news@netlify.com>\r\n" +
		"Subject: " + subj + "\r\n" +
		"Date: Tue, 02 Jan 2024 15:04:05 +0000\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n\r\n" +
		"<html><body><p>" + body + "</p></body></html>\r\n")
}

func plainText(subj string) []byte {
	return []byte("Subject: " + subj + "\r\nContent-Type: text/plain\r\n\r\nno html here\r\n")
}

func newRunner(t *testing.T, mailbox Mailbox, dir string, cfg config.Config) *Runner {
	t.Helper()
	clock := func() time.Time { return time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC) }
	r, err := New(cfg, mailbox, archive.NewStore(dir, nil), content.NewProcessor(nil, nil, content.WithClock(clock)), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r
}

// snapshot maps every path under dir to its file content.
func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	files := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		if d.IsDir() {
			files[rel+"/"] = ""
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[rel] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	return files
}

func entryIDs(t *testing.T, dir string) []string {
	t.Helper()
	ids, err := archive.NewStore(dir, nil).List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	return ids
}

func TestRun_ReconcilesArchive(t *testing.T) {
	dir := t.TempDir()
	stale := "aaaaaaaaaaaa"
	if err := os.MkdirAll(filepath.Join(dir, stale), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "assets"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".staging-bbbbbbbbbbbb-1"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	mailbox := &memoryMailbox{messages: [][]byte{
		newsletter("Launch week", "first"),
		plainText("Plain only"),
		newsletter("Fwd: Deploy previews", "second"),
	}}
	r := newRunner(t, mailbox, dir, config.Config{})
	reporter := stats.NewReporter(r, nil)

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{subject.IDFor("Launch week"), subject.IDFor("Deploy previews")}
	if got := entryIDs(t, dir); !reflect.DeepEqual(got, sorted(want)) {
		t.Errorf("entries = %v, want %v", got, sorted(want))
	}
	if _, err := os.Stat(filepath.Join(dir, "assets")); err != nil {
		t.Error("non-entry folder touched")
	}
	if _, err := os.Stat(filepath.Join(dir, ".staging-bbbbbbbbbbbb-1")); !os.IsNotExist(err) {
		t.Error("stale staging folder kept")
	}
	if !reflect.DeepEqual(report.Plan.ToDelete, []string{stale}) {
		t.Errorf("ToDelete = %v", report.Plan.ToDelete)
	}
	if report.Count(model.StatusDownloaded) != 2 || report.Count(model.StatusSkipped) != 1 || report.Count(model.StatusFailed) != 0 {
		t.Errorf("outcomes = %+v", report.Outcomes)
	}
	if !reflect.DeepEqual(mailbox.fetched, []uint32{3, 2, 1}) {
		t.Errorf("fetch order = %v, want newest first", mailbox.fetched)
	}
	if report.Entries != 2 || !report.IndexWritten {
		t.Errorf("Entries = %d, IndexWritten = %v", report.Entries, report.IndexWritten)
	}

	page, err := os.ReadFile(filepath.Join(dir, subject.IDFor("Deploy previews"), archive.PageName))
	if err != nil {
		t.Fatalf("read page: %v", err)
	}
	if !strings.Contains(string(page), "<title>Deploy previews</title>") {
		t.Error("viewer page lacks normalized title")
	}
	index, err := os.ReadFile(filepath.Join(dir, archive.PageName))
	if err != nil {
		t.Fatalf("read index: %v", err)
	}
	if !strings.Contains(string(index), "Launch week") || !strings.Contains(string(index), "Deploy previews") {
		t.Error("index lacks entries")
	}

	summary := reporter.Summary()
	if summary.Scanned != 3 || summary.Downloaded != 2 || summary.Skipped != 1 || summary.Deleted != 1 || summary.Entries != 2 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestRun_Idempotent(t *testing.T) {
	dir := t.TempDir()
	mailbox := &memoryMailbox{messages: [][]byte{
		newsletter("One", "1"),
		newsletter("Two", "2"),
		plainText("Three"),
	}}

	if _, err := newRunner(t, mailbox, dir, config.Config{}).Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	before := snapshot(t, dir)

	report, err := newRunner(t, mailbox, dir, config.Config{}).Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if after := snapshot(t, dir); !reflect.DeepEqual(before, after) {
		t.Error("second run changed the archive")
	}
	if report.IndexWritten {
		t.Error("unchanged index rewritten")
	}
	if len(report.Plan.ToDelete) != 0 || report.Count(model.StatusDownloaded) != 0 {
		t.Errorf("second run plan = %+v", report.Plan)
	}
}

func TestRun_BatchCap(t *testing.T) {
	dir := t.TempDir()
	var messages [][]byte
	for i := 1; i <= 5; i++ {
		messages = append(messages, newsletter(fmt.Sprintf("Issue %d", i), "body"))
	}
	mailbox := &memoryMailbox{messages: messages}
	cfg := config.Config{BatchSize: 2}

	for run, want := range []int{2, 4, 5, 5} {
		report, err := newRunner(t, mailbox, dir, cfg).Run(context.Background())
		if err != nil {
			t.Fatalf("run %d: Run() error = %v", run, err)
		}
		if got := len(entryIDs(t, dir)); got != want {
			t.Errorf("run %d: %d entries, want %d", run, got, want)
		}
		if len(report.Plan.ToDownload) > 2 {
			t.Errorf("run %d: batch of %d exceeds cap", run, len(report.Plan.ToDownload))
		}
	}
}

func TestRun_BatchTakesNewestFirst(t *testing.T) {
	dir := t.TempDir()
	mailbox := &memoryMailbox{messages: [][]byte{
		newsletter("Old", "o"),
		newsletter("Middle", "m"),
		newsletter("New", "n"),
	}}

	if _, err := newRunner(t, mailbox, dir, config.Config{BatchSize: 1}).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := entryIDs(t, dir); !reflect.DeepEqual(got, []string{subject.IDFor("New")}) {
		t.Errorf("entries = %v", got)
	}
}

func TestRun_SkippedMessagesDoNotHoldBatchSlots(t *testing.T) {
	dir := t.TempDir()
	mailbox := &memoryMailbox{messages: [][]byte{
		newsletter("Oldest", "o"),
		newsletter("Older", "o"),
		plainText("Plain one"),
		plainText("Plain two"),
	}}
	report, err := newRunner(t, mailbox, dir, config.Config{BatchSize: 2}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := report.Count(model.StatusSkipped); got != 2 {
		t.Errorf("skipped %d, want 2", got)
	}
	if got := report.Count(model.StatusDownloaded); got != 2 {
		t.Errorf("downloaded %d, want 2", got)
	}
	if len(report.Backfilled) != 2 || report.Backfilled[0].Ref != 2 || report.Backfilled[1].Ref != 1 {
		t.Errorf("Backfilled = %+v", report.Backfilled)
	}

	want := []string{subject.IDFor("Oldest"), subject.IDFor("Older")}
	slices.Sort(want)
	if got := entryIDs(t, dir); !reflect.DeepEqual(got, want) {
		t.Errorf("entries = %v, want %v", got, want)
	}
}

func TestRun_SubjectCollisionLastWins(t *testing.T) {
	dir := t.TempDir()
	mailbox := &memoryMailbox{messages: [][]byte{
		newsletter("Hello", "earlier body"),
		newsletter("Re: Hello", "later body"),
	}}

	if _, err := newRunner(t, mailbox, dir, config.Config{}).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	ids := entryIDs(t, dir)
	if !reflect.DeepEqual(ids, []string{subject.IDFor("Hello")}) {
		t.Fatalf("entries = %v", ids)
	}
	page, err := os.ReadFile(filepath.Join(dir, ids[0], archive.PageName))
	if err != nil {
		t.Fatalf("read page: %v", err)
	}
	if !strings.Contains(string(page), "later body") || strings.Contains(string(page), "earlier body") {
		t.Error("collision did not keep the later message")
	}
}

func TestRun_FailedItemLeavesNoFolder(t *testing.T) {
	dir := t.TempDir()
	mailbox := &memoryMailbox{
		messages:  [][]byte{newsletter("Broken", "x"), newsletter("Fine", "y")},
		failFetch: map[uint32]bool{1: true},
	}

	report, err := newRunner(t, mailbox, dir, config.Config{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Count(model.StatusFailed) != 1 || report.Count(model.StatusDownloaded) != 1 {
		t.Errorf("outcomes = %+v", report.Outcomes)
	}
	if got := entryIDs(t, dir); !reflect.DeepEqual(got, []string{subject.IDFor("Fine")}) {
		t.Errorf("entries = %v", got)
	}
	dirents, _ := os.ReadDir(dir)
	for _, d := range dirents {
		if strings.HasPrefix(d.Name(), ".") {
			t.Errorf("leftover %s", d.Name())
		}
	}

	// The failed item is retried by the next run.
	mailbox.failFetch = nil
	if _, err := newRunner(t, mailbox, dir, config.Config{}).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := len(entryIDs(t, dir)); got != 2 {
		t.Errorf("%d entries after retry, want 2", got)
	}
}

func TestRun_ScanFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "aaaaaaaaaaaa"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	scanErr := errors.New("authentication failed")

	_, err := newRunner(t, &memoryMailbox{scanErr: scanErr}, dir, config.Config{}).Run(context.Background())
	if !errors.Is(err, scanErr) {
		t.Fatalf("Run() error = %v, want %v", err, scanErr)
	}
	if got := entryIDs(t, dir); !reflect.DeepEqual(got, []string{"aaaaaaaaaaaa"}) {
		t.Errorf("archive touched: %v", got)
	}
}

func TestRun_DryRun(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	mailbox := &memoryMailbox{messages: [][]byte{newsletter("One", "1")}}

	report, err := newRunner(t, mailbox, dir, config.Config{DryRun: true}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(report.Plan.ToDownload) != 1 || !report.DryRun {
		t.Errorf("report = %+v", report)
	}
	if len(mailbox.fetched) != 0 {
		t.Error("dry run fetched messages")
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("dry run created the output directory")
	}
}

func TestRun_HeaderFilter(t *testing.T) {
	dir := t.TempDir()
	mailbox := &memoryMailbox{messages: [][]byte{
		newsletter("Wanted", "w"),
		newsletter("Unsubscribe confirmation", "u"),
	}}
	cfg := config.Config{ExcludeHeader: []string{"(?i)subject:.*unsubscribe"}}

	report, err := newRunner(t, mailbox, dir, cfg).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := entryIDs(t, dir); !reflect.DeepEqual(got, []string{subject.IDFor("Wanted")}) {
		t.Errorf("entries = %v", got)
	}
	if report.Count(model.StatusDownloaded) != 1 {
		t.Errorf("outcomes = %+v", report.Outcomes)
	}
}

func TestRun_CanceledContext(t *testing.T) {
	dir := t.TempDir()
	mailbox := &memoryMailbox{messages: [][]byte{newsletter("One", "1")}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newRunner(t, mailbox, dir, config.Config{}).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if len(entryIDs(t, dir)) != 0 {
		t.Error("canceled run created entries")
	}
}

func TestNew_InvalidFilter(t *testing.T) {
	_, err := New(config.Config{IncludeHeader: []string{"("}}, &memoryMailbox{}, archive.NewStore(t.TempDir(), nil), content.NewProcessor(nil, nil), nil)
	if err == nil {
		t.Error("New() accepted an invalid pattern")
	}
}

func sorted(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return out
}
