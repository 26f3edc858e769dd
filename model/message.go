package model

import "time"

// Header is the cheap, header-only view of a mailbox message gathered while
// scanning a label. Ref addresses the message for a later full fetch: the IMAP
// UID for mailbox sources, the 1-based position for mbox files.
type Header struct {
	Ref uint32
	Raw []byte
}

// Entry is the metadata of one archived email as recovered from its viewer page.
type Entry struct {
	ID            string
	Title         string
	Sender        string
	CreationDate  string
	ArchivingDate string
}

// Path is the entry's viewer page relative to the archive root.
func (e Entry) Path() string {
	return "./" + e.ID + "/index.html"
}

// Status classifies the result of processing one backlog item.
type Status string

const (
	StatusDownloaded Status = "downloaded"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
)

// Outcome is the per-item result aggregated by the batch runner.
type Outcome struct {
	ID       string
	Ref      uint32
	Status   Status
	Err      error
	Images   int
	Links    int
	Duration time.Duration
}
