package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

type Stage string

const (
	StageScan      Stage = "scan"
	StageReconcile Stage = "reconcile"
	StageDownload  Stage = "download"
	StageIndex     Stage = "index"
)

type EventType string

const (
	EventTypeScanned    EventType = "scanned"
	EventTypeFiltered   EventType = "filtered"
	EventTypePlanned    EventType = "planned"
	EventTypeDeleted    EventType = "deleted"
	EventTypeDownloaded EventType = "downloaded"
	EventTypeSkipped    EventType = "skipped"
	EventTypeDeferred   EventType = "deferred"
	EventTypeBackfilled EventType = "backfilled"
	EventTypeIndexed    EventType = "indexed"
	EventTypeError      EventType = "error"
)

// Event is emitted by the runner for every observable step of a run. Count
// carries the batch size for planned events, the number of stored images for
// downloads, the number of entries for index events and the number of deferred
// items for deferred events. A backfilled event moves one deferred item into
// the running batch.
type Event struct {
	Stage  Stage
	Type   EventType
	ID     string
	Count  int
	Bytes  int64
	Err    error
	Detail string
}

type Summary struct {
	Scanned    int
	Filtered   int
	Planned    int
	Deleted    int
	Downloaded int
	Skipped    int
	Deferred   int
	Backfilled int
	Images     int
	PageBytes  int64
	Entries    int
	Errors     int
	LastError  error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"filtered", s.Filtered,
		"planned", s.Planned,
		"deleted", s.Deleted,
		"downloaded", s.Downloaded,
		"skipped", s.Skipped,
		"deferred", s.Deferred,
		"backfilled", s.Backfilled,
		"images", s.Images,
		"pages", humanize.Bytes(uint64(s.PageBytes)),
		"entries", s.Entries,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Observe(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Observe folds one event into the summary.
func (c *Collector) Observe(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypePlanned:
		c.summary.Planned += evt.Count
	case EventTypeDeleted:
		c.summary.Deleted++
	case EventTypeDownloaded:
		c.summary.Downloaded++
		c.summary.Images += evt.Count
		c.summary.PageBytes += evt.Bytes
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeDeferred:
		c.summary.Deferred += evt.Count
	case EventTypeBackfilled:
		c.summary.Backfilled++
		c.summary.Planned++
		c.summary.Deferred--
	case EventTypeIndexed:
		c.summary.Entries = evt.Count
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

// EventStream fans run events out to subscribers. Each subscriber receives every
// event on its own channel, which is closed when the run ends.
type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}
