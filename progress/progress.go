package progress

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pterm/pterm"

	"github.com/dhcgn/newsletter-archive/stats"
)

// Bar shows the download batch of a run as a terminal progress bar. It starts
// once the plan is known and advances for every finished batch item.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	done    int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar; a disabled bar ignores all events.
func New(enabled bool) *Bar {
	return &Bar{enabled: enabled}
}

// Update advances the progress bar based on the event type.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypePlanned:
		b.start(evt.Count)
	case stats.EventTypeDeferred:
		pterm.Info.Printf("Deferred to later runs: %d\n", evt.Count)
	case stats.EventTypeBackfilled:
		b.extend()
	case stats.EventTypeDownloaded, stats.EventTypeSkipped:
		b.increment(evt.ID)
	case stats.EventTypeError:
		// Show error messages above the progress bar
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
		if evt.Stage == stats.StageDownload {
			b.increment(evt.ID)
		}
	case stats.EventTypeIndexed:
		b.stop()
	}
}

func (b *Bar) start(total int) {
	b.total = total
	if total == 0 {
		pterm.Info.Println("Archive is up to date")
		return
	}
	pb, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle("Archiving newsletters").
		Start()
	if err != nil {
		return
	}
	b.pb = pb
}

func (b *Bar) extend() {
	b.total++
	if b.pb != nil {
		b.pb.Total++
	}
}

func (b *Bar) increment(id string) {
	b.done++
	if b.pb == nil {
		return
	}
	if id != "" {
		b.pb.UpdateTitle("Archiving " + id)
	}
	b.pb.Increment()
}

func (b *Bar) stop() {
	if b.pb == nil {
		return
	}
	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
	b.pb = nil
	pterm.Success.Println("Batch complete!")
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stop()
}

// Done returns the number of finished batch items seen so far.
func (b *Bar) Done() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Subscriber creates a stats subscriber function that updates the progress bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// ProgressReporter wraps the stats Reporter with progress bar functionality.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	started   time.Time
}

// NewProgressReporter subscribes the bar and a summary printer to stream when
// the bar is enabled.
func NewProgressReporter(stream stats.EventStream, bar *Bar) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

// collectStats collects statistics and prints final summary.
func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)
	summary := pr.collector.Snapshot()

	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", time.Since(pr.started).Round(time.Millisecond))
	pterm.Info.Printf("Scanned: %d (filtered out: %d)\n", summary.Scanned, summary.Filtered)
	pterm.Info.Printf("Deleted: %d\n", summary.Deleted)
	pterm.Info.Printf("Downloaded: %d (%d images, %s pages)\n", summary.Downloaded, summary.Images, humanize.Bytes(uint64(summary.PageBytes)))
	pterm.Info.Printf("Skipped (no HTML): %d\n", summary.Skipped)
	pterm.Info.Printf("Deferred: %d\n", summary.Deferred)
	pterm.Info.Printf("Archive entries: %d\n", summary.Entries)
	pterm.Info.Printf("Errors: %d\n", summary.Errors)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
	return nil
}

// Summary returns the counters collected so far.
func (pr *ProgressReporter) Summary() stats.Summary {
	return pr.collector.Snapshot()
}
