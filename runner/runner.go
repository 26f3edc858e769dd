package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dhcgn/newsletter-archive/archive"
	"github.com/dhcgn/newsletter-archive/config"
	"github.com/dhcgn/newsletter-archive/content"
	"github.com/dhcgn/newsletter-archive/filter"
	"github.com/dhcgn/newsletter-archive/model"
	"github.com/dhcgn/newsletter-archive/stats"
)

// Mailbox is a source of newsletter messages: a cheap header scan and a full
// fetch by reference.
type Mailbox interface {
	Headers(ctx context.Context) ([]model.Header, error)
	Fetch(ctx context.Context, ref uint32) ([]byte, error)
}

// Processor turns a raw message into a viewer page, storing assets in dir.
type Processor interface {
	Process(ctx context.Context, raw []byte, dir string) (*content.Document, error)
}

// Report is the result of one run.
type Report struct {
	Plan         Plan
	// Backfilled are deferred targets pulled into the batch in place of
	// messages skipped for lack of an HTML body.
	Backfilled   []Target
	Outcomes     []model.Outcome
	Entries      int
	IndexWritten bool
	DryRun       bool
	Duration     time.Duration
}

// Count returns the number of outcomes with the given status.
func (r *Report) Count(status model.Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

type subscriber struct {
	name   string
	fn     func(context.Context, <-chan stats.Event) error
	events chan stats.Event
}

// Runner reconciles the archive folder set with the mailbox.
type Runner struct {
	cfg       config.Config
	mailbox   Mailbox
	store     *archive.Store
	processor Processor
	filter    *filter.Filter
	logger    *slog.Logger

	ctx         context.Context
	subscribers []*subscriber
	statsWG     sync.WaitGroup
}

func New(cfg config.Config, mailbox Mailbox, store *archive.Store, processor Processor, logger *slog.Logger) (*Runner, error) {
	if mailbox == nil {
		return nil, fmt.Errorf("mailbox must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store must not be nil")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	f, err := filter.New(filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		ExcludeHeader: cfg.ExcludeHeader,
	})
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}

	return &Runner{
		cfg:       cfg,
		mailbox:   mailbox,
		store:     store,
		processor: processor,
		filter:    f,
		logger:    logger,
		ctx:       context.Background(),
	}, nil
}

// SubscribeStats registers fn to receive every event of the next Run on its
// own channel. Subscribers run in their own goroutine until the channel closes.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subscribers = append(r.subscribers, &subscriber{name: name, fn: fn})
}

// EmitEvent delivers evt to every subscriber.
func (r *Runner) EmitEvent(evt stats.Event) {
	for _, s := range r.subscribers {
		if s.events == nil {
			continue
		}
		select {
		case <-r.ctx.Done():
			return
		case s.events <- evt:
		}
	}
}

func (r *Runner) startSubscribers(ctx context.Context) {
	r.ctx = ctx
	for _, s := range r.subscribers {
		s.events = make(chan stats.Event, 128)
		r.statsWG.Add(1)
		go func(s *subscriber) {
			defer r.statsWG.Done()
			if err := s.fn(ctx, s.events); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("stats subscriber failed", "subscriber", s.name, "err", err)
			}
		}(s)
	}
}

func (r *Runner) stopSubscribers() {
	for _, s := range r.subscribers {
		if s.events != nil {
			close(s.events)
			s.events = nil
		}
	}
	r.statsWG.Wait()
}

// Run performs one reconciliation: scan, plan, delete stale entries, download
// the batch and regenerate the index. Per-item failures are recorded in the
// report; scan, listing and index failures abort the run.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	started := time.Now()
	r.startSubscribers(ctx)
	defer r.stopSubscribers()

	report, err := r.run(ctx)
	if report != nil {
		report.Duration = time.Since(started)
	}
	if err != nil {
		r.logger.Error("run failed", "duration", time.Since(started), "err", err)
		return report, err
	}

	r.logger.Info("run completed",
		"duration", time.Since(started),
		"downloaded", report.Count(model.StatusDownloaded),
		"skipped", report.Count(model.StatusSkipped),
		"failed", report.Count(model.StatusFailed),
		"entries", report.Entries,
	)
	return report, nil
}

func (r *Runner) run(ctx context.Context) (*Report, error) {
	report := &Report{DryRun: r.cfg.DryRun}

	if !r.cfg.DryRun {
		if err := r.store.Prepare(); err != nil {
			r.EmitEvent(stats.Event{Stage: stats.StageReconcile, Type: stats.EventTypeError, Err: err})
			return report, err
		}
	}

	headers, err := r.mailbox.Headers(ctx)
	if err != nil {
		err = fmt.Errorf("scan mailbox: %w", err)
		r.EmitEvent(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeError, Err: err})
		return report, err
	}

	valid, filtered := Collect(headers, r.allow)
	for range headers {
		r.EmitEvent(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeScanned})
	}
	for i := 0; i < filtered; i++ {
		r.EmitEvent(stats.Event{Stage: stats.StageScan, Type: stats.EventTypeFiltered})
	}

	local, err := r.store.List()
	if err != nil {
		r.EmitEvent(stats.Event{Stage: stats.StageReconcile, Type: stats.EventTypeError, Err: err})
		return report, err
	}

	plan := Reconcile(valid, local, r.cfg.BatchSize)
	report.Plan = plan
	r.logger.Info("reconciliation plan",
		"messages", len(headers),
		"filtered", filtered,
		"valid", len(valid),
		"local", len(local),
		"delete", len(plan.ToDelete),
		"download", len(plan.ToDownload),
		"keep", len(plan.ToKeep),
		"deferred", len(plan.Deferred),
		"dryRun", r.cfg.DryRun,
	)
	r.EmitEvent(stats.Event{Stage: stats.StageReconcile, Type: stats.EventTypePlanned, Count: len(plan.ToDownload)})
	if len(plan.Deferred) > 0 {
		r.EmitEvent(stats.Event{Stage: stats.StageReconcile, Type: stats.EventTypeDeferred, Count: len(plan.Deferred)})
	}

	if r.cfg.DryRun {
		for _, id := range plan.ToDelete {
			r.logger.Info("dry-run delete", "id", id)
		}
		for _, t := range plan.ToDownload {
			r.logger.Info("dry-run download", "id", t.ID, "ref", t.Ref, "title", t.Subject)
		}
		return report, nil
	}

	for _, id := range plan.ToDelete {
		if err := r.store.Delete(id); err != nil {
			r.logger.Warn("delete stale entry failed", "id", id, "err", err)
			r.EmitEvent(stats.Event{Stage: stats.StageReconcile, Type: stats.EventTypeError, ID: id, Err: err})
			continue
		}
		r.logger.Info("deleted stale entry", "id", id)
		r.EmitEvent(stats.Event{Stage: stats.StageReconcile, Type: stats.EventTypeDeleted, ID: id})
	}

	// A message skipped for lack of an HTML body never gets a folder, so its
	// batch slot goes to the next deferred target.
	queue := slices.Clone(plan.ToDownload)
	backlog := slices.Clone(plan.Deferred)
	var canceled error
	for i := 0; i < len(queue); i++ {
		if err := ctx.Err(); err != nil {
			canceled = err
			break
		}
		outcome, pageBytes := r.download(ctx, queue[i])
		report.Outcomes = append(report.Outcomes, outcome)
		r.emitOutcome(outcome, pageBytes)

		if outcome.Status == model.StatusSkipped && len(backlog) > 0 {
			next := backlog[0]
			backlog = backlog[1:]
			queue = append(queue, next)
			report.Backfilled = append(report.Backfilled, next)
			r.logger.Debug("batch slot refilled", "skipped", outcome.ID, "id", next.ID, "ref", next.Ref)
			r.EmitEvent(stats.Event{Stage: stats.StageReconcile, Type: stats.EventTypeBackfilled, ID: next.ID})
		}
	}

	entries, written, err := Reindex(r.store)
	if err != nil {
		r.EmitEvent(stats.Event{Stage: stats.StageIndex, Type: stats.EventTypeError, Err: err})
		return report, err
	}
	report.Entries = entries
	report.IndexWritten = written
	r.logger.Info("index regenerated", "entries", entries, "changed", written)
	r.EmitEvent(stats.Event{Stage: stats.StageIndex, Type: stats.EventTypeIndexed, Count: entries})

	if canceled != nil {
		return report, fmt.Errorf("batch interrupted: %w", canceled)
	}
	return report, nil
}

func (r *Runner) allow(header []byte) bool {
	return r.filter.Allows(header)
}

// download builds one entry in a staging folder and commits it. No folder is
// left behind unless the item succeeds.
func (r *Runner) download(ctx context.Context, t Target) (model.Outcome, int) {
	started := time.Now()
	outcome := model.Outcome{ID: t.ID, Ref: t.Ref}
	logger := r.logger.With("id", t.ID, "ref", t.Ref)

	fail := func(status model.Status, err error) (model.Outcome, int) {
		outcome.Status = status
		outcome.Err = err
		outcome.Duration = time.Since(started)
		if status == model.StatusSkipped {
			logger.Info("message skipped", "reason", err)
		} else {
			logger.Warn("message failed", "err", err)
		}
		return outcome, 0
	}

	raw, err := r.mailbox.Fetch(ctx, t.Ref)
	if err != nil {
		return fail(model.StatusFailed, fmt.Errorf("fetch message: %w", err))
	}

	staging, err := r.store.Stage(t.ID)
	if err != nil {
		return fail(model.StatusFailed, err)
	}

	doc, err := r.processor.Process(ctx, raw, staging)
	if err != nil {
		r.store.Discard(staging)
		if errors.Is(err, content.ErrNoHTMLBody) {
			return fail(model.StatusSkipped, err)
		}
		return fail(model.StatusFailed, fmt.Errorf("process message: %w", err))
	}

	if err := r.store.Commit(t.ID, staging, doc.Page); err != nil {
		r.store.Discard(staging)
		return fail(model.StatusFailed, err)
	}

	outcome.Status = model.StatusDownloaded
	outcome.Images = doc.Images
	outcome.Links = len(doc.Links)
	outcome.Duration = time.Since(started)
	logger.Info("entry archived",
		"title", doc.Meta.Title,
		"sender", doc.Meta.Sender,
		"date", doc.Meta.CreationDate,
		"images", doc.Images,
		"links", len(doc.Links),
		"duration", outcome.Duration,
	)
	return outcome, len(doc.Page)
}

func (r *Runner) emitOutcome(o model.Outcome, pageBytes int) {
	evt := stats.Event{Stage: stats.StageDownload, ID: o.ID}
	switch o.Status {
	case model.StatusDownloaded:
		evt.Type = stats.EventTypeDownloaded
		evt.Count = o.Images
		evt.Bytes = int64(pageBytes)
	case model.StatusSkipped:
		evt.Type = stats.EventTypeSkipped
		evt.Detail = o.Err.Error()
	default:
		evt.Type = stats.EventTypeError
		evt.Err = o.Err
	}
	r.EmitEvent(evt)
}

// Reindex rebuilds the index page from the entry folders on disk. It returns
// the number of entries and whether the index file changed.
func Reindex(store *archive.Store) (int, bool, error) {
	entries, err := store.Entries()
	if err != nil {
		return 0, false, fmt.Errorf("read entries: %w", err)
	}
	written, err := store.WriteIndex(entries)
	if err != nil {
		return len(entries), false, err
	}
	return len(entries), written, nil
}
