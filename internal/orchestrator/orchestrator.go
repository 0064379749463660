package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dunamismax/mediaflow/internal/bus"
	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/dunamismax/mediaflow/internal/engine"
	"github.com/dunamismax/mediaflow/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxActive   = 2
	DefaultCancelGrace = 5 * time.Second

	storeWriteTimeout = 15 * time.Second
)

var ErrClosed = errors.New("orchestrator is closed")

// Executor runs one download and reports through emit. engine.Engine is the
// production implementation.
type Executor interface {
	Execute(ctx context.Context, req engine.Request, emit func(domain.Event))
}

// Notifier is told about jobs with a webhook URL once they finish.
type Notifier interface {
	NotifyFinished(ctx context.Context, job domain.Job) error
}

type Options struct {
	MaxActive   int
	CancelGrace time.Duration
	Notifier    Notifier
}

type Orchestrator struct {
	logger   *log.Logger
	store    store.JobStore
	bus      *bus.Bus
	executor Executor
	notifier Notifier
	limit    int
	grace    time.Duration
	metrics  *metrics
	tracer   trace.Tracer

	mu      sync.Mutex
	pending []pendingJob
	running map[string]*run
	closed  bool
	wg      sync.WaitGroup
}

type pendingJob struct {
	id        string
	createdAt time.Time
}

type run struct {
	jobID     string
	format    domain.Format
	ctx       context.Context
	cancel    context.CancelFunc
	cancelReq chan struct{}
	once      sync.Once

	mu           sync.Mutex
	finished     bool
	progress     int
	seenProgress bool
	requeue      bool
	outcome      domain.JobStatus
}

func (r *run) requestCancel() {
	r.once.Do(func() {
		close(r.cancelReq)
		r.cancel()
	})
}

func (r *run) isFinished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

func New(logger *log.Logger, jobStore store.JobStore, events *bus.Bus, executor Executor, opts Options) *Orchestrator {
	limit := opts.MaxActive
	if limit < 1 {
		limit = DefaultMaxActive
	}
	grace := opts.CancelGrace
	if grace <= 0 {
		grace = DefaultCancelGrace
	}
	if events == nil {
		events = bus.New()
	}

	return &Orchestrator{
		logger:   logger,
		store:    jobStore,
		bus:      events,
		executor: executor,
		notifier: opts.Notifier,
		limit:    limit,
		grace:    grace,
		metrics:  newMetrics(),
		tracer:   otel.Tracer("mediaflow/orchestrator"),
		running:  make(map[string]*run),
	}
}

func (o *Orchestrator) MetricsGatherer() prometheus.Gatherer {
	return o.metrics.registry
}

// Submit validates the request, records a queued job and schedules it.
func (o *Orchestrator) Submit(ctx context.Context, req domain.SubmitRequest) (domain.Job, error) {
	spec, err := req.Validate()
	if err != nil {
		return domain.Job{}, err
	}

	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return domain.Job{}, ErrClosed
	}

	job, err := o.store.Create(ctx, spec)
	if err != nil {
		return domain.Job{}, fmt.Errorf("create job: %w", err)
	}
	o.metrics.submitted.WithLabelValues(string(job.Format)).Inc()
	o.logger.Printf("job submitted job_id=%s format=%s quality=%s url=%s", job.ID, job.Format, job.Quality, job.SourceURL)

	o.enqueue(job)
	return job, nil
}

func (o *Orchestrator) Get(ctx context.Context, jobID string) (domain.Job, error) {
	return o.store.Get(ctx, jobID)
}

func (o *Orchestrator) List(ctx context.Context) ([]domain.Job, error) {
	return o.store.List(ctx)
}

// Subscribe streams the job's events from now on. A job that has already
// finished yields its terminal event once.
func (o *Orchestrator) Subscribe(ctx context.Context, jobID string) (*bus.Subscription, error) {
	sub := o.bus.Subscribe(jobID)

	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		sub.Close()
		return nil, err
	}
	if ev, ok := job.TerminalEvent(); ok {
		sub.Close()
		return bus.Finished(ev), nil
	}
	return sub, nil
}

// Dispatch schedules a queued job. Jobs that are already scheduled, running or
// finished are left alone.
func (o *Orchestrator) Dispatch(ctx context.Context, jobID string) error {
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusQueued {
		return nil
	}
	o.enqueue(job)
	return nil
}

// Recover schedules jobs found in the store. Jobs left running by a previous
// process go back to queued first.
func (o *Orchestrator) Recover(ctx context.Context) error {
	jobs, err := o.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	requeued, scheduled := 0, 0
	for _, job := range jobs {
		switch job.Status {
		case domain.JobStatusRunning:
			updated, err := o.store.Update(ctx, job.ID, domain.StatusPatch(domain.JobStatusQueued))
			if err != nil {
				o.logger.Printf("requeue failed job_id=%s err=%v", job.ID, err)
				continue
			}
			requeued++
			o.enqueue(updated)
		case domain.JobStatusQueued:
			scheduled++
			o.enqueue(job)
		}
	}

	o.logger.Printf("recovered jobs requeued=%d queued=%d", requeued, scheduled)
	return nil
}

// Cancel stops a queued or running job. Queued jobs fail right away; running
// jobs are asked to stop and are failed unilaterally after the grace period.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	o.mu.Lock()
	if r, ok := o.running[jobID]; ok {
		o.mu.Unlock()
		if r.isFinished() {
			return fmt.Errorf("%w: %s", domain.ErrAlreadyTerminal, jobID)
		}
		o.logger.Printf("cancel requested job_id=%s", jobID)
		o.metrics.cancellations.WithLabelValues("running").Inc()
		r.requestCancel()
		return nil
	}
	o.removePendingLocked(jobID)
	o.mu.Unlock()

	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyTerminal, jobID)
	}

	job, err = o.store.Update(ctx, jobID, domain.FailedPatch(domain.ReasonCancelled))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return fmt.Errorf("%w: %s", domain.ErrAlreadyTerminal, jobID)
		}
		return fmt.Errorf("cancel job: %w", err)
	}

	o.logger.Printf("cancelled queued job job_id=%s", jobID)
	o.metrics.cancellations.WithLabelValues("queued").Inc()
	o.metrics.finished.WithLabelValues(string(job.Format), string(job.Status)).Inc()
	if ev, ok := job.TerminalEvent(); ok {
		o.bus.Publish(jobID, ev)
	}
	o.notify(job)
	return nil
}

// Close stops dispatching, cancels running downloads and returns their jobs to
// queued so the next Recover resumes them.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.pending = nil
	o.metrics.queued.Set(0)
	runs := make([]*run, 0, len(o.running))
	for _, r := range o.running {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	for _, r := range runs {
		r.mu.Lock()
		r.requeue = true
		r.mu.Unlock()
		r.requestCancel()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) enqueue(job domain.Job) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if _, busy := o.running[job.ID]; !busy && o.pendingIndexLocked(job.ID) < 0 {
		entry := pendingJob{id: job.ID, createdAt: job.CreatedAt}
		i := sort.Search(len(o.pending), func(i int) bool {
			return o.pending[i].createdAt.After(entry.createdAt)
		})
		o.pending = append(o.pending, pendingJob{})
		copy(o.pending[i+1:], o.pending[i:])
		o.pending[i] = entry
	}
	started := o.dispatchLocked()
	o.mu.Unlock()

	o.start(started)
}

// dispatchLocked moves jobs from pending to running while slots are free.
func (o *Orchestrator) dispatchLocked() []*run {
	var started []*run
	for !o.closed && len(o.running) < o.limit && len(o.pending) > 0 {
		next := o.pending[0]
		o.pending = o.pending[1:]
		if _, busy := o.running[next.id]; busy {
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		r := &run{
			jobID:     next.id,
			ctx:       ctx,
			cancel:    cancel,
			cancelReq: make(chan struct{}),
		}
		o.running[next.id] = r
		o.wg.Add(1)
		started = append(started, r)
	}
	o.metrics.queued.Set(float64(len(o.pending)))
	return started
}

func (o *Orchestrator) start(runs []*run) {
	for _, r := range runs {
		go o.execute(r)
	}
}

func (o *Orchestrator) release(r *run) {
	r.cancel()

	o.mu.Lock()
	if o.running[r.jobID] == r {
		delete(o.running, r.jobID)
	}
	started := o.dispatchLocked()
	o.mu.Unlock()

	o.start(started)
}

func (o *Orchestrator) execute(r *run) {
	defer o.wg.Done()
	defer o.release(r)

	writeCtx, cancelWrite := context.WithTimeout(context.Background(), storeWriteTimeout)
	job, err := o.store.Update(writeCtx, r.jobID, domain.StatusPatch(domain.JobStatusRunning))
	cancelWrite()
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			o.logger.Printf("dispatch failed job_id=%s err=%v", r.jobID, err)
		}
		return
	}
	r.format = job.Format

	startedAt := time.Now()
	o.metrics.running.Inc()
	defer o.metrics.running.Dec()

	ctx, span := o.tracer.Start(r.ctx, "orchestrator.execute", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.format", string(job.Format)),
		attribute.String("job.quality", string(job.Quality)),
		attribute.Int("job.attempt", job.Attempts),
	)
	defer span.End()

	o.logger.Printf("job running job_id=%s attempt=%d", job.ID, job.Attempts)

	req := engine.Request{
		JobID:   job.ID,
		URL:     job.SourceURL,
		Format:  job.Format,
		Quality: job.Quality,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				o.handle(r, domain.FailedEvent(r.jobID, fmt.Sprintf("engine panic: %v", rec)))
			}
		}()
		o.executor.Execute(ctx, req, func(ev domain.Event) {
			o.handle(r, ev)
		})
	}()

	select {
	case <-done:
	case <-r.cancelReq:
		timer := time.NewTimer(o.grace)
		select {
		case <-done:
			timer.Stop()
		case <-timer.C:
			o.logger.Printf("engine ignored cancel, detaching job_id=%s grace=%s", r.jobID, o.grace)
			o.metrics.cancellations.WithLabelValues("forced").Inc()
			o.handle(r, domain.FailedEvent(r.jobID, domain.ReasonCancelled))
		}
	}
	o.handle(r, domain.FailedEvent(r.jobID, "engine stopped without a result"))

	r.mu.Lock()
	outcome := r.outcome
	r.mu.Unlock()

	if outcome.Terminal() {
		o.metrics.duration.WithLabelValues(string(job.Format), string(outcome)).Observe(time.Since(startedAt).Seconds())
	}
	if outcome == domain.JobStatusCompleted {
		span.SetStatus(codes.Ok, "completed")
	} else {
		span.SetStatus(codes.Error, string(outcome))
	}
}

// handle records one engine event. Events for a run are serialized by r.mu,
// so the store write and the publish happen in emission order.
func (o *Orchestrator) handle(r *run, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	switch ev.Kind {
	case domain.EventProgress:
		progress := min(max(ev.Progress, 0), 100)
		if progress < r.progress || (progress == r.progress && r.seenProgress) {
			return
		}
		if _, err := o.store.Update(ctx, r.jobID, domain.ProgressPatch(progress)); err != nil {
			o.logger.Printf("progress update failed job_id=%s progress=%d err=%v", r.jobID, progress, err)
		}
		r.progress = progress
		r.seenProgress = true
		o.metrics.progressEvents.Inc()
		o.bus.Publish(r.jobID, domain.ProgressEvent(r.jobID, progress))

	case domain.EventCompleted, domain.EventFailed:
		r.finished = true

		if ev.Kind == domain.EventCompleted && strings.TrimSpace(ev.Path) == "" {
			ev = domain.FailedEvent(r.jobID, "engine completed without a result path")
		}

		if ev.Kind == domain.EventFailed && r.requeue {
			if _, err := o.store.Update(ctx, r.jobID, domain.StatusPatch(domain.JobStatusQueued)); err != nil {
				o.logger.Printf("requeue on shutdown failed job_id=%s err=%v", r.jobID, err)
			}
			r.outcome = domain.JobStatusQueued
			o.logger.Printf("job returned to queue job_id=%s", r.jobID)
			return
		}

		patch := domain.CompletedPatch(ev.Path)
		if ev.Kind == domain.EventFailed {
			patch = domain.FailedPatch(ev.Reason)
		}

		job, err := o.store.Update(ctx, r.jobID, patch)
		if err != nil {
			o.logger.Printf("terminal update failed job_id=%s kind=%s err=%v", r.jobID, ev.Kind, err)
			job, err = o.store.Get(ctx, r.jobID)
		}

		final := ev
		if err == nil {
			if stored, ok := job.TerminalEvent(); ok {
				final = stored
			}
			r.outcome = job.Status
			o.metrics.finished.WithLabelValues(string(job.Format), string(job.Status)).Inc()
		} else {
			r.outcome = domain.JobStatusFailed
		}
		o.bus.Publish(r.jobID, final)

		if final.Kind == domain.EventCompleted {
			o.logger.Printf("job completed job_id=%s path=%s", r.jobID, final.Path)
		} else {
			o.logger.Printf("job failed job_id=%s reason=%s", r.jobID, final.Reason)
		}
		if err == nil {
			o.notify(job)
		}
	}
}

func (o *Orchestrator) notify(job domain.Job) {
	if o.notifier == nil || job.WebhookURL == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	if err := o.notifier.NotifyFinished(ctx, job); err != nil {
		o.logger.Printf("notification enqueue failed job_id=%s err=%v", job.ID, err)
	}
}

func (o *Orchestrator) pendingIndexLocked(jobID string) int {
	for i, p := range o.pending {
		if p.id == jobID {
			return i
		}
	}
	return -1
}

func (o *Orchestrator) removePendingLocked(jobID string) bool {
	i := o.pendingIndexLocked(jobID)
	if i < 0 {
		return false
	}
	o.pending = append(o.pending[:i], o.pending[i+1:]...)
	o.metrics.queued.Set(float64(len(o.pending)))
	return true
}
