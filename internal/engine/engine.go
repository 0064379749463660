package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/dunamismax/mediaflow/internal/domain"
)

const (
	DefaultProgressInterval = 250 * time.Millisecond
	DefaultStallTimeout     = 30 * time.Second
)

// ErrStalled is the cancellation cause used when a fetch stops making progress.
var ErrStalled = errors.New("download stalled")

type Request struct {
	JobID   string
	URL     string
	Format  domain.Format
	Quality domain.Quality
}

// Fetcher retrieves one source into a local file. It calls report with a
// percentage whenever it makes progress and must remove partial output and
// close its connections before returning an error.
type Fetcher interface {
	Fetch(ctx context.Context, req Request, report func(percent int)) (path string, err error)
}

// Uploader moves a finished file somewhere else and returns its new location.
type Uploader interface {
	UploadResult(ctx context.Context, jobID, localPath string) (string, error)
}

type Options struct {
	ProgressInterval time.Duration
	StallTimeout     time.Duration
	Uploader         Uploader
}

type Engine struct {
	fetcher          Fetcher
	uploader         Uploader
	progressInterval time.Duration
	stallTimeout     time.Duration
	now              func() time.Time
}

func New(fetcher Fetcher, opts Options) *Engine {
	interval := opts.ProgressInterval
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	stall := opts.StallTimeout
	if stall == 0 {
		stall = DefaultStallTimeout
	}

	return &Engine{
		fetcher:          fetcher,
		uploader:         opts.Uploader,
		progressInterval: interval,
		stallTimeout:     stall,
		now:              time.Now,
	}
}

// Execute runs one download and emits progress followed by exactly one
// terminal event. It returns only after the fetcher has released its resources.
func (e *Engine) Execute(ctx context.Context, req Request, emit func(domain.Event)) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	wd := newWatchdog(e.stallTimeout, func() { cancel(ErrStalled) })
	defer wd.stop()

	gate := &progressGate{interval: e.progressInterval, now: e.now, last: -1}
	report := func(percent int) {
		wd.touch()
		if p, ok := gate.allow(percent); ok {
			emit(domain.ProgressEvent(req.JobID, p))
		}
	}

	path, err := e.fetch(ctx, req, report)
	if err == nil && e.uploader != nil {
		wd.touch()
		path, err = e.uploader.UploadResult(ctx, req.JobID, path)
		if err != nil {
			err = fmt.Errorf("upload result: %w", err)
		}
	}
	if err == nil && strings.TrimSpace(path) == "" {
		err = errors.New("fetcher returned no output path")
	}

	if err != nil {
		emit(domain.FailedEvent(req.JobID, failureReason(ctx, err)))
		return
	}
	if p, ok := gate.final(); ok {
		emit(domain.ProgressEvent(req.JobID, p))
	}
	emit(domain.CompletedEvent(req.JobID, path))
}

func (e *Engine) fetch(ctx context.Context, req Request, report func(int)) (path string, err error) {
	defer func() {
		if r := recover(); r != nil {
			path = ""
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	if e.fetcher == nil {
		return "", errors.New("no fetcher configured")
	}
	return e.fetcher.Fetch(ctx, req, report)
}

func failureReason(ctx context.Context, err error) string {
	if errors.Is(context.Cause(ctx), ErrStalled) || errors.Is(err, ErrStalled) {
		return domain.ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ReasonTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ReasonTimeout
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return domain.ReasonCancelled
	}
	return err.Error()
}

// progressGate keeps reported progress monotonic, clamped and rate limited.
type progressGate struct {
	mu       sync.Mutex
	interval time.Duration
	now      func() time.Time
	last     int
	lastAt   time.Time
	held     int
}

func (g *progressGate) allow(percent int) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	percent = min(max(percent, 0), 100)
	if percent <= g.last {
		return 0, false
	}

	now := g.now()
	if g.last >= 0 && percent < 100 && now.Sub(g.lastAt) < g.interval {
		g.held = max(g.held, percent)
		return 0, false
	}
	g.last = percent
	g.lastAt = now
	return percent, true
}

// final flushes a value held back by the rate limit.
func (g *progressGate) final() (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.held > g.last {
		g.last = g.held
		return g.held, true
	}
	return 0, false
}

type watchdog struct {
	timeout time.Duration
	timer   *time.Timer
}

func newWatchdog(timeout time.Duration, fire func()) *watchdog {
	w := &watchdog{timeout: timeout}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, fire)
	}
	return w
}

func (w *watchdog) touch() {
	if w.timer != nil {
		w.timer.Reset(w.timeout)
	}
}

func (w *watchdog) stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}
