package domain

import (
	"errors"
	"testing"
	"time"
)

func TestSubmitRequestValidate(t *testing.T) {
	valid := SubmitRequest{
		URL:     "http://x/video",
		Format:  "MP4",
		Quality: "720p",
	}
	spec, err := valid.Validate()
	if err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}
	if spec.Format != FormatMP4 || spec.Quality != Quality720p {
		t.Fatalf("unexpected spec: %+v", spec)
	}

	lowercase := SubmitRequest{URL: "https://example.com/a", Format: "opus", Quality: "4k"}
	spec, err = lowercase.Validate()
	if err != nil {
		t.Fatalf("expected case-insensitive parse, got error: %v", err)
	}
	if spec.Format != FormatOPUS || spec.Quality != Quality4K {
		t.Fatalf("expected canonical values, got %+v", spec)
	}

	invalid := []SubmitRequest{
		{},
		{URL: "http://x/video", Format: "AVI", Quality: "720p"},
		{URL: "http://x/video", Format: "MP4", Quality: "8K"},
		{URL: "ftp://x/video", Format: "MP4", Quality: "720p"},
		{URL: "not a url", Format: "MP4", Quality: "720p"},
		{URL: "http://x/video", Format: "MP4", Quality: "720p", WebhookURL: "mailto:me"},
	}
	for i, req := range invalid {
		if _, err := req.Validate(); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("case %d: expected ErrInvalidArgument, got %v", i, err)
		}
	}
}

func TestQualityMaxHeight(t *testing.T) {
	cases := map[Quality]int{
		Quality144p:  144,
		Quality720p:  720,
		Quality1080p: 1080,
		Quality4K:    2160,
		QualityBest:  0,
	}
	for q, want := range cases {
		if got := q.MaxHeight(); got != want {
			t.Fatalf("%s: expected %d, got %d", q, want, got)
		}
	}
}

func TestJobApplyLifecycle(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	job := NewJob("J1", JobSpec{SourceURL: "http://x/video", Format: FormatMP4, Quality: Quality720p}, now)
	if job.Status != JobStatusQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}

	job, err := job.Apply(StatusPatch(JobStatusRunning), now)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", job.Attempts)
	}

	job, err = job.Apply(ProgressPatch(55), now)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if _, err := job.Apply(ProgressPatch(10), now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected decreasing progress to be rejected, got %v", err)
	}

	done, err := job.Apply(CompletedPatch("/tmp/J1.mp4"), now.Add(time.Second))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Progress != 100 || done.ResultPath != "/tmp/J1.mp4" || done.FinishedAt.IsZero() {
		t.Fatalf("unexpected completed job: %+v", done)
	}

	if _, err := done.Apply(FailedPatch("late"), now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected terminal job to reject updates, got %v", err)
	}
	if _, err := done.Apply(ProgressPatch(100), now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected terminal job to reject progress, got %v", err)
	}
}

func TestJobApplyRejectsIllegalEdges(t *testing.T) {
	now := time.Now().UTC()
	queued := NewJob("J2", JobSpec{SourceURL: "http://x/a", Format: FormatMP3, Quality: QualityBest}, now)

	if _, err := queued.Apply(CompletedPatch("/tmp/x.mp3"), now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected queued->completed to be rejected, got %v", err)
	}
	if _, err := queued.Apply(ProgressPatch(5), now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected progress on queued job to be rejected, got %v", err)
	}

	cancelled, err := queued.Apply(FailedPatch(ReasonCancelled), now)
	if err != nil {
		t.Fatalf("queued->failed: %v", err)
	}
	if cancelled.ErrorMessage != ReasonCancelled {
		t.Fatalf("expected cancelled reason, got %q", cancelled.ErrorMessage)
	}

	running, _ := queued.Apply(StatusPatch(JobStatusRunning), now)
	running, _ = running.Apply(ProgressPatch(40), now)
	requeued, err := running.Apply(StatusPatch(JobStatusQueued), now)
	if err != nil {
		t.Fatalf("running->queued: %v", err)
	}
	if requeued.Progress != 0 {
		t.Fatalf("expected progress reset on retry, got %d", requeued.Progress)
	}
}

func TestJobTerminalEvent(t *testing.T) {
	now := time.Now().UTC()
	job := NewJob("J3", JobSpec{SourceURL: "http://x/a", Format: FormatMKV, Quality: Quality1080p}, now)
	if _, ok := job.TerminalEvent(); ok {
		t.Fatal("expected no terminal event for a queued job")
	}

	failed, _ := job.Apply(FailedPatch("boom"), now)
	ev, ok := failed.TerminalEvent()
	if !ok || ev.Kind != EventFailed || ev.Reason != "boom" {
		t.Fatalf("unexpected terminal event: %+v ok=%v", ev, ok)
	}
}
