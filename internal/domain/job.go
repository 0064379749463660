package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Failure reasons with a fixed meaning across the engine and orchestrator.
const (
	ReasonCancelled   = "cancelled"
	ReasonTimeout     = "timeout"
	ReasonInterrupted = "interrupted"
)

type SubmitRequest struct {
	URL        string `json:"url"`
	Format     string `json:"format"`
	Quality    string `json:"quality"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

// JobSpec is the validated, immutable part of a job.
type JobSpec struct {
	SourceURL  string
	Format     Format
	Quality    Quality
	WebhookURL string
}

type Job struct {
	ID           string
	SourceURL    string
	Format       Format
	Quality      Quality
	WebhookURL   string
	Status       JobStatus
	Progress     int
	ResultPath   string
	ErrorMessage string
	Attempts     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FinishedAt   time.Time
}

// JobPatch is a partial update. Nil and empty fields are left alone.
type JobPatch struct {
	Status       *JobStatus
	Progress     *int
	ResultPath   string
	ErrorMessage string
}

func (r SubmitRequest) Validate() (JobSpec, error) {
	sourceURL := strings.TrimSpace(r.URL)
	if sourceURL == "" {
		return JobSpec{}, fmt.Errorf("%w: url is required", ErrInvalidArgument)
	}
	if err := validateHTTPURL(sourceURL); err != nil {
		return JobSpec{}, fmt.Errorf("%w: url: %v", ErrInvalidArgument, err)
	}

	format, err := ParseFormat(r.Format)
	if err != nil {
		return JobSpec{}, err
	}
	quality, err := ParseQuality(r.Quality)
	if err != nil {
		return JobSpec{}, err
	}

	webhookURL := strings.TrimSpace(r.WebhookURL)
	if webhookURL != "" {
		if err := validateHTTPURL(webhookURL); err != nil {
			return JobSpec{}, fmt.Errorf("%w: webhook_url: %v", ErrInvalidArgument, err)
		}
	}

	return JobSpec{
		SourceURL:  sourceURL,
		Format:     format,
		Quality:    quality,
		WebhookURL: webhookURL,
	}, nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func NewJob(id string, spec JobSpec, now time.Time) Job {
	return Job{
		ID:         id,
		SourceURL:  spec.SourceURL,
		Format:     spec.Format,
		Quality:    spec.Quality,
		WebhookURL: spec.WebhookURL,
		Status:     JobStatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func StatusPatch(status JobStatus) JobPatch {
	return JobPatch{Status: &status}
}

func ProgressPatch(progress int) JobPatch {
	return JobPatch{Progress: &progress}
}

func CompletedPatch(resultPath string) JobPatch {
	status := JobStatusCompleted
	return JobPatch{Status: &status, ResultPath: resultPath}
}

func FailedPatch(reason string) JobPatch {
	status := JobStatusFailed
	return JobPatch{Status: &status, ErrorMessage: reason}
}

// Apply returns the job with the patch applied, or ErrInvalidTransition when the
// patch would break the lifecycle rules. The receiver is never modified.
func (j Job) Apply(p JobPatch, now time.Time) (Job, error) {
	if j.Status.Terminal() {
		return j, fmt.Errorf("%w: job %s is already %s", ErrInvalidTransition, j.ID, j.Status)
	}

	next := j
	to := j.Status
	if p.Status != nil {
		to = *p.Status
	}
	if !to.Valid() {
		return j, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if to != j.Status && !canTransition(j.Status, to) {
		return j, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	if p.ResultPath != "" && to != JobStatusCompleted {
		return j, fmt.Errorf("%w: result path is only set on completion", ErrInvalidTransition)
	}
	if p.ErrorMessage != "" && to != JobStatusFailed {
		return j, fmt.Errorf("%w: error message is only set on failure", ErrInvalidTransition)
	}

	switch {
	case j.Status == JobStatusQueued && to == JobStatusRunning:
		next.Attempts++
		next.Progress = 0
	case j.Status == JobStatusRunning && to == JobStatusQueued:
		next.Progress = 0
	case to == JobStatusCompleted:
		if strings.TrimSpace(p.ResultPath) == "" {
			return j, fmt.Errorf("%w: completion requires a result path", ErrInvalidTransition)
		}
		next.ResultPath = p.ResultPath
		next.Progress = 100
		next.FinishedAt = now
	case to == JobStatusFailed:
		next.ErrorMessage = p.ErrorMessage
		if strings.TrimSpace(next.ErrorMessage) == "" {
			next.ErrorMessage = "unknown error"
		}
		next.FinishedAt = now
	}

	if p.Progress != nil {
		progress := *p.Progress
		if to != JobStatusRunning {
			return j, fmt.Errorf("%w: progress is only reported while running", ErrInvalidTransition)
		}
		if progress < 0 || progress > 100 {
			return j, fmt.Errorf("%w: progress %d out of range", ErrInvalidTransition, progress)
		}
		if progress < next.Progress {
			return j, fmt.Errorf("%w: progress %d below %d", ErrInvalidTransition, progress, next.Progress)
		}
		next.Progress = progress
	}

	next.Status = to
	next.UpdatedAt = now
	return next, nil
}

func canTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusQueued:
		return to == JobStatusRunning || to == JobStatusFailed
	case JobStatusRunning:
		return to == JobStatusQueued || to == JobStatusCompleted || to == JobStatusFailed
	default:
		return false
	}
}
