package domain

import "time"

type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is one progress, completion or failure notice for a job.
type Event struct {
	JobID    string    `json:"job_id"`
	Kind     EventKind `json:"kind"`
	Progress int       `json:"progress"`
	Path     string    `json:"path,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

func ProgressEvent(jobID string, progress int) Event {
	return Event{JobID: jobID, Kind: EventProgress, Progress: progress, At: time.Now().UTC()}
}

func CompletedEvent(jobID, path string) Event {
	return Event{JobID: jobID, Kind: EventCompleted, Progress: 100, Path: path, At: time.Now().UTC()}
}

func FailedEvent(jobID, reason string) Event {
	return Event{JobID: jobID, Kind: EventFailed, Reason: reason, At: time.Now().UTC()}
}

func (e Event) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventFailed
}

// TerminalEvent rebuilds the final event of a finished job. ok is false while
// the job is still queued or running.
func (j Job) TerminalEvent() (Event, bool) {
	switch j.Status {
	case JobStatusCompleted:
		return Event{JobID: j.ID, Kind: EventCompleted, Progress: 100, Path: j.ResultPath, At: j.FinishedAt}, true
	case JobStatusFailed:
		return Event{JobID: j.ID, Kind: EventFailed, Progress: j.Progress, Reason: j.ErrorMessage, At: j.FinishedAt}, true
	default:
		return Event{}, false
	}
}
