package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeNotifyJob = "download:notify"

const (
	EventCompleted = "download.completed"
	EventFailed    = "download.failed"
)

// NotifyPayload carries the finished job so the notifier does not need access
// to the job store.
type NotifyPayload struct {
	DeliveryID   string    `json:"delivery_id"`
	Event        string    `json:"event"`
	WebhookURL   string    `json:"webhook_url"`
	JobID        string    `json:"job_id"`
	SourceURL    string    `json:"source_url"`
	Format       string    `json:"format"`
	Quality      string    `json:"quality"`
	Status       string    `json:"status"`
	ResultPath   string    `json:"result_path,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Attempts     int       `json:"attempts"`
	FinishedAt   time.Time `json:"finished_at"`
}

func NotifyPayloadFor(deliveryID string, job domain.Job) (NotifyPayload, error) {
	if job.WebhookURL == "" {
		return NotifyPayload{}, errors.New("job has no webhook url")
	}

	event := ""
	switch job.Status {
	case domain.JobStatusCompleted:
		event = EventCompleted
	case domain.JobStatusFailed:
		event = EventFailed
	default:
		return NotifyPayload{}, fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, job.ID, job.Status)
	}

	return NotifyPayload{
		DeliveryID:   deliveryID,
		Event:        event,
		WebhookURL:   job.WebhookURL,
		JobID:        job.ID,
		SourceURL:    job.SourceURL,
		Format:       string(job.Format),
		Quality:      string(job.Quality),
		Status:       string(job.Status),
		ResultPath:   job.ResultPath,
		ErrorMessage: job.ErrorMessage,
		Attempts:     job.Attempts,
		FinishedAt:   job.FinishedAt,
	}, nil
}

func NewNotifyTask(payload NotifyPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal notify payload: %w", err)
	}
	return asynq.NewTask(TypeNotifyJob, body), nil
}

func ParseNotifyPayload(task *asynq.Task) (NotifyPayload, error) {
	var payload NotifyPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return NotifyPayload{}, fmt.Errorf("unmarshal notify payload: %w", err)
	}
	if payload.JobID == "" || payload.WebhookURL == "" {
		return NotifyPayload{}, errors.New("notify payload is missing job_id or webhook_url")
	}
	return payload, nil
}
