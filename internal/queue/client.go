package queue

import (
	"context"
	"time"

	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/dunamismax/mediaflow/internal/id"
	"github.com/hibiken/asynq"
)

type Client struct {
	client   *asynq.Client
	queue    string
	maxRetry int
	timeout  time.Duration
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, maxRetry int, timeout time.Duration) *Client {
	if maxRetry < 0 {
		maxRetry = 0
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Client{
		client:   asynq.NewClient(redisOpt),
		queue:    queueName,
		maxRetry: maxRetry,
		timeout:  timeout,
	}
}

func (c *Client) EnqueueNotify(ctx context.Context, payload NotifyPayload) (*asynq.TaskInfo, error) {
	task, err := NewNotifyTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.DeliveryID),
		asynq.MaxRetry(c.maxRetry),
		asynq.Timeout(c.timeout),
	)
}

// NotifyFinished enqueues one webhook delivery for a finished job.
func (c *Client) NotifyFinished(ctx context.Context, job domain.Job) error {
	payload, err := NotifyPayloadFor(id.New(), job)
	if err != nil {
		return err
	}
	_, err = c.EnqueueNotify(ctx, payload)
	return err
}

func (c *Client) Close() error {
	return c.client.Close()
}
