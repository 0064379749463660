package notifier

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/mediaflow/internal/config"
	"github.com/dunamismax/mediaflow/internal/queue"
	"github.com/dunamismax/mediaflow/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Server consumes notify tasks and delivers them as signed webhooks.
type Server struct {
	logger  *log.Logger
	server  *asynq.Server
	sender  webhookSender
	metrics *metrics
	tracer  trace.Tracer
}

type webhookSender interface {
	Send(ctx context.Context, d webhook.Delivery) error
}

func NewServer(logger *log.Logger, queueCfg config.QueueConfig, notifierCfg config.NotifierConfig, sender *webhook.Client) (*Server, error) {
	if sender == nil {
		return nil, fmt.Errorf("webhook client is required")
	}

	return &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: notifierCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sender:  sender,
		metrics: newMetrics(),
		tracer:  otel.Tracer("mediaflow/notifier"),
	}, nil
}

func (s *Server) Handler() asynq.Handler {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeNotifyJob, s.handleNotify)
	return mux
}

func (s *Server) Run() error {
	return s.server.Run(s.Handler())
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleNotify(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseNotifyPayload(task)
	if err != nil {
		s.metrics.deliveries.WithLabelValues("unknown", "invalid").Inc()
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "notifier.deliver", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("webhook.event", payload.Event),
		attribute.String("webhook.delivery_id", payload.DeliveryID),
	)
	defer span.End()

	startedAt := time.Now()
	s.metrics.inFlight.Inc()
	defer func() {
		s.metrics.inFlight.Dec()
		s.metrics.duration.WithLabelValues(payload.Event).Observe(time.Since(startedAt).Seconds())
	}()

	err = s.sender.Send(ctx, webhook.Delivery{
		ID:       payload.DeliveryID,
		Endpoint: payload.WebhookURL,
		Event:    payload.Event,
		Payload:  webhookBody(payload),
	})
	switch {
	case err == nil:
		s.metrics.deliveries.WithLabelValues(payload.Event, "delivered").Inc()
		span.SetStatus(codes.Ok, "delivered")
		s.logger.Printf("webhook delivered job_id=%s event=%s delivery_id=%s", payload.JobID, payload.Event, payload.DeliveryID)
		return nil
	case errors.Is(err, webhook.ErrRejected):
		s.metrics.deliveries.WithLabelValues(payload.Event, "rejected").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected")
		s.logger.Printf("webhook rejected job_id=%s event=%s err=%v", payload.JobID, payload.Event, err)
		return fmt.Errorf("deliver webhook: %v: %w", err, asynq.SkipRetry)
	default:
		s.metrics.deliveries.WithLabelValues(payload.Event, "retry").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		return fmt.Errorf("deliver webhook: %w", err)
	}
}

func webhookBody(p queue.NotifyPayload) map[string]any {
	job := map[string]any{
		"id":          p.JobID,
		"url":         p.SourceURL,
		"format":      p.Format,
		"quality":     p.Quality,
		"status":      p.Status,
		"attempts":    p.Attempts,
		"finished_at": p.FinishedAt,
	}
	if p.ResultPath != "" {
		job["result_path"] = p.ResultPath
	}
	if p.ErrorMessage != "" {
		job["error"] = p.ErrorMessage
	}

	return map[string]any{
		"event":       p.Event,
		"delivery_id": p.DeliveryID,
		"job":         job,
	}
}
