package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/mediaflow/internal/bus"
	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/dunamismax/mediaflow/internal/orchestrator"
	"github.com/dunamismax/mediaflow/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultHeartbeat = 15 * time.Second

// Jobs is the part of the orchestrator the HTTP layer drives.
type Jobs interface {
	Submit(ctx context.Context, req domain.SubmitRequest) (domain.Job, error)
	Get(ctx context.Context, jobID string) (domain.Job, error)
	List(ctx context.Context) ([]domain.Job, error)
	Cancel(ctx context.Context, jobID string) error
	Subscribe(ctx context.Context, jobID string) (*bus.Subscription, error)
}

type ResultLinker interface {
	ResultExists(ctx context.Context, objectPath string) (bool, error)
	PresignedGetURL(ctx context.Context, objectPath string, expiry time.Duration) (string, error)
}

type Options struct {
	Storage           ResultLinker
	PresignTTL        time.Duration
	RateLimiter       RateLimiter
	RateLimitHeader   string
	SubmitCost        int
	Gatherers         []prometheus.Gatherer
	HeartbeatInterval time.Duration
}

type Server struct {
	logger                *log.Logger
	jobs                  Jobs
	storage               ResultLinker
	presignTTL            time.Duration
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	submitCost            int
	metrics               *metrics
	tracer                trace.Tracer
	heartbeat             time.Duration
	mux                   *http.ServeMux
}

func NewServer(logger *log.Logger, jobs Jobs, opts Options) *Server {
	presignTTL := opts.PresignTTL
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	header := strings.TrimSpace(opts.RateLimitHeader)
	if header == "" {
		header = "X-User-ID"
	}
	submitCost := opts.SubmitCost
	if submitCost <= 0 {
		submitCost = defaultSubmitCost
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	s := &Server{
		logger:                logger,
		jobs:                  jobs,
		storage:               opts.Storage,
		presignTTL:            presignTTL,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: header,
		submitCost:            submitCost,
		metrics:               newMetrics(opts.Gatherers...),
		tracer:                otel.Tracer("mediaflow/api"),
		heartbeat:             heartbeat,
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/downloads", s.handleSubmit)
	s.mux.HandleFunc("GET /v1/downloads", s.handleList)
	s.mux.HandleFunc("GET /v1/downloads/{id}", s.handleGet)
	s.mux.HandleFunc("GET /v1/downloads/{id}/events", s.handleEvents)
	s.mux.HandleFunc("POST /v1/downloads/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /v1/downloads/{id}/file", s.handleFile)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req domain.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	job, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, "submit", "", err)
		return
	}

	s.metrics.downloadsAccepted.WithLabelValues(string(job.Format)).Inc()
	w.Header().Set("Location", "/v1/downloads/"+job.ID)
	writeJSON(w, http.StatusAccepted, newJobResponse(job))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List(r.Context())
	if err != nil {
		s.writeError(w, "list", "", err)
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, newJobResponse(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		s.writeError(w, "get", jobID, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if err := s.jobs.Cancel(r.Context(), jobID); err != nil {
		s.writeError(w, "cancel", jobID, err)
		return
	}

	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		s.writeError(w, "get", jobID, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

// handleEvents streams the job's events as server-sent events until the
// terminal event or client disconnect.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	sub, err := s.jobs.Subscribe(r.Context(), jobID)
	if err != nil {
		s.writeError(w, "subscribe", jobID, err)
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Printf("event stream unsupported job_id=%s err=%v", jobID, err)
		return
	}

	s.metrics.streams.Inc()
	defer s.metrics.streams.Dec()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		s.writeError(w, "file", jobID, err)
		return
	}
	if job.Status != domain.JobStatusCompleted {
		writeJSON(w, http.StatusConflict, map[string]string{"error": fmt.Sprintf("job is %s", job.Status)})
		return
	}

	if storage.IsObjectPath(job.ResultPath) {
		if s.storage == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "object storage is unavailable"})
			return
		}
		exists, err := s.storage.ResultExists(r.Context(), job.ResultPath)
		if err != nil {
			s.logger.Printf("stat result failed job_id=%s err=%v", jobID, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read result"})
			return
		}
		if !exists {
			writeJSON(w, http.StatusGone, map[string]string{"error": "result file is no longer available"})
			return
		}
		url, err := s.storage.PresignedGetURL(r.Context(), job.ResultPath, s.presignTTL)
		if err != nil {
			s.logger.Printf("presign result failed job_id=%s err=%v", jobID, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to generate download URL"})
			return
		}
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
		return
	}

	if _, err := os.Stat(job.ResultPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeJSON(w, http.StatusGone, map[string]string{"error": "result file is no longer available"})
			return
		}
		s.logger.Printf("stat result failed job_id=%s err=%v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read result"})
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(job.ResultPath)))
	http.ServeFile(w, r, job.ResultPath)
}

func (s *Server) writeError(w http.ResponseWriter, op, jobID string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
	case errors.Is(err, domain.ErrAlreadyTerminal):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job already finished"})
	case errors.Is(err, orchestrator.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service is shutting down"})
	default:
		s.logger.Printf("%s failed job_id=%s err=%v", op, jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

type jobResponse struct {
	ID         string     `json:"id"`
	URL        string     `json:"url"`
	Format     string     `json:"format"`
	Quality    string     `json:"quality"`
	WebhookURL string     `json:"webhook_url,omitempty"`
	Status     string     `json:"status"`
	Progress   int        `json:"progress"`
	ResultPath string     `json:"result_path,omitempty"`
	Error      string     `json:"error,omitempty"`
	Attempts   int        `json:"attempts"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	EventsURL  string     `json:"events_url"`
}

func newJobResponse(job domain.Job) jobResponse {
	resp := jobResponse{
		ID:         job.ID,
		URL:        job.SourceURL,
		Format:     string(job.Format),
		Quality:    string(job.Quality),
		WebhookURL: job.WebhookURL,
		Status:     string(job.Status),
		Progress:   job.Progress,
		ResultPath: job.ResultPath,
		Error:      job.ErrorMessage,
		Attempts:   job.Attempts,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
		EventsURL:  "/v1/downloads/" + job.ID + "/events",
	}
	if !job.FinishedAt.IsZero() {
		finished := job.FinishedAt
		resp.FinishedAt = &finished
	}
	return resp
}

func writeEvent(w io.Writer, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	return err
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
