package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/dunamismax/mediaflow/internal/id"
)

// MemoryJobStore keeps jobs in process memory. Nothing survives a restart.
type MemoryJobStore struct {
	mu    sync.RWMutex
	jobs  map[string]domain.Job
	order []string
	now   func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryJobStore) Create(_ context.Context, spec domain.JobSpec) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := domain.NewJob(id.New(), spec, s.now())
	if _, exists := s.jobs[job.ID]; exists {
		return domain.Job{}, fmt.Errorf("insert job: duplicate id %s", job.ID)
	}
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	return job, nil
}

func (s *MemoryJobStore) Update(_ context.Context, jobID string, patch domain.JobPatch) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrNotFound, jobID)
	}

	next, err := job.Apply(patch, s.now())
	if err != nil {
		return job, err
	}
	s.jobs[jobID] = next
	return next, nil
}

func (s *MemoryJobStore) Get(_ context.Context, jobID string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrNotFound, jobID)
	}
	return job, nil
}

func (s *MemoryJobStore) List(_ context.Context) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Job, 0, len(s.order))
	for _, jobID := range s.order {
		out = append(out, s.jobs[jobID])
	}
	return out, nil
}

func (s *MemoryJobStore) Close() error {
	return nil
}
