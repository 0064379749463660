package store

import (
	"context"

	"github.com/dunamismax/mediaflow/internal/domain"
)

// JobStore persists job records. Implementations are safe for concurrent use
// and apply every Update atomically per record through domain.Job.Apply.
type JobStore interface {
	Create(ctx context.Context, spec domain.JobSpec) (domain.Job, error)
	Update(ctx context.Context, id string, patch domain.JobPatch) (domain.Job, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	List(ctx context.Context) ([]domain.Job, error)
	Close() error
}
