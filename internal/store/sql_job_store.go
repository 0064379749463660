package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/mediaflow/internal/domain"
	"github.com/dunamismax/mediaflow/internal/id"
)

const jobColumns = `id, source_url, format, quality, webhook_url, status, progress, result_path, error_message, attempts, created_at, updated_at, finished_at`

// dialect captures what differs between the SQL backends.
type dialect struct {
	name          string
	schema        string
	numberedBinds bool
	rowLock       string
}

// sqlJobStore is the shared implementation behind the SQLite and Postgres stores.
// Every write is a committed transaction before the call returns.
type sqlJobStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func newSQLJobStore(db *sql.DB, d dialect) *sqlJobStore {
	return &sqlJobStore{
		db:      db,
		dialect: d,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *sqlJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("ensure %s jobs schema: %w", s.dialect.name, err)
	}
	return nil
}

func (s *sqlJobStore) Close() error {
	return s.db.Close()
}

func (s *sqlJobStore) Create(ctx context.Context, spec domain.JobSpec) (domain.Job, error) {
	job := domain.NewJob(id.New(), spec, s.now())

	_, err := s.db.ExecContext(
		ctx,
		s.bind(`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		job.ID,
		job.SourceURL,
		string(job.Format),
		string(job.Quality),
		job.WebhookURL,
		string(job.Status),
		job.Progress,
		job.ResultPath,
		job.ErrorMessage,
		job.Attempts,
		job.CreatedAt,
		job.UpdatedAt,
		nullTime(job.FinishedAt),
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return job, nil
}

func (s *sqlJobStore) Update(ctx context.Context, jobID string, patch domain.JobPatch) (domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, fmt.Errorf("begin job update: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(
		ctx,
		s.bind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`+s.dialect.rowLock),
		jobID,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrNotFound, jobID)
		}
		return domain.Job{}, fmt.Errorf("query job: %w", err)
	}

	next, err := job.Apply(patch, s.now())
	if err != nil {
		return job, err
	}

	_, err = tx.ExecContext(
		ctx,
		s.bind(`UPDATE jobs
		 SET status = ?, progress = ?, result_path = ?, error_message = ?, attempts = ?, updated_at = ?, finished_at = ?
		 WHERE id = ?`),
		string(next.Status),
		next.Progress,
		next.ResultPath,
		next.ErrorMessage,
		next.Attempts,
		next.UpdatedAt,
		nullTime(next.FinishedAt),
		jobID,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Job{}, fmt.Errorf("commit job update: %w", err)
	}
	return next, nil
}

func (s *sqlJobStore) Get(ctx context.Context, jobID string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrNotFound, jobID)
		}
		return domain.Job{}, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (s *sqlJobStore) List(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// bind rewrites ? placeholders to $n for drivers that need numbered binds.
func (s *sqlJobStore) bind(query string) string {
	if !s.dialect.numberedBinds {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job        domain.Job
		format     string
		quality    string
		status     string
		finishedAt sql.NullTime
	)
	if err := row.Scan(
		&job.ID,
		&job.SourceURL,
		&format,
		&quality,
		&job.WebhookURL,
		&status,
		&job.Progress,
		&job.ResultPath,
		&job.ErrorMessage,
		&job.Attempts,
		&job.CreatedAt,
		&job.UpdatedAt,
		&finishedAt,
	); err != nil {
		return domain.Job{}, err
	}

	job.Format = domain.Format(format)
	job.Quality = domain.Quality(quality)
	job.Status = domain.JobStatus(status)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if finishedAt.Valid {
		job.FinishedAt = finishedAt.Time.UTC()
	}
	return job, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
