package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arkhaul/arkhaul/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, kind, identifier, files::text, options::text, status, progress,
	transferred_bytes, total_bytes, rate, error, created_at, updated_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	var filesJSON *string
	if job.Files != nil {
		b, err := json.Marshal(job.Files)
		if err != nil {
			return fmt.Errorf("encode files: %w", err)
		}
		str := string(b)
		filesJSON = &str
	}
	optionsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, kind, identifier, files, options, status, progress,
		   transferred_bytes, total_bytes, rate, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, job.Kind, job.Identifier, filesJSON, string(optionsJSON), job.Status,
		job.Progress, job.TransferredBytes, job.TotalBytes, job.Rate, job.Error,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter Filter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	conditions := []string{}
	args := []any{}

	if filter.Kind != "" {
		args = append(args, filter.Kind)
		conditions = append(conditions, fmt.Sprintf("kind = $%d", len(args)))
	}
	switch filter.Status {
	case ActiveJobs:
		conditions = append(conditions, "status IN ('pending', 'running')")
	case TerminalJobs:
		conditions = append(conditions, "status IN ('completed', 'failed', 'cancelled')")
	}

	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) UpdateJob(ctx context.Context, id uuid.UUID, opts ...UpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	query := `UPDATE jobs SET updated_at = $2`
	args := []any{id, time.Now().UTC()}

	appendSet := func(column string, value any) {
		args = append(args, value)
		query += fmt.Sprintf(", %s = $%d", column, len(args))
	}

	if params.Status != nil {
		appendSet("status", *params.Status)
	}
	if params.Progress != nil {
		appendSet("progress", *params.Progress)
	}
	if params.TransferredBytes != nil {
		appendSet("transferred_bytes", *params.TransferredBytes)
	}
	if params.TotalBytes != nil {
		appendSet("total_bytes", *params.TotalBytes)
	}
	if params.Rate != nil {
		appendSet("rate", *params.Rate)
	}
	if params.ErrorMessage != nil {
		appendSet("error", *params.ErrorMessage)
	}

	query += " WHERE id = $1"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ClearTerminal(ctx context.Context, kind string) (int64, error) {
	query := `DELETE FROM jobs WHERE status IN ('completed', 'failed', 'cancelled')`
	args := []any{}
	if kind != "" {
		args = append(args, kind)
		query += " AND kind = $1"
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("clear terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) FailActive(ctx context.Context, reason string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', error = $1, updated_at = $2
		 WHERE status IN ('pending', 'running')`,
		reason, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("fail active jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j           models.Job
		filesJSON   *string
		optionsJSON string
	)
	if err := row.Scan(&j.ID, &j.Kind, &j.Identifier, &filesJSON, &optionsJSON,
		&j.Status, &j.Progress, &j.TransferredBytes, &j.TotalBytes, &j.Rate,
		&j.Error, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if filesJSON != nil {
		if err := json.Unmarshal([]byte(*filesJSON), &j.Files); err != nil {
			return nil, fmt.Errorf("decode files: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(optionsJSON), &j.Options); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	return &j, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
