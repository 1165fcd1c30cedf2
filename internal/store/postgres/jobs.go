package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	apperrors "benchmate/internal/errors"
	"benchmate/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const jobColumns = `id, kind, target, params, state, attempt, prior_state, message,
	error_kind, error_detail, result, submitted_at, started_at, finished_at`

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

// CreateJob inserts a new job row.
func (r *repo) CreateJob(ctx context.Context, job *store.Job) error {
	params, result, err := encodeJob(job)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = r.ex.ExecContext(ctx, query,
		job.ID,
		string(job.Kind),
		job.Target.String(),
		params,
		string(job.State),
		job.Attempt,
		job.PriorState,
		job.Message,
		job.ErrorKind,
		job.ErrorDetail,
		result,
		job.SubmittedAt,
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return apperrors.E(apperrors.Conflict, "job %s already exists", job.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob returns a job by ID.
func (r *repo) GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(r.ex.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.E(apperrors.NotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// UpdateJob overwrites a job that is still Queued or Running.
func (r *repo) UpdateJob(ctx context.Context, job *store.Job) error {
	params, result, err := encodeJob(job)
	if err != nil {
		return err
	}

	query := `
		UPDATE jobs
		SET params = $2, state = $3, attempt = $4, prior_state = $5, message = $6,
			error_kind = $7, error_detail = $8, result = $9, started_at = $10, finished_at = $11
		WHERE id = $1 AND state IN ('Queued', 'Running')
	`
	res, err := r.ex.ExecContext(ctx, query,
		job.ID,
		params,
		string(job.State),
		job.Attempt,
		job.PriorState,
		job.Message,
		job.ErrorKind,
		job.ErrorDetail,
		result,
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var state string
	err = r.ex.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = $1`, job.ID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.E(apperrors.NotFound, "job %s not found", job.ID)
	}
	if err != nil {
		return err
	}
	return apperrors.E(apperrors.InvalidTransition, "job %s is %s and cannot change", job.ID, state)
}

// ListJobs returns jobs matching filter, newest first.
func (r *repo) ListJobs(ctx context.Context, filter store.JobFilter) ([]store.Job, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.State != "" {
		add("state = $%d", string(filter.State))
	}
	if filter.Kind != "" {
		add("kind = $%d", string(filter.Kind))
	}
	if filter.Bench != "" {
		add("params->>'bench' = $%d", filter.Bench)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY submitted_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	return r.queryJobs(ctx, query, args...)
}

// ActiveJobs returns Queued and Running jobs, oldest first.
func (r *repo) ActiveJobs(ctx context.Context) ([]store.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE state IN ('Queued', 'Running') ORDER BY submitted_at ASC`
	return r.queryJobs(ctx, query)
}

func (r *repo) queryJobs(ctx context.Context, query string, args ...any) ([]store.Job, error) {
	rows, err := r.ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []store.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func encodeJob(job *store.Job) (params []byte, result []byte, err error) {
	params, err = json.Marshal(job.Params)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode job params: %w", err)
	}
	if job.Result != nil {
		result, err = json.Marshal(job.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode job result: %w", err)
		}
	}
	return params, result, nil
}

func scanJob(row rowScanner) (*store.Job, error) {
	var (
		job                 store.Job
		kind, target, state string
		params, result      []byte
		started, finished   sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&kind,
		&target,
		&params,
		&state,
		&job.Attempt,
		&job.PriorState,
		&job.Message,
		&job.ErrorKind,
		&job.ErrorDetail,
		&result,
		&job.SubmittedAt,
		&started,
		&finished,
	)
	if err != nil {
		return nil, err
	}

	job.Kind = store.JobKind(kind)
	job.State = store.JobState(state)
	job.StartedAt = timePtr(started)
	job.FinishedAt = timePtr(finished)
	if job.Target, err = store.ParseTargetKey(target); err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Params); err != nil {
			return nil, fmt.Errorf("job %s: bad params: %w", job.ID, err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &job.Result); err != nil {
			return nil, fmt.Errorf("job %s: bad result: %w", job.ID, err)
		}
	}
	return &job, nil
}
