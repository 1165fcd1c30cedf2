package postgres

import (
	"context"
	"fmt"

	"benchmate/internal/store"

	"github.com/google/uuid"
)

func (r *repo) AppendLog(ctx context.Context, jobID uuid.UUID, content string) error {
	query := `INSERT INTO job_logs (job_id, content) VALUES ($1, $2)`
	if _, err := r.ex.ExecContext(ctx, query, jobID, content); err != nil {
		return fmt.Errorf("failed to append log for job %s: %w", jobID, err)
	}
	return nil
}

func (r *repo) ListLogs(ctx context.Context, jobID uuid.UUID) ([]store.LogEntry, error) {
	query := `
		SELECT id, job_id, content, created_at
		FROM job_logs
		WHERE job_id = $1
		ORDER BY id ASC
	`

	rows, err := r.ex.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []store.LogEntry
	for rows.Next() {
		var entry store.LogEntry
		if err := rows.Scan(&entry.ID, &entry.JobID, &entry.Content, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}

	return logs, rows.Err()
}
