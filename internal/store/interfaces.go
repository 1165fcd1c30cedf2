package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx.
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// JobStore persists job records. Terminal jobs are frozen: UpdateJob on a
// terminal job fails with InvalidTransition and changes nothing.
type JobStore interface {
	// CreateJob inserts a new job record.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob returns a job by its ID, or a NotFound error.
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)

	// UpdateJob overwrites a non-terminal job.
	UpdateJob(ctx context.Context, job *Job) error

	// ListJobs returns jobs matching the filter, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)

	// ActiveJobs returns Queued and Running jobs, oldest first.
	ActiveJobs(ctx context.Context) ([]Job, error)
}

// BenchStore persists benches and their sites.
type BenchStore interface {
	GetBench(ctx context.Context, id string) (*Bench, error)
	ListBenches(ctx context.Context) ([]Bench, error)
	PutBench(ctx context.Context, bench *Bench) error

	GetSite(ctx context.Context, bench, name string) (*Site, error)
	ListSites(ctx context.Context, bench string) ([]Site, error)
	PutSite(ctx context.Context, site *Site) error
}

// LogStore handles job output.
type LogStore interface {
	AppendLog(ctx context.Context, jobID uuid.UUID, content string) error
	ListLogs(ctx context.Context, jobID uuid.UUID) ([]LogEntry, error)
}

// Repository is everything that can be read or written inside one unit of work.
type Repository interface {
	JobStore
	BenchStore
	LogStore
}

// Store is a Repository that can run atomic units of work.
type Store interface {
	Repository

	// Atomically runs fn against a transactional view of the store. Writes
	// become visible only if fn returns nil.
	Atomically(ctx context.Context, fn func(Repository) error) error

	Ping(ctx context.Context) error
	Close() error
}
