package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "benchmate/internal/errors"
	"benchmate/internal/store"
)

const benchColumns = `id, path, state, version, branch, apps, error_message, last_synced_at, updated_at`

const siteColumns = `bench_id, name, state, path, last_backup, last_backup_at, updated_at`

func (r *repo) GetBench(ctx context.Context, id string) (*store.Bench, error) {
	query := `SELECT ` + benchColumns + ` FROM benches WHERE id = $1`

	b, err := scanBench(r.ex.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.E(apperrors.NotFound, "bench %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bench %q: %w", id, err)
	}
	return b, nil
}

func (r *repo) ListBenches(ctx context.Context) ([]store.Bench, error) {
	rows, err := r.ex.QueryContext(ctx, `SELECT `+benchColumns+` FROM benches ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list benches: %w", err)
	}
	defer rows.Close()

	var benches []store.Bench
	for rows.Next() {
		b, err := scanBench(rows)
		if err != nil {
			return nil, err
		}
		benches = append(benches, *b)
	}
	return benches, rows.Err()
}

// PutBench inserts or replaces a bench.
func (r *repo) PutBench(ctx context.Context, b *store.Bench) error {
	if b.ID == "" {
		return apperrors.E(apperrors.Validation, "bench id is required")
	}
	apps, err := json.Marshal(b.Apps)
	if err != nil {
		return fmt.Errorf("failed to encode apps: %w", err)
	}
	if b.Apps == nil {
		apps = []byte("[]")
	}
	b.UpdatedAt = r.now()

	query := `
		INSERT INTO benches (` + benchColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			path = EXCLUDED.path,
			state = EXCLUDED.state,
			version = EXCLUDED.version,
			branch = EXCLUDED.branch,
			apps = EXCLUDED.apps,
			error_message = EXCLUDED.error_message,
			last_synced_at = EXCLUDED.last_synced_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.ex.ExecContext(ctx, query,
		b.ID, b.Path, string(b.State), b.Version, b.Branch, apps, b.ErrorMessage, nullTime(b.LastSyncedAt), b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save bench %q: %w", b.ID, err)
	}
	return nil
}

func (r *repo) GetSite(ctx context.Context, bench, name string) (*store.Site, error) {
	query := `SELECT ` + siteColumns + ` FROM sites WHERE bench_id = $1 AND name = $2`

	s, err := scanSite(r.ex.QueryRowContext(ctx, query, bench, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.E(apperrors.NotFound, "site %q not found on bench %q", name, bench)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get site %s/%s: %w", bench, name, err)
	}
	return s, nil
}

func (r *repo) ListSites(ctx context.Context, bench string) ([]store.Site, error) {
	query := `SELECT ` + siteColumns + ` FROM sites WHERE bench_id = $1 ORDER BY name`
	rows, err := r.ex.QueryContext(ctx, query, bench)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	defer rows.Close()

	var sites []store.Site
	for rows.Next() {
		s, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		sites = append(sites, *s)
	}
	return sites, rows.Err()
}

// PutSite inserts or replaces a site.
func (r *repo) PutSite(ctx context.Context, s *store.Site) error {
	if s.Bench == "" || s.Name == "" {
		return apperrors.E(apperrors.Validation, "site bench and name are required")
	}
	s.UpdatedAt = r.now()

	query := `
		INSERT INTO sites (` + siteColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (bench_id, name) DO UPDATE SET
			state = EXCLUDED.state,
			path = EXCLUDED.path,
			last_backup = EXCLUDED.last_backup,
			last_backup_at = EXCLUDED.last_backup_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.ex.ExecContext(ctx, query,
		s.Bench, s.Name, string(s.State), s.Path, s.LastBackup, nullTime(s.LastBackupAt), s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save site %s/%s: %w", s.Bench, s.Name, err)
	}
	return nil
}

func scanBench(row rowScanner) (*store.Bench, error) {
	var (
		b      store.Bench
		state  string
		apps   []byte
		synced sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.Path, &state, &b.Version, &b.Branch, &apps, &b.ErrorMessage, &synced, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.State = store.BenchState(state)
	b.LastSyncedAt = timePtr(synced)
	if len(apps) > 0 {
		if err := json.Unmarshal(apps, &b.Apps); err != nil {
			return nil, fmt.Errorf("bench %q: bad apps: %w", b.ID, err)
		}
	}
	if len(b.Apps) == 0 {
		b.Apps = nil
	}
	return &b, nil
}

func scanSite(row rowScanner) (*store.Site, error) {
	var (
		s        store.Site
		state    string
		backupAt sql.NullTime
	)
	if err := row.Scan(&s.Bench, &s.Name, &state, &s.Path, &s.LastBackup, &backupAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.State = store.SiteState(state)
	s.LastBackupAt = timePtr(backupAt)
	return &s, nil
}
