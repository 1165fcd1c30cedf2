// Package memory implements the store interfaces in process memory. It is the
// default store when no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "benchmate/internal/errors"
	"benchmate/internal/store"

	"github.com/google/uuid"
)

type siteRef struct {
	bench string
	name  string
}

type data struct {
	jobs      map[uuid.UUID]store.Job
	order     []uuid.UUID // submission order
	benches   map[string]store.Bench
	sites     map[siteRef]store.Site
	logs      map[uuid.UUID][]store.LogEntry
	nextLogID int64
}

// Store is an in-memory store. Every operation, atomic or not, runs under a
// single mutex against a staged view that is committed only on success.
type Store struct {
	mu  sync.Mutex
	d   data
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		d: data{
			jobs:    make(map[uuid.UUID]store.Job),
			benches: make(map[string]store.Bench),
			sites:   make(map[siteRef]store.Site),
			logs:    make(map[uuid.UUID][]store.LogEntry),
		},
		now: time.Now,
	}
}

// Atomically runs fn against a staged view of the store.
func (s *Store) Atomically(ctx context.Context, fn func(store.Repository) error) error {
	_, err := run(s, func(t *tx) (struct{}, error) {
		return struct{}{}, fn(t)
	})
	return err
}

func run[T any](s *Store, fn func(*tx) (T, error)) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{
		d:       &s.d,
		now:     s.now,
		jobs:    make(map[uuid.UUID]store.Job),
		benches: make(map[string]store.Bench),
		sites:   make(map[siteRef]store.Site),
	}
	v, err := fn(t)
	if err != nil {
		var zero T
		return zero, err
	}
	t.commit()
	return v, nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) CreateJob(ctx context.Context, job *store.Job) error {
	_, err := run(s, func(t *tx) (struct{}, error) { return struct{}{}, t.CreateJob(ctx, job) })
	return err
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	return run(s, func(t *tx) (*store.Job, error) { return t.GetJob(ctx, id) })
}

func (s *Store) UpdateJob(ctx context.Context, job *store.Job) error {
	_, err := run(s, func(t *tx) (struct{}, error) { return struct{}{}, t.UpdateJob(ctx, job) })
	return err
}

func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]store.Job, error) {
	return run(s, func(t *tx) ([]store.Job, error) { return t.ListJobs(ctx, filter) })
}

func (s *Store) ActiveJobs(ctx context.Context) ([]store.Job, error) {
	return run(s, func(t *tx) ([]store.Job, error) { return t.ActiveJobs(ctx) })
}

func (s *Store) GetBench(ctx context.Context, id string) (*store.Bench, error) {
	return run(s, func(t *tx) (*store.Bench, error) { return t.GetBench(ctx, id) })
}

func (s *Store) ListBenches(ctx context.Context) ([]store.Bench, error) {
	return run(s, func(t *tx) ([]store.Bench, error) { return t.ListBenches(ctx) })
}

func (s *Store) PutBench(ctx context.Context, bench *store.Bench) error {
	_, err := run(s, func(t *tx) (struct{}, error) { return struct{}{}, t.PutBench(ctx, bench) })
	return err
}

func (s *Store) GetSite(ctx context.Context, bench, name string) (*store.Site, error) {
	return run(s, func(t *tx) (*store.Site, error) { return t.GetSite(ctx, bench, name) })
}

func (s *Store) ListSites(ctx context.Context, bench string) ([]store.Site, error) {
	return run(s, func(t *tx) ([]store.Site, error) { return t.ListSites(ctx, bench) })
}

func (s *Store) PutSite(ctx context.Context, site *store.Site) error {
	_, err := run(s, func(t *tx) (struct{}, error) { return struct{}{}, t.PutSite(ctx, site) })
	return err
}

func (s *Store) AppendLog(ctx context.Context, jobID uuid.UUID, content string) error {
	_, err := run(s, func(t *tx) (struct{}, error) { return struct{}{}, t.AppendLog(ctx, jobID, content) })
	return err
}

func (s *Store) ListLogs(ctx context.Context, jobID uuid.UUID) ([]store.LogEntry, error) {
	return run(s, func(t *tx) ([]store.LogEntry, error) { return t.ListLogs(ctx, jobID) })
}

// tx is a write-staging view over data. Reads see staged writes first.
type tx struct {
	d   *data
	now func() time.Time

	jobs    map[uuid.UUID]store.Job
	newJobs []uuid.UUID
	benches map[string]store.Bench
	sites   map[siteRef]store.Site
	logs    []store.LogEntry
}

func (t *tx) commit() {
	for id, j := range t.jobs {
		t.d.jobs[id] = j
	}
	t.d.order = append(t.d.order, t.newJobs...)
	for id, b := range t.benches {
		t.d.benches[id] = b
	}
	for ref, s := range t.sites {
		t.d.sites[ref] = s
	}
	for _, e := range t.logs {
		t.d.nextLogID++
		e.ID = t.d.nextLogID
		t.d.logs[e.JobID] = append(t.d.logs[e.JobID], e)
	}
}

func (t *tx) job(id uuid.UUID) (store.Job, bool) {
	if j, ok := t.jobs[id]; ok {
		return j, true
	}
	j, ok := t.d.jobs[id]
	return j, ok
}

func (t *tx) CreateJob(ctx context.Context, job *store.Job) error {
	if _, ok := t.job(job.ID); ok {
		return apperrors.E(apperrors.Conflict, "job %s already exists", job.ID)
	}
	t.jobs[job.ID] = job.Clone()
	t.newJobs = append(t.newJobs, job.ID)
	return nil
}

func (t *tx) GetJob(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	j, ok := t.job(id)
	if !ok {
		return nil, apperrors.E(apperrors.NotFound, "job %s not found", id)
	}
	c := j.Clone()
	return &c, nil
}

func (t *tx) UpdateJob(ctx context.Context, job *store.Job) error {
	cur, ok := t.job(job.ID)
	if !ok {
		return apperrors.E(apperrors.NotFound, "job %s not found", job.ID)
	}
	if cur.State.Terminal() {
		return apperrors.E(apperrors.InvalidTransition, "job %s is %s and can no longer change", job.ID, cur.State)
	}
	t.jobs[job.ID] = job.Clone()
	return nil
}

func (t *tx) allJobIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(t.d.order)+len(t.newJobs))
	ids = append(ids, t.d.order...)
	return append(ids, t.newJobs...)
}

func (t *tx) ListJobs(ctx context.Context, filter store.JobFilter) ([]store.Job, error) {
	ids := t.allJobIDs()
	var out []store.Job
	for i := len(ids) - 1; i >= 0; i-- {
		j, _ := t.job(ids[i])
		if !filter.Match(&j) {
			continue
		}
		out = append(out, j.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (t *tx) ActiveJobs(ctx context.Context) ([]store.Job, error) {
	var out []store.Job
	for _, id := range t.allJobIDs() {
		j, _ := t.job(id)
		if !j.State.Terminal() {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (t *tx) bench(id string) (store.Bench, bool) {
	if b, ok := t.benches[id]; ok {
		return b, true
	}
	b, ok := t.d.benches[id]
	return b, ok
}

func (t *tx) GetBench(ctx context.Context, id string) (*store.Bench, error) {
	b, ok := t.bench(id)
	if !ok {
		return nil, apperrors.E(apperrors.NotFound, "bench %q not found", id)
	}
	c := b.Clone()
	return &c, nil
}

func (t *tx) ListBenches(ctx context.Context) ([]store.Bench, error) {
	seen := make(map[string]bool)
	var out []store.Bench
	for id := range t.benches {
		seen[id] = true
	}
	for id := range t.d.benches {
		seen[id] = true
	}
	for id := range seen {
		b, _ := t.bench(id)
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) PutBench(ctx context.Context, bench *store.Bench) error {
	if bench.ID == "" {
		return apperrors.E(apperrors.Validation, "bench id is required")
	}
	c := bench.Clone()
	c.UpdatedAt = t.now()
	t.benches[bench.ID] = c
	return nil
}

func (t *tx) site(ref siteRef) (store.Site, bool) {
	if s, ok := t.sites[ref]; ok {
		return s, true
	}
	s, ok := t.d.sites[ref]
	return s, ok
}

func (t *tx) GetSite(ctx context.Context, bench, name string) (*store.Site, error) {
	s, ok := t.site(siteRef{bench, name})
	if !ok {
		return nil, apperrors.E(apperrors.NotFound, "site %q not found on bench %q", name, bench)
	}
	return &s, nil
}

func (t *tx) ListSites(ctx context.Context, bench string) ([]store.Site, error) {
	seen := make(map[siteRef]bool)
	for ref := range t.sites {
		if ref.bench == bench {
			seen[ref] = true
		}
	}
	for ref := range t.d.sites {
		if ref.bench == bench {
			seen[ref] = true
		}
	}
	var out []store.Site
	for ref := range seen {
		s, _ := t.site(ref)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (t *tx) PutSite(ctx context.Context, site *store.Site) error {
	if site.Bench == "" || site.Name == "" {
		return apperrors.E(apperrors.Validation, "site bench and name are required")
	}
	c := *site
	c.UpdatedAt = t.now()
	t.sites[siteRef{site.Bench, site.Name}] = c
	return nil
}

func (t *tx) AppendLog(ctx context.Context, jobID uuid.UUID, content string) error {
	t.logs = append(t.logs, store.LogEntry{JobID: jobID, Content: content, CreatedAt: t.now()})
	return nil
}

func (t *tx) ListLogs(ctx context.Context, jobID uuid.UUID) ([]store.LogEntry, error) {
	out := append([]store.LogEntry(nil), t.d.logs[jobID]...)
	for _, e := range t.logs {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out, nil
}
