// Package orchestrator accepts lifecycle job submissions, serializes them per
// target key and drives claimed jobs through the lifecycle state machine.
//
// Submission is synchronous and never touches the runtime driver. Workers
// call Claim to take ready jobs and Complete or Fail to finalize them; the
// entity transition and the job's terminal state are written in one atomic
// store unit and the target lock is released afterwards on every path.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "benchmate/internal/errors"
	"benchmate/internal/event"
	"benchmate/internal/lifecycle"
	"benchmate/internal/lock"
	"benchmate/internal/store"

	"github.com/google/uuid"
)

// Config holds scheduler settings.
type Config struct {
	// MaxRetries is the number of extra attempts per kind after a driver
	// failure. Timeouts and interruptions are never retried.
	MaxRetries map[store.JobKind]int
	Logger     *slog.Logger
}

// Scheduler owns job submission, dispatch bookkeeping and finalization.
type Scheduler struct {
	store  store.Store
	locks  *lock.Manager
	bus    *event.Bus
	cfg    Config
	logger *slog.Logger

	// mu serializes every decision that reads active jobs and then writes.
	mu     sync.Mutex
	notify chan struct{}
	now    func() time.Time
}

// New creates a scheduler.
func New(s store.Store, locks *lock.Manager, bus *event.Bus, cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if bus == nil {
		bus = event.NewBus(cfg.Logger)
	}
	if locks == nil {
		locks = lock.NewManager()
	}
	return &Scheduler{
		store:  s,
		locks:  locks,
		bus:    bus,
		cfg:    cfg,
		logger: cfg.Logger,
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Notify fires when new work may be claimable: after a submission, after a
// job finishes and after a lock is released.
func (s *Scheduler) Notify() <-chan struct{} {
	return s.notify
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Locks returns the lock table.
func (s *Scheduler) Locks() *lock.Manager {
	return s.locks
}

// Bus returns the event bus jobs are published on.
func (s *Scheduler) Bus() *event.Bus {
	return s.bus
}

// Store returns the underlying store.
func (s *Scheduler) Store() store.Store {
	return s.store
}

// TargetFor returns the key a job of kind with params locks.
func TargetFor(kind store.JobKind, params store.JobParams) (store.TargetKey, error) {
	switch {
	case kind == store.KindSyncBenchDetails:
		return store.SyncKey, nil
	case kind.IsBenchKind():
		if params.Bench == "" {
			return store.TargetKey{}, apperrors.E(apperrors.Validation, "bench is required for %s", kind)
		}
		if !store.ValidName(params.Bench) {
			return store.TargetKey{}, apperrors.E(apperrors.Validation, "invalid bench name %q", params.Bench)
		}
		return store.BenchKey(params.Bench), nil
	case kind.IsSiteKind():
		if params.Bench == "" || params.Site == "" {
			return store.TargetKey{}, apperrors.E(apperrors.Validation, "bench and site are required for %s", kind)
		}
		if !store.ValidName(params.Bench) {
			return store.TargetKey{}, apperrors.E(apperrors.Validation, "invalid bench name %q", params.Bench)
		}
		if !store.ValidName(params.Site) {
			return store.TargetKey{}, apperrors.E(apperrors.Validation, "invalid site name %q", params.Site)
		}
		return store.SiteKey(params.Bench, params.Site), nil
	}
	return store.TargetKey{}, apperrors.E(apperrors.Validation, "unknown job kind %q", kind)
}

// Submit records a new Queued job. It fails with Conflict when a Queued or
// Running job holds an overlapping target, with NotFound or
// InvalidTransition when the entity does not permit kind, and creates no job
// in those cases.
func (s *Scheduler) Submit(ctx context.Context, kind store.JobKind, target store.TargetKey, params store.JobParams) (*store.Job, error) {
	if params.Bench == "" && target.Scope != store.ScopeGlobal {
		params.Bench = target.Bench
	}
	if params.Site == "" && target.Scope == store.ScopeSite {
		params.Site = target.Site
	}
	want, err := TargetFor(kind, params)
	if err != nil {
		return nil, err
	}
	if want != target {
		return nil, apperrors.E(apperrors.Validation, "%s must target %s, not %s", kind, want, target)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := &store.Job{
		ID:          uuid.New(),
		Kind:        kind,
		Target:      target,
		Params:      params,
		State:       store.JobQueued,
		SubmittedAt: s.now(),
	}

	err = s.store.Atomically(ctx, func(repo store.Repository) error {
		active, err := repo.ActiveJobs(ctx)
		if err != nil {
			return err
		}
		for _, j := range active {
			if j.Target.Overlaps(target) {
				return apperrors.E(apperrors.Conflict, "job %s (%s on %s) is %s", j.ID, j.Kind, j.Target, j.State)
			}
		}
		if err := lifecycle.Check(ctx, repo, kind, params); err != nil {
			return err
		}
		return repo.CreateJob(ctx, job)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("job submitted", "job_id", job.ID, "kind", kind, "target", target.String())
	s.bus.Publish(event.NewJobSubmitted(job.Clone()))
	s.wake()
	return job, nil
}

// SubmitCreateSite queues the creation of a site.
func (s *Scheduler) SubmitCreateSite(ctx context.Context, bench, site string) (*store.Job, error) {
	return s.Submit(ctx, store.KindCreateSite, store.SiteKey(bench, site), store.JobParams{Bench: bench, Site: site})
}

// SubmitDropSite queues the removal of a site.
func (s *Scheduler) SubmitDropSite(ctx context.Context, bench, site string) (*store.Job, error) {
	return s.Submit(ctx, store.KindDropSite, store.SiteKey(bench, site), store.JobParams{Bench: bench, Site: site})
}

// SubmitBackupSite queues a site backup.
func (s *Scheduler) SubmitBackupSite(ctx context.Context, bench, site string) (*store.Job, error) {
	return s.Submit(ctx, store.KindBackupSite, store.SiteKey(bench, site), store.JobParams{Bench: bench, Site: site})
}

// SubmitRestoreSite queues a restore of a site from backup files.
func (s *Scheduler) SubmitRestoreSite(ctx context.Context, bench, site string, params store.JobParams) (*store.Job, error) {
	if params.DatabaseFile == "" {
		return nil, apperrors.E(apperrors.Validation, "database_file is required for restore")
	}
	params.Bench, params.Site = bench, site
	return s.Submit(ctx, store.KindRestoreSite, store.SiteKey(bench, site), params)
}

// SubmitStartBench queues a bench start.
func (s *Scheduler) SubmitStartBench(ctx context.Context, bench string) (*store.Job, error) {
	return s.Submit(ctx, store.KindStartBench, store.BenchKey(bench), store.JobParams{Bench: bench})
}

// SubmitStopBench queues a bench stop.
func (s *Scheduler) SubmitStopBench(ctx context.Context, bench string) (*store.Job, error) {
	return s.Submit(ctx, store.KindStopBench, store.BenchKey(bench), store.JobParams{Bench: bench})
}

// SubmitSyncBenchDetails queues a reconciliation pass.
func (s *Scheduler) SubmitSyncBenchDetails(ctx context.Context) (*store.Job, error) {
	return s.Submit(ctx, store.KindSyncBenchDetails, store.SyncKey, store.JobParams{})
}

// RegisterBench records a bench at path, or moves an existing bench to a new
// path. New benches start Stopped until the reconciler observes them. It
// fails with Conflict while a job on the bench or one of its sites is active.
func (s *Scheduler) RegisterBench(ctx context.Context, id, path string) (*store.Bench, error) {
	if id == "" || path == "" {
		return nil, apperrors.E(apperrors.Validation, "bench id and path are required")
	}
	if !store.ValidName(id) {
		return nil, apperrors.E(apperrors.Validation, "invalid bench name %q", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := store.BenchKey(id)
	if !s.locks.Available(key) {
		return nil, apperrors.E(apperrors.Conflict, "bench %s is locked", id)
	}

	var bench *store.Bench
	err := s.store.Atomically(ctx, func(repo store.Repository) error {
		active, err := repo.ActiveJobs(ctx)
		if err != nil {
			return err
		}
		for _, j := range active {
			if j.Target.Overlaps(key) {
				return apperrors.E(apperrors.Conflict, "job %s (%s on %s) is %s", j.ID, j.Kind, j.Target, j.State)
			}
		}

		b, err := repo.GetBench(ctx, id)
		switch {
		case apperrors.IsKind(err, apperrors.NotFound):
			b = &store.Bench{ID: id, State: store.BenchStopped}
		case err != nil:
			return err
		}
		b.Path = path
		bench = b
		return repo.PutBench(ctx, b)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("bench registered", "bench", id, "path", path)
	return bench, nil
}

// GetStatus returns a job, or NotFound.
func (s *Scheduler) GetStatus(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	return s.store.GetJob(ctx, id)
}

// List returns jobs matching filter, newest first.
func (s *Scheduler) List(ctx context.Context, filter store.JobFilter) ([]store.Job, error) {
	return s.store.ListJobs(ctx, filter)
}

// Logs returns the output recorded for a job.
func (s *Scheduler) Logs(ctx context.Context, id uuid.UUID) ([]store.LogEntry, error) {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListLogs(ctx, id)
}

// AppendLog records output for a job.
func (s *Scheduler) AppendLog(ctx context.Context, id uuid.UUID, content string) error {
	return s.store.AppendLog(ctx, id, content)
}

// Cancel cancels a Queued job. Running and terminal jobs fail with
// InvalidTransition and are left alone.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var job *store.Job
	err := s.store.Atomically(ctx, func(repo store.Repository) error {
		j, err := repo.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if j.State != store.JobQueued {
			return apperrors.E(apperrors.InvalidTransition, "job %s is %s; only queued jobs can be cancelled", id, j.State)
		}
		now := s.now()
		j.State = store.JobCancelled
		j.FinishedAt = &now
		j.Message = "cancelled before start"
		job = j
		return repo.UpdateJob(ctx, j)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("job cancelled", "job_id", id)
	s.bus.Publish(event.NewJobFinished(job.Clone()))
	return job, nil
}

// Wait blocks until the job is terminal or ctx ends. On ctx end it returns
// the latest job state along with ctx.Err().
func (s *Scheduler) Wait(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	changed := make(chan struct{}, 1)
	sub := s.bus.Subscribe(event.TypeJobFinished, func(e event.Event) {
		if je, ok := e.(event.JobEvent); ok && je.Job.ID == id {
			select {
			case changed <- struct{}{}:
			default:
			}
		}
	})
	defer s.bus.Unsubscribe(sub)

	for {
		job, err := s.store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.State.Terminal() {
			return job, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return job, ctx.Err()
		}
	}
}

// Claim takes up to limit of the oldest Queued jobs whose targets can be
// locked, marks them Running and moves their entities to the transient
// state. A job whose entity changed since submission is failed with
// InvalidTransition instead of being returned.
func (s *Scheduler) Claim(ctx context.Context, limit int) ([]store.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.store.ActiveJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}

	var claimed []store.Job
	for _, candidate := range active {
		if len(claimed) >= limit {
			break
		}
		if candidate.State != store.JobQueued {
			continue
		}
		if !s.locks.Acquire(candidate.Target, candidate.ID) {
			continue
		}

		job, rejected, err := s.begin(ctx, candidate.ID)
		if err != nil {
			s.locks.ReleaseHolder(candidate.ID)
			s.logger.Error("failed to claim job", "job_id", candidate.ID, "error", err)
			continue
		}
		if rejected {
			s.locks.ReleaseHolder(candidate.ID)
			s.logger.Warn("job rejected at start", "job_id", job.ID, "kind", job.Kind, "message", job.Message)
			s.bus.Publish(event.NewJobFinished(job.Clone()))
			continue
		}

		s.logger.Info("job started", "job_id", job.ID, "kind", job.Kind, "target", job.Target.String(), "attempt", job.Attempt)
		s.bus.Publish(event.NewJobStarted(job.Clone()))
		claimed = append(claimed, *job)
	}
	return claimed, nil
}

// begin moves one Queued job to Running. rejected reports that the job was
// finalized as Failed(InvalidTransition) instead.
func (s *Scheduler) begin(ctx context.Context, id uuid.UUID) (job *store.Job, rejected bool, err error) {
	err = s.store.Atomically(ctx, func(repo store.Repository) error {
		j, err := repo.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if j.State != store.JobQueued {
			return fmt.Errorf("job %s is %s", id, j.State)
		}
		now := s.now()

		prior, berr := lifecycle.Begin(ctx, repo, j)
		if berr != nil {
			j.State = store.JobFailed
			j.FinishedAt = &now
			j.ErrorKind = string(apperrors.KindOf(berr))
			j.ErrorDetail = berr.Error()
			j.Message = fmt.Sprintf("%s rejected: %v", j.Kind, berr)
			job, rejected = j, true
			return repo.UpdateJob(ctx, j)
		}

		j.State = store.JobRunning
		j.StartedAt = &now
		j.Attempt++
		j.PriorState = prior
		job = j
		return repo.UpdateJob(ctx, j)
	})
	return job, rejected, err
}

// Complete finalizes a Running job as Succeeded and applies its success
// transition. data is the driver result data. Completing a job that is no
// longer Running is a no-op.
func (s *Scheduler) Complete(ctx context.Context, id uuid.UUID, message string, data map[string]string) error {
	return s.finalize(ctx, id, func(repo store.Repository, j *store.Job, now time.Time) error {
		if err := lifecycle.Succeed(ctx, repo, j, data, now); err != nil {
			return err
		}
		if message == "" {
			message = fmt.Sprintf("%s succeeded", j.Kind)
		}
		j.State = store.JobSucceeded
		j.Message = message
		j.Result = data
		j.FinishedAt = &now
		return nil
	})
}

// Fail finalizes a Running job as Failed with the kind of cause, or returns
// it to the queue when retries remain for a driver failure. Unclassified
// errors count as DriverFailure.
func (s *Scheduler) Fail(ctx context.Context, id uuid.UUID, cause error) error {
	kind := apperrors.KindOf(cause)
	if kind == "" || kind == apperrors.Internal {
		kind = apperrors.DriverFailure
	}
	detail := "unknown error"
	if cause != nil {
		detail = cause.Error()
	}

	return s.finalize(ctx, id, func(repo store.Repository, j *store.Job, now time.Time) error {
		if err := lifecycle.Fail(ctx, repo, j, detail); err != nil {
			return err
		}
		j.ErrorKind = string(kind)
		j.ErrorDetail = detail

		if kind == apperrors.DriverFailure && j.Attempt <= s.cfg.MaxRetries[j.Kind] {
			j.State = store.JobQueued
			j.StartedAt = nil
			j.Message = fmt.Sprintf("attempt %d failed, retrying: %s", j.Attempt, detail)
			return nil
		}

		j.State = store.JobFailed
		j.Message = fmt.Sprintf("%s failed (%s): %s", j.Kind, kind, detail)
		j.FinishedAt = &now
		return nil
	})
}

type finalizeFunc func(repo store.Repository, job *store.Job, now time.Time) error

func (s *Scheduler) finalize(ctx context.Context, id uuid.UUID, apply finalizeFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// The lock is released whatever happens below.
	defer s.wake()
	defer s.locks.ReleaseHolder(id)

	var job *store.Job
	stale := false
	err := s.store.Atomically(ctx, func(repo store.Repository) error {
		j, err := repo.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if j.State != store.JobRunning {
			stale = true
			return nil
		}
		if err := apply(repo, j, s.now()); err != nil {
			return err
		}
		job = j
		return repo.UpdateJob(ctx, j)
	})
	if err != nil {
		s.logger.Error("failed to finalize job", "job_id", id, "error", err)
		s.forceFail(ctx, id, err)
		return err
	}
	if stale {
		s.logger.Debug("ignoring result for job that is no longer running", "job_id", id)
		return nil
	}

	s.logger.Info("job finished", "job_id", job.ID, "kind", job.Kind, "state", job.State, "message", job.Message)
	s.bus.Publish(event.NewJobFinished(job.Clone()))
	return nil
}

// forceFail marks a job Failed without an entity transition after the normal
// finalization could not be written, so it does not block its target.
func (s *Scheduler) forceFail(ctx context.Context, id uuid.UUID, cause error) {
	var job *store.Job
	err := s.store.Atomically(ctx, func(repo store.Repository) error {
		j, err := repo.GetJob(ctx, id)
		if err != nil || j.State.Terminal() {
			return err
		}
		now := s.now()
		j.State = store.JobFailed
		j.ErrorKind = string(apperrors.Internal)
		j.ErrorDetail = cause.Error()
		j.Message = "failed to record job outcome: " + cause.Error()
		j.FinishedAt = &now
		job = j
		return repo.UpdateJob(ctx, j)
	})
	if err != nil {
		s.logger.Error("failed to force-fail job", "job_id", id, "error", err)
		return
	}
	if job != nil {
		s.bus.Publish(event.NewJobFinished(job.Clone()))
	}
}

// Recover fails every job left Running by a previous process with
// Interrupted, applies the failure transition and releases its locks. It
// must run before workers start claiming.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.store.ActiveJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active jobs: %w", err)
	}

	n := 0
	for _, candidate := range active {
		if candidate.State != store.JobRunning {
			continue
		}
		var job *store.Job
		err := s.store.Atomically(ctx, func(repo store.Repository) error {
			j, err := repo.GetJob(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if err := lifecycle.Fail(ctx, repo, j, "interrupted by restart"); err != nil {
				return err
			}
			now := s.now()
			j.State = store.JobFailed
			j.ErrorKind = string(apperrors.Interrupted)
			j.ErrorDetail = "job was running when the orchestrator stopped"
			j.Message = fmt.Sprintf("%s interrupted: orchestrator restarted while the job was running", j.Kind)
			j.FinishedAt = &now
			job = j
			return repo.UpdateJob(ctx, j)
		})
		s.locks.ReleaseHolder(candidate.ID)
		if err != nil {
			return n, fmt.Errorf("failed to recover job %s: %w", candidate.ID, err)
		}
		n++
		s.logger.Warn("recovered interrupted job", "job_id", job.ID, "kind", job.Kind, "target", job.Target.String())
		s.bus.Publish(event.NewJobFinished(job.Clone()))
	}
	if n > 0 {
		s.wake()
	}
	return n, nil
}

// SweepLocks releases locks whose holder job is no longer Running.
func (s *Scheduler) SweepLocks(ctx context.Context) []lock.Lock {
	released := s.locks.Sweep(func(holder uuid.UUID) bool {
		j, err := s.store.GetJob(ctx, holder)
		if err != nil {
			// Keep the lock when the store is unreachable rather than guess.
			return !apperrors.IsKind(err, apperrors.NotFound)
		}
		return j.State == store.JobRunning || j.State == store.JobQueued
	})
	for _, l := range released {
		s.logger.Warn("released orphaned lock", "key", l.Key.String(), "holder", l.Holder)
	}
	if len(released) > 0 {
		s.wake()
	}
	return released
}

// RunSweeper calls SweepLocks every interval until ctx ends.
func (s *Scheduler) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepLocks(ctx)
		}
	}
}
