package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	apperrors "benchmate/internal/errors"
	"benchmate/internal/lock"
	"benchmate/internal/store"
	"benchmate/internal/store/memory"

	"github.com/google/uuid"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *memory.Store) {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	if err := st.PutBench(ctx, &store.Bench{ID: "bench-1", Path: "/benches/bench-1", State: store.BenchRunning}); err != nil {
		t.Fatal(err)
	}
	if err := st.PutBench(ctx, &store.Bench{ID: "bench-2", Path: "/benches/bench-2", State: store.BenchStopped}); err != nil {
		t.Fatal(err)
	}
	if err := st.PutSite(ctx, &store.Site{Bench: "bench-1", Name: "acme", State: store.SiteActive}); err != nil {
		t.Fatal(err)
	}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, lock.NewManager(), nil, cfg), st
}

func claimOne(t *testing.T, s *Scheduler) store.Job {
	t.Helper()
	jobs, err := s.Claim(context.Background(), 1)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 claimed job, got %d", len(jobs))
	}
	return jobs[0]
}

func TestSubmit_ConflictThenSuccessAfterTerminal(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})
	ctx := context.Background()

	first, err := s.SubmitBackupSite(ctx, "bench-1", "acme")
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	if first.State != store.JobQueued {
		t.Errorf("state = %s, want Queued", first.State)
	}

	_, err = s.SubmitDropSite(ctx, "bench-1", "acme")
	if !apperrors.IsKind(err, apperrors.Conflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
	jobs, _ := s.List(ctx, store.JobFilter{})
	if len(jobs) != 1 {
		t.Errorf("rejected submission must not create a job, have %d", len(jobs))
	}

	claimOne(t, s)
	if _, err := s.SubmitDropSite(ctx, "bench-1", "acme"); !apperrors.IsKind(err, apperrors.Conflict) {
		t.Errorf("expected Conflict while running, got %v", err)
	}
	if err := s.Complete(ctx, first.ID, "", nil); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if _, err := s.SubmitDropSite(ctx, "bench-1", "acme"); err != nil {
		t.Errorf("submit after terminal should succeed: %v", err)
	}
}

func TestSubmit_HierarchicalConflict(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})
	ctx := context.Background()

	if _, err := s.SubmitStopBench(ctx, "bench-1"); err != nil {
		t.Fatalf("StopBench submit failed: %v", err)
	}

	if _, err := s.SubmitCreateSite(ctx, "bench-1", "globex"); !apperrors.IsKind(err, apperrors.Conflict) {
		t.Errorf("site job on busy bench: expected Conflict, got %v", err)
	}
	if _, err := s.SubmitCreateSite(ctx, "bench-2", "globex"); err != nil {
		t.Errorf("site job on other bench should succeed: %v", err)
	}
	if _, err := s.SubmitSyncBenchDetails(ctx); err != nil {
		t.Errorf("sync does not overlap bench keys: %v", err)
	}
	if _, err := s.SubmitSyncBenchDetails(ctx); !apperrors.IsKind(err, apperrors.Conflict) {
		t.Errorf("second sync: expected Conflict, got %v", err)
	}
}

func TestSubmit_Rejections(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name   string
		submit func() error
		kind   apperrors.Kind
	}{
		{"unknown kind", func() error {
			_, err := s.Submit(ctx, "ExplodeBench", store.BenchKey("bench-1"), store.JobParams{})
			return err
		}, apperrors.Validation},
		{"target mismatch", func() error {
			_, err := s.Submit(ctx, store.KindStartBench, store.SiteKey("bench-1", "acme"), store.JobParams{})
			return err
		}, apperrors.Validation},
		{"restore without database", func() error {
			_, err := s.SubmitRestoreSite(ctx, "bench-1", "acme", store.JobParams{})
			return err
		}, apperrors.Validation},
		{"missing bench", func() error {
			_, err := s.SubmitStartBench(ctx, "nope")
			return err
		}, apperrors.NotFound},
		{"missing site", func() error {
			_, err := s.SubmitBackupSite(ctx, "bench-1", "ghost")
			return err
		}, apperrors.NotFound},
		{"create existing site", func() error {
			_, err := s.SubmitCreateSite(ctx, "bench-1", "acme")
			return err
		}, apperrors.InvalidTransition},
		{"start running bench", func() error {
			_, err := s.SubmitStartBench(ctx, "bench-1")
			return err
		}, apperrors.InvalidTransition},
		{"site name as flag", func() error {
			_, err := s.SubmitCreateSite(ctx, "bench-1", "--help")
			return err
		}, apperrors.Validation},
		{"site name traversal", func() error {
			_, err := s.SubmitCreateSite(ctx, "bench-1", "../../etc")
			return err
		}, apperrors.Validation},
		{"site name with space", func() error {
			_, err := s.SubmitDropSite(ctx, "bench-1", "acme local")
			return err
		}, apperrors.Validation},
		{"bench name with slash", func() error {
			_, err := s.SubmitBackupSite(ctx, "a/b", "c")
			return err
		}, apperrors.Validation},
		{"bench name as flag", func() error {
			_, err := s.SubmitStopBench(ctx, "-rf")
			return err
		}, apperrors.Validation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.submit()
			if !apperrors.IsKind(err, tt.kind) {
				t.Errorf("expected %s, got %v", tt.kind, err)
			}
		})
	}

	jobs, _ := s.List(ctx, store.JobFilter{})
	if len(jobs) != 0 {
		t.Errorf("rejected submissions created %d jobs", len(jobs))
	}
}

func TestSubmit_ConcurrentSingleWinner(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SubmitBackupSite(ctx, "bench-1", "acme")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case apperrors.IsKind(err, apperrors.Conflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != n-1 {
		t.Errorf("wins=%d conflicts=%d, want 1 and %d", wins, conflicts, n-1)
	}
}

func TestClaim_MovesEntityAndHoldsLock(t *testing.T) {
	s, st := newTestScheduler(t, Config{})
	ctx := context.Background()

	job, _ := s.SubmitBackupSite(ctx, "bench-1", "acme")
	claimed := claimOne(t, s)

	if claimed.ID != job.ID || claimed.State != store.JobRunning {
		t.Errorf("unexpected claimed job: %+v", claimed)
	}
	if claimed.Attempt != 1 || claimed.PriorState != string(store.SiteActive) {
		t.Errorf("attempt=%d prior=%q", claimed.Attempt, claimed.PriorState)
	}
	if claimed.StartedAt == nil {
		t.Error("StartedAt not set")
	}

	site, _ := st.GetSite(ctx, "bench-1", "acme")
	if site.State != store.SiteBackingUp {
		t.Errorf("site state = %s, want BackingUp", site.State)
	}
	if holder, ok := s.Locks().Holder(store.SiteKey("bench-1", "acme")); !ok || holder != job.ID {
		t.Errorf("lock not held by job: %v %v", holder, ok)
	}

	again, err := s.Claim(ctx, 4)
	if err != nil || len(again) != 0 {
		t.Errorf("second claim returned %d jobs, err %v", len(again), err)
	}
}

func TestClaim_SkipsLockedTargets(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})
	ctx := context.Background()

	job, _ := s.SubmitStartBench(ctx, "bench-2")
	reconciler := uuid.New()
	s.Locks().Acquire(store.BenchKey("bench-2"), reconciler)

	jobs, _ := s.Claim(ctx, 4)
	if len(jobs) != 0 {
		t.Fatalf("claimed job whose target is locked")
	}

	s.Locks().Release(store.BenchKey("bench-2"), reconciler)
	claimed := claimOne(t, s)
	if claimed.ID != job.ID {
		t.Errorf("claimed %s, want %s", claimed.ID, job.ID)
	}
}

func TestClaim_RejectsChangedEntity(t *testing.T) {
	s, st := newTestScheduler(t, Config{})
	ctx := context.Background()

	job, _ := s.SubmitBackupSite(ctx, "bench-1", "acme")
	site, _ := st.GetSite(ctx, "bench-1", "acme")
	site.State = store.SiteFailed
	st.PutSite(ctx, site)

	jobs, err := s.Claim(ctx, 1)
	if err != nil || len(jobs) != 0 {
		t.Fatalf("expected no claimed jobs, got %d (%v)", len(jobs), err)
	}

	got, _ := s.GetStatus(ctx, job.ID)
	if got.State != store.JobFailed || got.ErrorKind != string(apperrors.InvalidTransition) {
		t.Errorf("state=%s kind=%s", got.State, got.ErrorKind)
	}
	if got.Message == "" {
		t.Error("terminal job must carry a message")
	}
	if !s.Locks().Available(job.Target) {
		t.Error("lock not released after rejection")
	}
}

func TestStartBench_Scenario(t *testing.T) {
	s, st := newTestScheduler(t, Config{})
	ctx := context.Background()

	job, err := s.SubmitStartBench(ctx, "bench-2")
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	claimOne(t, s)

	b, _ := st.GetBench(ctx, "bench-2")
	if b.State != store.BenchStarting {
		t.Errorf("bench state = %s, want Starting", b.State)
	}

	if err := s.Complete(ctx, job.ID, "bench started", map[string]string{"pid": "42"}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	b, _ = st.GetBench(ctx, "bench-2")
	if b.State != store.BenchRunning {
		t.Errorf("bench state = %s, want Running", b.State)
	}
	got, _ := s.GetStatus(ctx, job.ID)
	if got.State != store.JobSucceeded || got.Message != "bench started" || got.Result["pid"] != "42" {
		t.Errorf("unexpected job: %+v", got)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
	if !s.Locks().Available(store.BenchKey("bench-2")) {
		t.Error("lock not released")
	}
}

func TestComplete_BackupRecordsArtifact(t *testing.T) {
	s, st := newTestScheduler(t, Config{})
	ctx := context.Background()

	job, _ := s.SubmitBackupSite(ctx, "bench-1", "acme")
	claimOne(t, s)
	if err := s.Complete(ctx, job.ID, "", map[string]string{"artifact": "/backups/acme.sql.gz"}); err != nil {
		t.Fatal(err)
	}

	site, _ := st.GetSite(ctx, "bench-1", "acme")
	if site.State != store.SiteActive || site.LastBackup != "/backups/acme.sql.gz" {
		t.Errorf("unexpected site: %+v", site)
	}
	got, _ := s.GetStatus(ctx, job.ID)
	if got.Message != "BackupSite succeeded" {
		t.Errorf("default message = %q", got.Message)
	}
}

func TestFail_TimeoutRevertsAndReleases(t *testing.T) {
	s, st := newTestScheduler(t, Config{MaxRetries: map[store.JobKind]int{store.KindBackupSite: 3}})
	ctx := context.Background()

	job, _ := s.SubmitBackupSite(ctx, "bench-1", "acme")
	claimOne(t, s)

	cause := apperrors.E(apperrors.Timeout, "timed out after 1ms")
	if err := s.Fail(ctx, job.ID, cause); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	got, _ := s.GetStatus(ctx, job.ID)
	if got.State != store.JobFailed || got.ErrorKind != string(apperrors.Timeout) {
		t.Errorf("timeouts are not retried: state=%s kind=%s", got.State, got.ErrorKind)
	}
	site, _ := st.GetSite(ctx, "bench-1", "acme")
	if site.State != store.SiteActive {
		t.Errorf("site state = %s, want reverted to Active", site.State)
	}
	if !s.Locks().Available(job.Target) {
		t.Error("lock not released after timeout")
	}
	if _, err := s.SubmitBackupSite(ctx, "bench-1", "acme"); err != nil {
		t.Errorf("resubmit after timeout failed: %v", err)
	}
}

func TestFail_RevertsStableBenchAndRecordsError(t *testing.T) {
	s, st := newTestScheduler(t, Config{})
	ctx := context.Background()

	job, _ := s.SubmitStartBench(ctx, "bench-2")
	claimOne(t, s)
	s.Fail(ctx, job.ID, errors.New("exit status 1"))

	got, _ := s.GetStatus(ctx, job.ID)
	if got.ErrorKind != string(apperrors.DriverFailure) {
		t.Errorf("plain errors count as DriverFailure, got %s", got.ErrorKind)
	}
	b, _ := st.GetBench(ctx, "bench-2")
	if b.State != store.BenchStopped || b.ErrorMessage != "exit status 1" {
		t.Errorf("unexpected bench: %+v", b)
	}
}

func TestFail_RetriesDriverFailure(t *testing.T) {
	s, _ := newTestScheduler(t, Config{MaxRetries: map[store.JobKind]int{store.KindBackupSite: 1}})
	ctx := context.Background()

	job, _ := s.SubmitBackupSite(ctx, "bench-1", "acme")
	claimOne(t, s)
	s.Fail(ctx, job.ID, apperrors.E(apperrors.DriverFailure, "mysqldump failed"))

	got, _ := s.GetStatus(ctx, job.ID)
	if got.State != store.JobQueued {
		t.Fatalf("state = %s, want Queued for retry", got.State)
	}
	if !s.Locks().Available(job.Target) {
		t.Error("lock must be released between attempts")
	}

	second := claimOne(t, s)
	if second.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", second.Attempt)
	}
	s.Fail(ctx, job.ID, apperrors.E(apperrors.DriverFailure, "mysqldump failed again"))

	got, _ = s.GetStatus(ctx, job.ID)
	if got.State != store.JobFailed {
		t.Errorf("state = %s, want Failed once retries are used up", got.State)
	}
}

func TestComplete_StaleResultIgnored(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})
	ctx := context.Background()

	job, _ := s.SubmitBackupSite(ctx, "bench-1", "acme")
	claimOne(t, s)
	s.Fail(ctx, job.ID, apperrors.E(apperrors.Timeout, "timed out"))

	if err := s.Complete(ctx, job.ID, "late", nil); err != nil {
		t.Errorf("late Complete should be a no-op, got %v", err)
	}
	got, _ := s.GetStatus(ctx, job.ID)
	if got.State != store.JobFailed {
		t.Errorf("terminal job changed to %s", got.State)
	}
}

func TestCancel(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})
	ctx := context.Background()

	queued, _ := s.SubmitBackupSite(ctx, "bench-1", "acme")
	cancelled, err := s.Cancel(ctx, queued.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.State != store.JobCancelled || cancelled.Message != "cancelled before start" {
		t.Errorf("unexpected job: %+v", cancelled)
	}

	running, _ := s.SubmitStopBench(ctx, "bench-1")
	claimOne(t, s)
	if _, err := s.Cancel(ctx, running.ID); !apperrors.IsKind(err, apperrors.InvalidTransition) {
		t.Errorf("cancel running: expected InvalidTransition, got %v", err)
	}
	if _, err := s.Cancel(ctx, uuid.New()); !apperrors.IsKind(err, apperrors.NotFound) {
		t.Errorf("cancel unknown: expected NotFound, got %v", err)
	}
}

func TestRecover_InterruptsRunningJobs(t *testing.T) {
	s, st := newTestScheduler(t, Config{})
	ctx := context.Background()

	job, _ := s.SubmitBackupSite(ctx, "bench-1", "acme")
	claimOne(t, s)
	queued, _ := s.SubmitStartBench(ctx, "bench-2")

	// A fresh scheduler over the same store, as after a restart.
	restarted := New(st, lock.NewManager(), nil, Config{Logger: s.logger})
	n, err := restarted.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover returned %d, %v", n, err)
	}

	got, _ := restarted.GetStatus(ctx, job.ID)
	if got.State != store.JobFailed || got.ErrorKind != string(apperrors.Interrupted) {
		t.Errorf("state=%s kind=%s", got.State, got.ErrorKind)
	}
	site, _ := st.GetSite(ctx, "bench-1", "acme")
	if site.State != store.SiteActive {
		t.Errorf("site state = %s, want Active", site.State)
	}
	still, _ := restarted.GetStatus(ctx, queued.ID)
	if still.State != store.JobQueued {
		t.Errorf("queued jobs survive recovery, got %s", still.State)
	}

	if _, err := restarted.SubmitBackupSite(ctx, "bench-1", "acme"); err != nil {
		t.Errorf("resubmit after recovery failed: %v", err)
	}
}

func TestWait(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})
	ctx := context.Background()

	job, _ := s.SubmitBackupSite(ctx, "bench-1", "acme")
	claimOne(t, s)

	go func() {
		time.Sleep(20 * time.Millisecond)
		s.Complete(context.Background(), job.ID, "", nil)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got, err := s.Wait(waitCtx, job.ID)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if got.State != store.JobSucceeded {
		t.Errorf("state = %s", got.State)
	}
}

func TestWait_ContextDeadline(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})
	job, _ := s.SubmitBackupSite(context.Background(), "bench-1", "acme")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	got, err := s.Wait(ctx, job.ID)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
	if got == nil || got.State != store.JobQueued {
		t.Errorf("expected latest job state, got %+v", got)
	}
}

func TestGetStatus_Idempotent(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})
	ctx := context.Background()
	job, _ := s.SubmitBackupSite(ctx, "bench-1", "acme")

	a, err := s.GetStatus(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := s.GetStatus(ctx, job.ID)
	if a.State != b.State || a.Message != b.Message || a.Attempt != b.Attempt {
		t.Errorf("repeated reads differ: %+v vs %+v", a, b)
	}
	if _, err := s.GetStatus(ctx, uuid.New()); !apperrors.IsKind(err, apperrors.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestSweepLocks(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})
	ctx := context.Background()

	job, _ := s.SubmitBackupSite(ctx, "bench-1", "acme")
	claimOne(t, s)
	orphan := uuid.New()
	s.Locks().Acquire(store.BenchKey("bench-2"), orphan)

	released := s.SweepLocks(ctx)
	if len(released) != 1 || released[0].Holder != orphan {
		t.Fatalf("unexpected sweep result: %+v", released)
	}
	if s.Locks().Available(job.Target) {
		t.Error("lock of running job must survive the sweep")
	}
}

func TestNotify(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})
	s.SubmitBackupSite(context.Background(), "bench-1", "acme")

	select {
	case <-s.Notify():
	default:
		t.Error("submit should signal the notify channel")
	}
}

func TestRegisterBench(t *testing.T) {
	s, st := newTestScheduler(t, Config{})
	ctx := context.Background()

	b, err := s.RegisterBench(ctx, "bench-3", "/benches/bench-3")
	if err != nil {
		t.Fatalf("RegisterBench failed: %v", err)
	}
	if b.State != store.BenchStopped {
		t.Errorf("new bench state = %s, want Stopped", b.State)
	}

	if _, err := s.RegisterBench(ctx, "bench-1", "/srv/bench-1"); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	got, _ := st.GetBench(ctx, "bench-1")
	if got.Path != "/srv/bench-1" || got.State != store.BenchRunning {
		t.Errorf("re-register must keep state and move path, got %+v", got)
	}

	s.SubmitBackupSite(ctx, "bench-1", "acme")
	if _, err := s.RegisterBench(ctx, "bench-1", "/x"); !apperrors.IsKind(err, apperrors.Conflict) {
		t.Errorf("expected Conflict with an active site job, got %v", err)
	}
	if _, err := s.RegisterBench(ctx, "benches/evil", "/x"); !apperrors.IsKind(err, apperrors.Validation) {
		t.Errorf("expected Validation for a bench id with a slash, got %v", err)
	}
	if _, err := s.RegisterBench(ctx, "", "/x"); !apperrors.IsKind(err, apperrors.Validation) {
		t.Errorf("expected Validation, got %v", err)
	}
}
