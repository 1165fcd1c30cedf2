// Package reconciler brings recorded bench and site states back in line with
// what the runtime driver observes.
//
// A sync pass locks each bench with the sync job's ID before touching it.
// Benches with an in-flight job are skipped for that pass, so a
// reconciliation never rewrites an entity a lifecycle job is moving.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"benchmate/internal/driver"
	apperrors "benchmate/internal/errors"
	"benchmate/internal/event"
	"benchmate/internal/lifecycle"
	"benchmate/internal/lock"
	"benchmate/internal/store"

	"github.com/google/uuid"
)

// Report summarises one sync pass.
type Report struct {
	Discovered []string
	Corrected  []string
	Skipped    []string
	Failed     []string
}

// Message renders the report as a job message.
func (r Report) Message() string {
	msg := fmt.Sprintf("synced benches: %d discovered, %d corrected, %d skipped", len(r.Discovered), len(r.Corrected), len(r.Skipped))
	if len(r.Failed) > 0 {
		msg += fmt.Sprintf(", %d unreadable", len(r.Failed))
	}
	return msg
}

// Reconciler runs sync passes.
type Reconciler struct {
	store  store.Store
	locks  *lock.Manager
	driver driver.Driver
	bus    *event.Bus
	logger *slog.Logger
	now    func() time.Time
}

// New creates a reconciler. When d also implements driver.Discoverer, passes
// register new benches and reconcile site directories as well.
func New(st store.Store, locks *lock.Manager, d driver.Driver, bus *event.Bus, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = event.NewBus(logger)
	}
	return &Reconciler{
		store:  st,
		locks:  locks,
		driver: d,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// Handle runs a sync pass for a SyncBenchDetails job.
func (r *Reconciler) Handle(ctx context.Context, job store.Job) (driver.Result, error) {
	report, err := r.Sync(ctx, job.ID)
	if err != nil {
		return driver.Result{}, err
	}
	data := map[string]string{
		"discovered": strings.Join(report.Discovered, ","),
		"corrected":  strings.Join(report.Corrected, ","),
		"skipped":    strings.Join(report.Skipped, ","),
	}
	if len(report.Failed) > 0 {
		data["failed"] = strings.Join(report.Failed, ",")
	}
	return driver.Result{Message: report.Message(), Data: data}, nil
}

// Sync reconciles every known and discovered bench. holder owns the bench
// locks taken along the way.
func (r *Reconciler) Sync(ctx context.Context, holder uuid.UUID) (Report, error) {
	var report Report

	found := map[string]driver.BenchInfo{}
	discovering := false
	if disc, ok := r.driver.(driver.Discoverer); ok {
		infos, err := disc.Discover(ctx)
		if err != nil {
			return report, apperrors.Wrap(apperrors.DriverFailure, err, "bench discovery failed")
		}
		discovering = true
		for _, info := range infos {
			if !store.ValidName(info.ID) {
				r.logger.Warn("ignoring bench with unusable name", "bench", info.ID, "path", info.Path)
				continue
			}
			found[info.ID] = info
		}
	}

	known, err := r.store.ListBenches(ctx)
	if err != nil {
		return report, err
	}
	paths := map[string]string{}
	for _, b := range known {
		paths[b.ID] = b.Path
	}
	for id, info := range found {
		if _, ok := paths[id]; !ok {
			paths[id] = info.Path
		}
	}

	ids := make([]string, 0, len(paths))
	for id := range paths {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		key := store.BenchKey(id)
		if !r.locks.Acquire(key, holder) {
			r.logger.Info("skipping busy bench", "bench", id)
			report.Skipped = append(report.Skipped, id)
			continue
		}

		info, isFound := found[id]
		var infoPtr *driver.BenchInfo
		if isFound {
			infoPtr = &info
		}
		res, err := r.syncBench(ctx, holder, id, paths[id], infoPtr, discovering)
		r.locks.Release(key, holder)
		if cerr := ctx.Err(); cerr != nil {
			return report, cerr
		}
		if err != nil {
			r.logger.Error("failed to sync bench", "bench", id, "error", err)
			report.Failed = append(report.Failed, id)
			continue
		}
		if res.inspectFailed {
			report.Failed = append(report.Failed, id)
		}
		if res.discovered {
			report.Discovered = append(report.Discovered, id)
		}
		if res.corrected {
			report.Corrected = append(report.Corrected, id)
		}
	}

	r.logger.Info("sync pass finished", "message", report.Message())
	return report, nil
}

type benchSync struct {
	discovered    bool
	corrected     bool
	inspectFailed bool
}

type correction struct {
	target   store.TargetKey
	from, to string
	reason   string
}

// syncBench reconciles one bench. The caller holds its lock; nothing is
// written once ctx is done or the lock has passed to another holder, since a
// finalized sync job no longer owns the bench.
func (r *Reconciler) syncBench(ctx context.Context, holder uuid.UUID, id, path string, info *driver.BenchInfo, discovering bool) (benchSync, error) {
	var res benchSync
	key := store.BenchKey(id)

	observed, qerr := r.driver.QueryBenchState(ctx, path)
	if err := ctx.Err(); err != nil {
		return res, err
	}
	queryErr := ""
	if qerr != nil {
		if errors.Is(qerr, context.Canceled) || errors.Is(qerr, context.DeadlineExceeded) {
			return res, qerr
		}
		queryErr = qerr.Error()
	}
	inspectErr := ""
	if info != nil {
		inspectErr = info.Error
	}

	var corrections []correction
	var created *store.Bench

	err := r.store.Atomically(ctx, func(repo store.Repository) error {
		corrections = corrections[:0]
		created = nil

		b, err := repo.GetBench(ctx, id)
		switch {
		case apperrors.IsKind(err, apperrors.NotFound):
			b = &store.Bench{ID: id, Path: path, State: store.BenchStopped}
			created = b
		case err != nil:
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if h, held := r.locks.Holder(key); !held || h != holder {
			return apperrors.E(apperrors.Conflict, "bench %s lock lost during sync", id)
		}

		if info != nil {
			b.Path = info.Path
			// Keep the last known metadata when the bench could not be inspected.
			if inspectErr == "" {
				b.Version = info.Version
				b.Branch = info.Branch
				b.Apps = info.Apps
			}
		}
		if err := repo.PutBench(ctx, b); err != nil {
			return err
		}

		from, changed, err := lifecycle.CorrectBench(ctx, repo, id, observed, queryErr, r.now())
		if err != nil {
			return err
		}
		if queryErr == "" && inspectErr != "" {
			b, err := repo.GetBench(ctx, id)
			if err != nil {
				return err
			}
			b.ErrorMessage = inspectErr
			if err := repo.PutBench(ctx, b); err != nil {
				return err
			}
		}
		if changed {
			to := string(observed)
			reason := "driver reports " + to
			if queryErr != "" {
				to, reason = string(store.BenchFailed), queryErr
			}
			corrections = append(corrections, correction{store.BenchKey(id), string(from), to, reason})
		}

		if !discovering || queryErr != "" {
			return nil
		}
		return r.syncSites(ctx, repo, id, info, &corrections)
	})
	if err != nil {
		return res, err
	}

	if inspectErr != "" {
		res.inspectFailed = true
		r.logger.Warn("bench inspection failed", "bench", id, "error", inspectErr)
	}
	if created != nil {
		res.discovered = true
		r.logger.Info("discovered bench", "bench", id, "path", created.Path)
		r.bus.Publish(event.NewBenchDiscovered(created.Clone()))
	}
	for _, c := range corrections {
		res.corrected = true
		r.logger.Info("corrected state", "target", c.target.String(), "from", c.from, "to", c.to, "reason", c.reason)
		r.bus.Publish(event.NewStateCorrected(c.target, c.from, c.to, c.reason))
	}
	return res, nil
}

// syncSites registers site directories found on disk and marks recorded
// sites whose directory is gone as Absent.
func (r *Reconciler) syncSites(ctx context.Context, repo store.Repository, bench string, info *driver.BenchInfo, corrections *[]correction) error {
	present := map[string]string{}
	if info != nil {
		for _, s := range info.Sites {
			present[s.Name] = s.Path
		}
	}

	recorded, err := repo.ListSites(ctx, bench)
	if err != nil {
		return err
	}
	names := map[string]bool{}
	for _, s := range recorded {
		names[s.Name] = true
	}
	for name := range present {
		names[name] = true
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	slices.Sort(sorted)

	for _, name := range sorted {
		sitePath, ok := present[name]
		from, changed, err := lifecycle.CorrectSite(ctx, repo, bench, name, sitePath, ok)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		to, reason := string(store.SiteActive), "site directory present"
		if !ok {
			to, reason = string(store.SiteAbsent), "site directory missing"
		}
		*corrections = append(*corrections, correction{store.SiteKey(bench, name), string(from), to, reason})
	}
	return nil
}
