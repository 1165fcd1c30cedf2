// Package lifecycle declares the bench and site state machines and applies
// them to the job record store.
//
// Every transition is listed in benchRules or siteRules. A job moves its
// entity to the rule's transient state when it is claimed and to the
// success state only after the driver confirms the outcome. On failure the
// entity returns to its pre-attempt state when that state was stable and
// becomes Failed otherwise.
package lifecycle

import (
	"context"
	"slices"
	"time"

	apperrors "benchmate/internal/errors"
	"benchmate/internal/store"
)

type benchRule struct {
	from    []store.BenchState
	during  store.BenchState
	success store.BenchState
}

type siteRule struct {
	from    []store.SiteState
	during  store.SiteState
	success store.SiteState
}

var benchRules = map[store.JobKind]benchRule{
	store.KindStartBench: {
		from:    []store.BenchState{store.BenchStopped, store.BenchFailed},
		during:  store.BenchStarting,
		success: store.BenchRunning,
	},
	store.KindStopBench: {
		from:    []store.BenchState{store.BenchRunning, store.BenchFailed},
		during:  store.BenchStopping,
		success: store.BenchStopped,
	},
}

var siteRules = map[store.JobKind]siteRule{
	store.KindCreateSite: {
		from:    []store.SiteState{store.SiteAbsent, store.SiteFailed},
		during:  store.SiteCreating,
		success: store.SiteActive,
	},
	store.KindDropSite: {
		from:    []store.SiteState{store.SiteActive, store.SiteFailed},
		during:  store.SiteDropping,
		success: store.SiteAbsent,
	},
	store.KindBackupSite: {
		from:    []store.SiteState{store.SiteActive},
		during:  store.SiteBackingUp,
		success: store.SiteActive,
	},
	store.KindRestoreSite: {
		from:    []store.SiteState{store.SiteActive},
		during:  store.SiteRestoring,
		success: store.SiteActive,
	},
}

// Bench states in which site jobs are accepted.
var siteJobBenchStates = []store.BenchState{store.BenchRunning, store.BenchStopped}

// ResultArtifact is the driver result key holding a backup artifact reference.
const ResultArtifact = "artifact"

// BenchBegin returns the transient state kind moves a bench in cur to.
func BenchBegin(kind store.JobKind, cur store.BenchState) (store.BenchState, error) {
	r, ok := benchRules[kind]
	if !ok {
		return "", apperrors.E(apperrors.InvalidTransition, "%s does not apply to a bench", kind)
	}
	if !slices.Contains(r.from, cur) {
		return "", apperrors.E(apperrors.InvalidTransition, "cannot %s a bench that is %s", kind, cur)
	}
	return r.during, nil
}

// BenchSuccess returns the state a bench ends in when kind succeeds.
func BenchSuccess(kind store.JobKind) store.BenchState {
	return benchRules[kind].success
}

// BenchStable reports whether s is a resting state.
func BenchStable(s store.BenchState) bool {
	return s == store.BenchStopped || s == store.BenchRunning
}

// BenchFailure returns the state a bench ends in when a job that started
// from prior fails.
func BenchFailure(prior store.BenchState) store.BenchState {
	if BenchStable(prior) {
		return prior
	}
	return store.BenchFailed
}

// SiteBegin returns the transient state kind moves a site in cur to.
func SiteBegin(kind store.JobKind, cur store.SiteState) (store.SiteState, error) {
	r, ok := siteRules[kind]
	if !ok {
		return "", apperrors.E(apperrors.InvalidTransition, "%s does not apply to a site", kind)
	}
	if !slices.Contains(r.from, cur) {
		return "", apperrors.E(apperrors.InvalidTransition, "cannot %s a site that is %s", kind, cur)
	}
	return r.during, nil
}

// SiteSuccess returns the state a site ends in when kind succeeds.
func SiteSuccess(kind store.JobKind) store.SiteState {
	return siteRules[kind].success
}

// SiteStable reports whether s is a resting state.
func SiteStable(s store.SiteState) bool {
	return s == store.SiteAbsent || s == store.SiteActive
}

// SiteFailure returns the state a site ends in when a job that started from
// prior fails.
func SiteFailure(prior store.SiteState) store.SiteState {
	if SiteStable(prior) {
		return prior
	}
	return store.SiteFailed
}

// Check validates that kind may be submitted for params without changing
// anything. It fails with NotFound or InvalidTransition.
func Check(ctx context.Context, repo store.Repository, kind store.JobKind, params store.JobParams) error {
	_, _, err := plan(ctx, repo, kind, params)
	return err
}

// plan resolves the entity a job acts on and the transient state it moves to.
func plan(ctx context.Context, repo store.Repository, kind store.JobKind, params store.JobParams) (prior string, during string, err error) {
	switch {
	case kind == store.KindSyncBenchDetails:
		return "", "", nil

	case kind.IsBenchKind():
		b, err := repo.GetBench(ctx, params.Bench)
		if err != nil {
			return "", "", err
		}
		next, err := BenchBegin(kind, b.State)
		if err != nil {
			return "", "", err
		}
		return string(b.State), string(next), nil

	case kind.IsSiteKind():
		b, err := repo.GetBench(ctx, params.Bench)
		if err != nil {
			return "", "", err
		}
		if !slices.Contains(siteJobBenchStates, b.State) {
			return "", "", apperrors.E(apperrors.InvalidTransition, "bench %q is %s; site jobs need it Running or Stopped", b.ID, b.State)
		}
		cur := store.SiteAbsent
		s, err := repo.GetSite(ctx, params.Bench, params.Site)
		switch {
		case err == nil:
			cur = s.State
		case apperrors.IsKind(err, apperrors.NotFound) && kind == store.KindCreateSite:
		default:
			return "", "", err
		}
		next, err := SiteBegin(kind, cur)
		if err != nil {
			return "", "", err
		}
		return string(cur), string(next), nil
	}
	return "", "", apperrors.E(apperrors.Validation, "unknown job kind %q", kind)
}

// Begin re-validates job against the current entity state and moves the
// entity to its transient state. It returns the pre-attempt state.
func Begin(ctx context.Context, repo store.Repository, job *store.Job) (string, error) {
	prior, during, err := plan(ctx, repo, job.Kind, job.Params)
	if err != nil {
		return "", err
	}

	switch {
	case job.Kind.IsBenchKind():
		b, err := repo.GetBench(ctx, job.Params.Bench)
		if err != nil {
			return "", err
		}
		b.State = store.BenchState(during)
		return prior, repo.PutBench(ctx, b)

	case job.Kind.IsSiteKind():
		s, err := repo.GetSite(ctx, job.Params.Bench, job.Params.Site)
		if err != nil {
			s = &store.Site{Bench: job.Params.Bench, Name: job.Params.Site}
		}
		s.State = store.SiteState(during)
		return prior, repo.PutSite(ctx, s)
	}
	return prior, nil
}

// Succeed applies the success transition of job. result is the driver data.
func Succeed(ctx context.Context, repo store.Repository, job *store.Job, result map[string]string, now time.Time) error {
	switch {
	case job.Kind.IsBenchKind():
		b, err := repo.GetBench(ctx, job.Params.Bench)
		if err != nil {
			return err
		}
		b.State = BenchSuccess(job.Kind)
		b.ErrorMessage = ""
		return repo.PutBench(ctx, b)

	case job.Kind.IsSiteKind():
		s, err := repo.GetSite(ctx, job.Params.Bench, job.Params.Site)
		if err != nil {
			return err
		}
		s.State = SiteSuccess(job.Kind)
		if job.Kind == store.KindBackupSite {
			if artifact := result[ResultArtifact]; artifact != "" {
				s.LastBackup = artifact
			}
			t := now
			s.LastBackupAt = &t
		}
		return repo.PutSite(ctx, s)
	}
	return nil
}

// Fail applies the failure policy to job's entity using job.PriorState.
// A missing entity is not an error.
func Fail(ctx context.Context, repo store.Repository, job *store.Job, detail string) error {
	switch {
	case job.Kind.IsBenchKind():
		b, err := repo.GetBench(ctx, job.Params.Bench)
		if apperrors.IsKind(err, apperrors.NotFound) {
			return nil
		} else if err != nil {
			return err
		}
		b.State = BenchFailure(store.BenchState(job.PriorState))
		b.ErrorMessage = detail
		return repo.PutBench(ctx, b)

	case job.Kind.IsSiteKind():
		s, err := repo.GetSite(ctx, job.Params.Bench, job.Params.Site)
		if apperrors.IsKind(err, apperrors.NotFound) {
			return nil
		} else if err != nil {
			return err
		}
		s.State = SiteFailure(store.SiteState(job.PriorState))
		return repo.PutSite(ctx, s)
	}
	return nil
}

// CorrectBench sets a bench to its observed state. A non-empty queryErr marks
// the bench Failed with that message. It reports the previous state and
// whether anything changed.
func CorrectBench(ctx context.Context, repo store.Repository, id string, observed store.BenchState, queryErr string, now time.Time) (store.BenchState, bool, error) {
	b, err := repo.GetBench(ctx, id)
	if err != nil {
		return "", false, err
	}
	from := b.State
	if queryErr != "" {
		observed = store.BenchFailed
	}
	b.State = observed
	b.ErrorMessage = queryErr
	t := now
	b.LastSyncedAt = &t
	if err := repo.PutBench(ctx, b); err != nil {
		return from, false, err
	}
	return from, from != observed, nil
}

// CorrectSite records whether a site exists on disk. An unknown site that
// exists is registered as Active. It reports the previous state and whether
// the state changed.
func CorrectSite(ctx context.Context, repo store.Repository, bench, name, path string, present bool) (store.SiteState, bool, error) {
	s, err := repo.GetSite(ctx, bench, name)
	if apperrors.IsKind(err, apperrors.NotFound) {
		if !present {
			return store.SiteAbsent, false, nil
		}
		s = &store.Site{Bench: bench, Name: name, State: store.SiteAbsent}
	} else if err != nil {
		return "", false, err
	}

	from := s.State
	to := store.SiteAbsent
	if present {
		to = store.SiteActive
	}
	pathChanged := path != "" && s.Path != path
	if err == nil && from == to && !pathChanged {
		return from, false, nil
	}
	if path != "" {
		s.Path = path
	}
	s.State = to
	if err := repo.PutSite(ctx, s); err != nil {
		return from, false, err
	}
	return from, from != to, nil
}
