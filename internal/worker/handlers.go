package worker

import (
	"context"
	"fmt"

	"benchmate/internal/driver"
	apperrors "benchmate/internal/errors"
	"benchmate/internal/store"
)

// DriverHandlers maps every site and bench job kind to the matching driver
// call. Bench paths are resolved from the store at execution time.
func DriverHandlers(d driver.Driver, benches store.BenchStore) map[store.JobKind]Handler {
	site := func(call func(ctx context.Context, benchPath, siteName string, p store.JobParams) (driver.Result, error), done string) Handler {
		return func(ctx context.Context, job store.Job) (driver.Result, error) {
			path, err := benchPath(ctx, benches, job.Params.Bench)
			if err != nil {
				return driver.Result{}, err
			}
			res, err := call(ctx, path, job.Params.Site, job.Params)
			if err != nil {
				return res, driverError(err)
			}
			if res.Message == "" {
				res.Message = fmt.Sprintf("site %s %s", job.Params.Site, done)
			}
			return res, nil
		}
	}
	bench := func(call func(ctx context.Context, benchPath string) (driver.Result, error), done string) Handler {
		return func(ctx context.Context, job store.Job) (driver.Result, error) {
			path, err := benchPath(ctx, benches, job.Params.Bench)
			if err != nil {
				return driver.Result{}, err
			}
			res, err := call(ctx, path)
			if err != nil {
				return res, driverError(err)
			}
			if res.Message == "" {
				res.Message = fmt.Sprintf("bench %s %s", job.Params.Bench, done)
			}
			return res, nil
		}
	}

	return map[store.JobKind]Handler{
		store.KindCreateSite: site(func(ctx context.Context, path, name string, _ store.JobParams) (driver.Result, error) {
			return d.CreateSite(ctx, path, name)
		}, "created"),
		store.KindDropSite: site(func(ctx context.Context, path, name string, _ store.JobParams) (driver.Result, error) {
			return d.DropSite(ctx, path, name)
		}, "dropped"),
		store.KindBackupSite: site(func(ctx context.Context, path, name string, _ store.JobParams) (driver.Result, error) {
			return d.BackupSite(ctx, path, name)
		}, "backed up"),
		store.KindRestoreSite: site(func(ctx context.Context, path, name string, p store.JobParams) (driver.Result, error) {
			return d.RestoreSite(ctx, path, name, driver.RestoreFiles{
				Database:     p.DatabaseFile,
				PublicFiles:  p.PublicFiles,
				PrivateFiles: p.PrivateFiles,
			})
		}, "restored"),
		store.KindStartBench: bench(d.StartBench, "started"),
		store.KindStopBench:  bench(d.StopBench, "stopped"),
	}
}

// DriverAbort returns an AbortFunc for drivers that can abort in-flight
// work, or nil.
func DriverAbort(d driver.Driver, benches store.BenchStore) AbortFunc {
	aborter, ok := d.(driver.Aborter)
	if !ok {
		return nil
	}
	return func(ctx context.Context, job store.Job) error {
		if job.Params.Bench == "" {
			return nil
		}
		path, err := benchPath(ctx, benches, job.Params.Bench)
		if err != nil {
			return err
		}
		return aborter.Abort(ctx, path)
	}
}

func benchPath(ctx context.Context, benches store.BenchStore, id string) (string, error) {
	b, err := benches.GetBench(ctx, id)
	if err != nil {
		return "", err
	}
	if b.Path == "" {
		return "", apperrors.E(apperrors.Validation, "bench %q has no path", id)
	}
	return b.Path, nil
}

// driverError classifies an unclassified driver error as DriverFailure and
// keeps context errors recognisable to the agent.
func driverError(err error) error {
	if apperrors.KindOf(err) != apperrors.Internal {
		return err
	}
	return apperrors.Wrap(apperrors.DriverFailure, err, "driver call failed")
}
