package reconciler

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "benchmate/internal/errors"
	"benchmate/internal/store"

	"github.com/fsnotify/fsnotify"
)

// Submitter queues sync jobs.
type Submitter interface {
	SubmitSyncBenchDetails(ctx context.Context) (*store.Job, error)
}

// trigger submits a sync job. A sync already queued or running is fine.
func trigger(ctx context.Context, sub Submitter, logger *slog.Logger, reason string) {
	job, err := sub.SubmitSyncBenchDetails(ctx)
	switch {
	case apperrors.IsKind(err, apperrors.Conflict):
		logger.Debug("sync already pending", "reason", reason)
	case err != nil:
		logger.Error("failed to submit sync", "reason", reason, "error", err)
	default:
		logger.Info("sync submitted", "job_id", job.ID, "reason", reason)
	}
}

// RunPeriodic submits a sync job immediately and then every interval until
// ctx ends.
func RunPeriodic(ctx context.Context, sub Submitter, interval time.Duration, logger *slog.Logger) {
	trigger(ctx, sub, logger, "startup")
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			trigger(ctx, sub, logger, "interval")
		}
	}
}

// Watcher submits a sync job when bench directories appear or disappear
// under the benches root or a bench's sites directory.
type Watcher struct {
	watcher  *fsnotify.Watcher
	root     string
	sub      Submitter
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher watches root and the sites directory of every bench under it.
func NewWatcher(root string, sub Submitter, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{watcher: fw, root: root, sub: sub, debounce: debounce, logger: logger}

	if err := fw.Add(root); err != nil {
		fw.Close()
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		fw.Close()
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			w.watchSites(filepath.Join(root, e.Name()))
		}
	}
	return w, nil
}

func (w *Watcher) watchSites(benchPath string) {
	sites := filepath.Join(benchPath, "sites")
	if info, err := os.Stat(sites); err == nil && info.IsDir() {
		// Best effort; a missing sites dir just means this is not a bench yet.
		_ = w.watcher.Add(sites)
	}
}

// relevant reports whether an event can change what a sync pass finds.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".json") || strings.HasSuffix(base, ".log") {
		return false
	}
	return true
}

// Run processes events until ctx ends, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	debounceTimer := time.NewTimer(0)
	<-debounceTimer.C // drain initial timer
	pending := false

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 && filepath.Dir(ev.Name) == filepath.Clean(w.root) {
				w.watchSites(ev.Name)
			}
			pending = true
			debounceTimer.Reset(w.debounce)

		case <-debounceTimer.C:
			if pending {
				pending = false
				trigger(ctx, w.sub, w.logger, "filesystem change")
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("bench watcher error", "error", err)
		}
	}
}
