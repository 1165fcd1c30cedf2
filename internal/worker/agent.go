// Package worker contains the dispatch loop that executes claimed jobs.
package worker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"benchmate/internal/driver"
	apperrors "benchmate/internal/errors"
	"benchmate/internal/store"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Queue is the scheduler surface the agent drives.
type Queue interface {
	Claim(ctx context.Context, limit int) ([]store.Job, error)
	Complete(ctx context.Context, id uuid.UUID, message string, data map[string]string) error
	Fail(ctx context.Context, id uuid.UUID, cause error) error
	AppendLog(ctx context.Context, id uuid.UUID, content string) error
	Notify() <-chan struct{}
}

// Handler executes one job and returns the driver outcome.
type Handler func(ctx context.Context, job store.Job) (driver.Result, error)

// AbortFunc stops whatever work a timed-out job left running.
type AbortFunc func(ctx context.Context, job store.Job) error

// DefaultTimeouts bound each kind of job.
var DefaultTimeouts = map[store.JobKind]time.Duration{
	store.KindBackupSite:       60 * time.Minute,
	store.KindRestoreSite:      60 * time.Minute,
	store.KindCreateSite:       30 * time.Minute,
	store.KindDropSite:         10 * time.Minute,
	store.KindStartBench:       2 * time.Minute,
	store.KindStopBench:        2 * time.Minute,
	store.KindSyncBenchDetails: 5 * time.Minute,
}

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	Concurrency  int
	PollInterval time.Duration
	MaxBackoff   time.Duration // Maximum backoff when nothing is claimable (default: 10s)
	Timeouts     map[store.JobKind]time.Duration
	Logger       *slog.Logger
}

// Agent pulls claimable jobs from the scheduler and runs their handlers.
type Agent struct {
	queue    Queue
	handlers map[store.JobKind]Handler
	abort    AbortFunc
	config   AgentConfig
	logger   *slog.Logger
	done     chan struct{}
}

// New creates a new worker agent. abort may be nil.
func New(q Queue, handlers map[store.JobKind]Handler, abort AbortFunc, config AgentConfig) *Agent {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}

	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 10 * time.Second
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	timeouts := make(map[store.JobKind]time.Duration, len(DefaultTimeouts))
	for k, v := range DefaultTimeouts {
		timeouts[k] = v
	}
	for k, v := range config.Timeouts {
		if v > 0 {
			timeouts[k] = v
		}
	}
	config.Timeouts = timeouts

	return &Agent{
		queue:    q,
		handlers: handlers,
		abort:    abort,
		config:   config,
		logger:   config.Logger,
		done:     make(chan struct{}),
	}
}

// Run starts the dispatch loop. It blocks until the context is cancelled.
// On cancellation it stops claiming new work and lets in-flight jobs finish.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("worker starting", "concurrency", a.config.Concurrency)

	// Semaphore to limit concurrency
	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	// Channel to signal when a slot becomes available (adaptive polling)
	pollNow := make(chan struct{}, 1)

	// Current backoff duration (increases when nothing is claimable, resets on work found)
	currentBackoff := a.config.PollInterval

	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
			// Already a poll pending
		}
	}

	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("context cancelled, waiting for running jobs to finish")
			wg.Wait()
			close(a.done)
			return ctx.Err()

		case <-a.queue.Notify():
			currentBackoff = a.config.PollInterval
			triggerPoll()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			availableSlots := a.config.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			jobs, err := a.queue.Claim(ctx, availableSlots)
			if err != nil {
				a.logger.Error("claim failed", "error", err)
				continue
			}

			if len(jobs) == 0 {
				// Exponential, capped at MaxBackoff
				currentBackoff = currentBackoff * 2
				if currentBackoff > a.config.MaxBackoff {
					currentBackoff = a.config.MaxBackoff
				}
				continue
			}

			currentBackoff = a.config.PollInterval

			for _, job := range jobs {
				sem <- struct{}{}

				wg.Add(1)
				go func(job store.Job) {
					defer wg.Done()
					defer func() {
						<-sem
						triggerPoll()
					}()
					a.process(ctx, job)
				}(job)
			}

			if len(jobs) < availableSlots {
				triggerPoll()
			}
		}
	}
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

type outcome struct {
	res driver.Result
	err error
}

// process runs one claimed job to a terminal report. The job keeps running
// through shutdown; only its own timeout cuts it short.
func (a *Agent) process(ctx context.Context, job store.Job) {
	logger := a.logger.With("job_id", job.ID, "kind", job.Kind, "target", job.Target.String())

	tracer := otel.Tracer("benchmate-worker")
	spanCtx, span := tracer.Start(context.WithoutCancel(ctx), "process_job",
		trace.WithAttributes(
			attribute.String("job.id", job.ID.String()),
			attribute.String("job.kind", string(job.Kind)),
			attribute.String("job.target", job.Target.String()),
			attribute.Int("job.attempt", job.Attempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	handler, ok := a.handlers[job.Kind]
	if !ok {
		err := apperrors.E(apperrors.Validation, "no handler registered for %s", job.Kind)
		span.RecordError(err)
		a.report(logger, job, outcome{err: err})
		return
	}

	timeout := a.config.Timeouts[job.Kind]
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	execCtx, cancel := context.WithTimeout(spanCtx, timeout)
	defer cancel()

	logger.Info("processing job", "attempt", job.Attempt, "timeout", timeout)

	// Buffered so a handler that outlives its timeout can still send and exit.
	results := make(chan outcome, 1)
	go func() {
		var o outcome
		var pc panics.Catcher
		pc.Try(func() {
			o.res, o.err = handler(execCtx, job)
		})
		if r := pc.Recovered(); r != nil {
			o.err = apperrors.E(apperrors.DriverFailure, "handler panicked: %v", r.Value)
			logger.Error("handler panicked", "panic", r.Value, "stack", string(r.Stack))
		}
		results <- o
	}()

	var o outcome
	timedOut := false
	select {
	case o = <-results:
		if o.err != nil && execCtx.Err() == context.DeadlineExceeded {
			o.err = apperrors.E(apperrors.Timeout, "timed out after %v", timeout)
		}
	case <-execCtx.Done():
		logger.Warn("job timed out", "timeout", timeout)
		o.err = apperrors.E(apperrors.Timeout, "timed out after %v", timeout)
		timedOut = true
	}

	if o.err != nil {
		span.RecordError(o.err)
		span.SetStatus(codes.Error, o.err.Error())
	}
	a.report(logger, job, o)

	// The job is already final and its lock released; abort is best effort.
	if timedOut && a.abort != nil {
		abortCtx, abortCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer abortCancel()
		if err := a.abort(abortCtx, job); err != nil {
			logger.Error("abort failed", "error", err)
		}
	}
}

func (a *Agent) report(logger *slog.Logger, job store.Job, o outcome) {
	ctx := context.Background()

	if out := sanitize(o.res.Output); out != "" {
		if err := a.queue.AppendLog(ctx, job.ID, out); err != nil {
			logger.Error("failed to store job output", "error", err)
		}
	}

	if o.err != nil {
		logger.Warn("job failed", "error", o.err)
		if err := a.queue.Fail(ctx, job.ID, o.err); err != nil {
			logger.Error("failed to record failure", "error", err)
		}
		return
	}

	logger.Info("job completed")
	if err := a.queue.Complete(ctx, job.ID, o.res.Message, o.res.Data); err != nil {
		logger.Error("failed to record completion", "error", err)
	}
}

// sanitize strips NUL bytes, which Postgres rejects in text columns.
func sanitize(s string) string {
	if strings.Contains(s, "\x00") {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	return strings.TrimSpace(s)
}
