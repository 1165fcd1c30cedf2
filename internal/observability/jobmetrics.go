package observability

import (
	"context"
	"fmt"

	"benchmate/internal/event"
	"benchmate/internal/store"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DepthFunc reports how many jobs are Queued and Running.
type DepthFunc func(ctx context.Context) (queued, running int, err error)

// JobMetrics turns bus events into OpenTelemetry instruments.
type JobMetrics struct {
	submitted   metric.Int64Counter
	started     metric.Int64Counter
	finished    metric.Int64Counter
	retried     metric.Int64Counter
	duration    metric.Float64Histogram
	corrections metric.Int64Counter
	discovered  metric.Int64Counter
}

// NewJobMetrics registers the job instruments on meter. When depth is set,
// the queue depth is reported as an observable gauge.
func NewJobMetrics(meter metric.Meter, depth DepthFunc) (*JobMetrics, error) {
	var (
		m   JobMetrics
		err error
	)
	if m.submitted, err = meter.Int64Counter("benchmate_jobs_submitted_total",
		metric.WithDescription("Jobs accepted by the scheduler")); err != nil {
		return nil, fmt.Errorf("failed to create submitted counter: %w", err)
	}
	if m.started, err = meter.Int64Counter("benchmate_jobs_started_total",
		metric.WithDescription("Job attempts claimed by a worker")); err != nil {
		return nil, fmt.Errorf("failed to create started counter: %w", err)
	}
	if m.finished, err = meter.Int64Counter("benchmate_jobs_finished_total",
		metric.WithDescription("Jobs that reached a terminal state")); err != nil {
		return nil, fmt.Errorf("failed to create finished counter: %w", err)
	}
	if m.retried, err = meter.Int64Counter("benchmate_jobs_retried_total",
		metric.WithDescription("Failed attempts returned to the queue")); err != nil {
		return nil, fmt.Errorf("failed to create retried counter: %w", err)
	}
	if m.duration, err = meter.Float64Histogram("benchmate_job_duration_seconds",
		metric.WithDescription("Time from claim to terminal state"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 5, 15, 30, 60, 300, 900, 1800, 3600)); err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	if m.corrections, err = meter.Int64Counter("benchmate_state_corrections_total",
		metric.WithDescription("Recorded states overwritten by sync")); err != nil {
		return nil, fmt.Errorf("failed to create corrections counter: %w", err)
	}
	if m.discovered, err = meter.Int64Counter("benchmate_benches_discovered_total",
		metric.WithDescription("Benches registered by sync")); err != nil {
		return nil, fmt.Errorf("failed to create discovered counter: %w", err)
	}

	if depth != nil {
		gauge, err := meter.Int64ObservableGauge("benchmate_jobs_active",
			metric.WithDescription("Jobs currently queued or running"))
		if err != nil {
			return nil, fmt.Errorf("failed to create depth gauge: %w", err)
		}
		_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			queued, running, err := depth(ctx)
			if err != nil {
				return err
			}
			o.ObserveInt64(gauge, int64(queued), metric.WithAttributes(attribute.String("state", string(store.JobQueued))))
			o.ObserveInt64(gauge, int64(running), metric.WithAttributes(attribute.String("state", string(store.JobRunning))))
			return nil
		}, gauge)
		if err != nil {
			return nil, fmt.Errorf("failed to register depth callback: %w", err)
		}
	}
	return &m, nil
}

// Attach subscribes the metrics to bus and returns the subscription IDs.
func (m *JobMetrics) Attach(bus *event.Bus) []string {
	return []string{
		bus.Subscribe(event.TypeJobSubmitted, m.onJob),
		bus.Subscribe(event.TypeJobStarted, m.onJob),
		bus.Subscribe(event.TypeJobFinished, m.onJob),
		bus.Subscribe(event.TypeStateCorrected, m.onCorrected),
		bus.Subscribe(event.TypeBenchDiscovered, m.onDiscovered),
	}
}

func (m *JobMetrics) onJob(e event.Event) {
	je, ok := e.(event.JobEvent)
	if !ok {
		return
	}
	ctx := context.Background()
	kind := attribute.String("kind", string(je.Job.Kind))

	switch je.EventType() {
	case event.TypeJobSubmitted:
		m.submitted.Add(ctx, 1, metric.WithAttributes(kind))
	case event.TypeJobStarted:
		m.started.Add(ctx, 1, metric.WithAttributes(kind))
	case event.TypeJobFinished:
		if !je.Job.State.Terminal() {
			m.retried.Add(ctx, 1, metric.WithAttributes(kind))
			return
		}
		attrs := metric.WithAttributes(kind,
			attribute.String("state", string(je.Job.State)),
			attribute.String("error_kind", je.Job.ErrorKind))
		m.finished.Add(ctx, 1, attrs)
		if je.Job.StartedAt != nil && je.Job.FinishedAt != nil {
			m.duration.Record(ctx, je.Job.FinishedAt.Sub(*je.Job.StartedAt).Seconds(),
				metric.WithAttributes(kind, attribute.String("state", string(je.Job.State))))
		}
	}
}

func (m *JobMetrics) onCorrected(e event.Event) {
	if ce, ok := e.(event.StateCorrectedEvent); ok {
		m.corrections.Add(context.Background(), 1, metric.WithAttributes(attribute.String("scope", string(ce.Target.Scope))))
	}
}

func (m *JobMetrics) onDiscovered(e event.Event) {
	if _, ok := e.(event.BenchDiscoveredEvent); ok {
		m.discovered.Add(context.Background(), 1)
	}
}

// ActiveDepth builds a DepthFunc over the store's active jobs.
func ActiveDepth(jobs store.JobStore) DepthFunc {
	return func(ctx context.Context) (int, int, error) {
		active, err := jobs.ActiveJobs(ctx)
		if err != nil {
			return 0, 0, err
		}
		var queued, running int
		for _, j := range active {
			if j.State == store.JobRunning {
				running++
			} else {
				queued++
			}
		}
		return queued, running, nil
	}
}
