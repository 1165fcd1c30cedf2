package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"benchmate/internal/event"
	"benchmate/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	return rm
}

func find(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

// counter sums the int64 data points of name whose attributes include want.
func counter(t *testing.T, rm metricdata.ResourceMetrics, name string, want ...attribute.KeyValue) int64 {
	t.Helper()
	m, ok := find(rm, name)
	if !ok {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s is %T, not an int64 sum", name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if matches(dp.Attributes, want) {
			total += dp.Value
		}
	}
	return total
}

func matches(set attribute.Set, want []attribute.KeyValue) bool {
	for _, kv := range want {
		v, ok := set.Value(kv.Key)
		if !ok || v != kv.Value {
			return false
		}
	}
	return true
}

func newTestMetrics(t *testing.T, depth DepthFunc) (*JobMetrics, *event.Bus, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	m, err := NewJobMetrics(provider.Meter(MeterName), depth)
	if err != nil {
		t.Fatalf("NewJobMetrics failed: %v", err)
	}
	bus := event.NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.Attach(bus)
	return m, bus, reader
}

func TestJobMetrics_CountsLifecycle(t *testing.T) {
	_, bus, reader := newTestMetrics(t, nil)

	started := time.Now()
	finished := started.Add(3 * time.Second)
	job := store.Job{ID: uuid.New(), Kind: store.KindBackupSite, State: store.JobQueued}

	bus.Publish(event.NewJobSubmitted(job))
	job.State = store.JobRunning
	job.StartedAt = &started
	bus.Publish(event.NewJobStarted(job))

	// a retry goes back to the queue
	job.State = store.JobQueued
	bus.Publish(event.NewJobFinished(job))

	job.State = store.JobFailed
	job.ErrorKind = "Timeout"
	job.FinishedAt = &finished
	bus.Publish(event.NewJobFinished(job))

	rm := collect(t, reader)
	kind := attribute.String("kind", "BackupSite")
	if got := counter(t, rm, "benchmate_jobs_submitted_total", kind); got != 1 {
		t.Errorf("submitted = %d, want 1", got)
	}
	if got := counter(t, rm, "benchmate_jobs_started_total", kind); got != 1 {
		t.Errorf("started = %d, want 1", got)
	}
	if got := counter(t, rm, "benchmate_jobs_retried_total", kind); got != 1 {
		t.Errorf("retried = %d, want 1", got)
	}
	if got := counter(t, rm, "benchmate_jobs_finished_total", kind, attribute.String("state", "Failed"), attribute.String("error_kind", "Timeout")); got != 1 {
		t.Errorf("finished = %d, want 1", got)
	}

	m, ok := find(rm, "benchmate_job_duration_seconds")
	if !ok {
		t.Fatal("duration histogram missing")
	}
	hist := m.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Sum != 3 {
		t.Errorf("unexpected duration points %+v", hist.DataPoints)
	}
}

func TestJobMetrics_SyncEvents(t *testing.T) {
	_, bus, reader := newTestMetrics(t, nil)

	bus.Publish(event.NewStateCorrected(store.BenchKey("bench-1"), "Stopped", "Running", "observed"))
	bus.Publish(event.NewStateCorrected(store.SiteKey("bench-1", "acme"), "Active", "Absent", "missing"))
	bus.Publish(event.NewBenchDiscovered(store.Bench{ID: "bench-2"}))

	rm := collect(t, reader)
	if got := counter(t, rm, "benchmate_state_corrections_total", attribute.String("scope", "bench")); got != 1 {
		t.Errorf("bench corrections = %d, want 1", got)
	}
	if got := counter(t, rm, "benchmate_state_corrections_total"); got != 2 {
		t.Errorf("all corrections = %d, want 2", got)
	}
	if got := counter(t, rm, "benchmate_benches_discovered_total"); got != 1 {
		t.Errorf("discovered = %d, want 1", got)
	}
}

type fakeJobs struct {
	store.JobStore
	active []store.Job
	err    error
}

func (f *fakeJobs) ActiveJobs(ctx context.Context) ([]store.Job, error) {
	return f.active, f.err
}

func TestJobMetrics_DepthGauge(t *testing.T) {
	jobs := &fakeJobs{active: []store.Job{
		{State: store.JobQueued},
		{State: store.JobQueued},
		{State: store.JobRunning},
	}}
	_, _, reader := newTestMetrics(t, ActiveDepth(jobs))

	rm := collect(t, reader)
	m, ok := find(rm, "benchmate_jobs_active")
	if !ok {
		t.Fatal("depth gauge missing")
	}
	gauge := m.Data.(metricdata.Gauge[int64])
	got := map[string]int64{}
	for _, dp := range gauge.DataPoints {
		state, _ := dp.Attributes.Value("state")
		got[state.AsString()] = dp.Value
	}
	if got["Queued"] != 2 || got["Running"] != 1 {
		t.Errorf("depth = %v, want Queued=2 Running=1", got)
	}
}

func TestActiveDepth_PropagatesError(t *testing.T) {
	depth := ActiveDepth(&fakeJobs{err: errors.New("db down")})
	if _, _, err := depth(context.Background()); err == nil {
		t.Error("expected error")
	}
}
