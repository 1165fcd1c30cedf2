package observability

import (
	"context"
	"fmt"

	"benchmate/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// InitTracer points the global tracer at an OTLP collector. Job spans from
// the worker and API spans from the controller carry the identity resource.
// The returned function flushes whatever the batcher still holds.
func InitTracer(ctx context.Context, id Identity, collectorAddr string) (func(context.Context) error, error) {
	res, err := NewResource(ctx, id)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(collectorAddr),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	// Sync jobs fire on a timer and would drown the interesting spans.
	sampler := sdktrace.ParentBased(jobSampler{})

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}

// jobSampler keeps every root span except periodic SyncBenchDetails runs,
// which are sampled at one in ten.
type jobSampler struct{}

var syncSampler = sdktrace.TraceIDRatioBased(0.1)

func (jobSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, a := range p.Attributes {
		if a.Key == "job.kind" && a.Value.AsString() == string(store.KindSyncBenchDetails) {
			return syncSampler.ShouldSample(p)
		}
	}
	return sdktrace.AlwaysSample().ShouldSample(p)
}

func (jobSampler) Description() string { return "BenchmateJobSampler" }
