// Package observability wires benchmate's traces and job metrics into
// OpenTelemetry.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
)

// MeterName scopes the instruments benchmate registers.
const MeterName = "benchmate"

// InitMetrics installs the global meter provider behind a Prometheus
// exporter. Each call gets its own registry. The identity lands in
// target_info so dashboards can split by driver and store.
func InitMetrics(ctx context.Context, id Identity) (http.Handler, func(context.Context) error, error) {
	res, err := NewResource(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), provider.Shutdown, nil
}
