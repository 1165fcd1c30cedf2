package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// Attribute keys benchmate stamps on every span and metric series.
const (
	DriverKey  = attribute.Key("benchmate.driver")
	StoreKey   = attribute.Key("benchmate.store")
	serviceNS  = "benchmate"
	defaultSvc = "benchmated"
)

// Identity describes the orchestrator process being instrumented.
type Identity struct {
	Service string // defaults to benchmated
	Version string
	Driver  string // exec or docker
	Store   string // postgres or memory
}

// NewResource builds the resource shared by the tracer and meter providers.
func NewResource(ctx context.Context, id Identity) (*resource.Resource, error) {
	if id.Service == "" {
		id.Service = defaultSvc
	}
	if id.Version == "" {
		id.Version = "dev"
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(id.Service),
		semconv.ServiceNamespace(serviceNS),
		semconv.ServiceVersion(id.Version),
	}
	if id.Driver != "" {
		attrs = append(attrs, DriverKey.String(id.Driver))
	}
	if id.Store != "" {
		attrs = append(attrs, StoreKey.String(id.Store))
	}

	res, err := resource.New(ctx, resource.WithAttributes(attrs...), resource.WithHost())
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}
