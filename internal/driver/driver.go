// Package driver provides the Runtime Driver that performs primitive bench
// and site operations against the host or a container runtime.
package driver

import (
	"context"

	"benchmate/internal/store"
)

// Driver executes bench and site operations. Calls block until the operation
// is done and should honor ctx cancellation where the underlying tool allows.
type Driver interface {
	CreateSite(ctx context.Context, benchPath, siteName string) (Result, error)
	DropSite(ctx context.Context, benchPath, siteName string) (Result, error)
	BackupSite(ctx context.Context, benchPath, siteName string) (Result, error)
	RestoreSite(ctx context.Context, benchPath, siteName string, files RestoreFiles) (Result, error)
	StartBench(ctx context.Context, benchPath string) (Result, error)
	StopBench(ctx context.Context, benchPath string) (Result, error)

	// QueryBenchState reports whether a bench is Running or Stopped.
	QueryBenchState(ctx context.Context, benchPath string) (store.BenchState, error)
}

// Aborter is implemented by drivers that can kill in-flight operations.
type Aborter interface {
	// Abort stops whatever the driver is running for benchPath.
	Abort(ctx context.Context, benchPath string) error
}

// Discoverer is implemented by drivers that can enumerate benches.
type Discoverer interface {
	Discover(ctx context.Context) ([]BenchInfo, error)
}

// Result is the outcome of a successful driver call.
type Result struct {
	// Message is a one-line summary; empty means the caller picks one.
	Message string
	Output  string
	Data    map[string]string
}

// RestoreFiles names the backup files a restore reads.
type RestoreFiles struct {
	Database     string
	PublicFiles  string
	PrivateFiles string
}

// BenchInfo describes a bench found on disk.
type BenchInfo struct {
	ID      string
	Path    string
	Version string
	Branch  string
	Apps    []store.App
	Sites   []SiteInfo
	// Error is set when the bench was found but could not be inspected.
	Error string
}

// SiteInfo describes a site directory within a bench.
type SiteInfo struct {
	Name string
	Path string
}
