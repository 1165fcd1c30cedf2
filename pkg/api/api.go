// Package api contains shared JSON request/response structs.
// This package is shared between benchctl and the benchmate daemon.
package api

import (
	"encoding/json"
	"time"
)

// Response is the envelope every endpoint answers with.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// RawResponse is Response with Data left undecoded, for clients.
type RawResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// CreateSiteRequest is the body of POST /benches/{bench}/sites.
type CreateSiteRequest struct {
	SiteName string `json:"site_name"`
}

// RestoreSiteRequest is the body of POST /benches/{bench}/sites/{site}/restore.
type RestoreSiteRequest struct {
	DatabaseFile string `json:"database_file"`
	PublicFiles  string `json:"public_files,omitempty"`
	PrivateFiles string `json:"private_files,omitempty"`
}

// RegisterBenchRequest is the body of PUT /benches/{bench}.
type RegisterBenchRequest struct {
	Path string `json:"path"`
}

// JobResponse represents a job in API responses.
type JobResponse struct {
	ID          string            `json:"id" yaml:"id"`
	Kind        string            `json:"kind" yaml:"kind"`
	Target      string            `json:"target" yaml:"target"`
	Bench       string            `json:"bench,omitempty" yaml:"bench,omitempty"`
	Site        string            `json:"site,omitempty" yaml:"site,omitempty"`
	State       string            `json:"state" yaml:"state"`
	Attempt     int               `json:"attempt" yaml:"attempt"`
	Message     string            `json:"message,omitempty" yaml:"message,omitempty"`
	ErrorKind   string            `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	ErrorDetail string            `json:"error_detail,omitempty" yaml:"error_detail,omitempty"`
	Result      map[string]string `json:"result,omitempty" yaml:"result,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at" yaml:"submitted_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// Terminal reports whether the job has reached a final state.
func (j JobResponse) Terminal() bool {
	switch j.State {
	case "Succeeded", "Failed", "Cancelled":
		return true
	}
	return false
}

// ListJobsResponse is the data of GET /jobs.
type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs" yaml:"jobs"`
}

// AppResponse describes an app installed on a bench.
type AppResponse struct {
	Name       string `json:"name" yaml:"name"`
	Title      string `json:"title,omitempty" yaml:"title,omitempty"`
	Version    string `json:"version,omitempty" yaml:"version,omitempty"`
	Branch     string `json:"branch,omitempty" yaml:"branch,omitempty"`
	Repository string `json:"repository,omitempty" yaml:"repository,omitempty"`
}

// SiteResponse represents a site in API responses.
type SiteResponse struct {
	Name         string     `json:"name" yaml:"name"`
	State        string     `json:"state" yaml:"state"`
	Path         string     `json:"path,omitempty" yaml:"path,omitempty"`
	LastBackup   string     `json:"last_backup,omitempty" yaml:"last_backup,omitempty"`
	LastBackupAt *time.Time `json:"last_backup_at,omitempty" yaml:"last_backup_at,omitempty"`
}

// BenchResponse represents a bench in API responses.
type BenchResponse struct {
	ID           string         `json:"id" yaml:"id"`
	Path         string         `json:"path" yaml:"path"`
	State        string         `json:"state" yaml:"state"`
	Version      string         `json:"version,omitempty" yaml:"version,omitempty"`
	Branch       string         `json:"branch,omitempty" yaml:"branch,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	LastSyncedAt *time.Time     `json:"last_synced_at,omitempty" yaml:"last_synced_at,omitempty"`
	Apps         []AppResponse  `json:"apps,omitempty" yaml:"apps,omitempty"`
	Sites        []SiteResponse `json:"sites,omitempty" yaml:"sites,omitempty"`
}

// ListBenchesResponse is the data of GET /benches.
type ListBenchesResponse struct {
	Benches []BenchResponse `json:"benches" yaml:"benches"`
}

// LogEntry represents a single log chunk in the response.
type LogEntry struct {
	ID        int64     `json:"id" yaml:"id"`
	Content   string    `json:"content" yaml:"content"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// GetLogsResponse is the data of GET /jobs/{id}/logs.
type GetLogsResponse struct {
	Logs []LogEntry `json:"logs" yaml:"logs"`
}

// LockResponse describes a held target lock.
type LockResponse struct {
	Key        string    `json:"key" yaml:"key"`
	Holder     string    `json:"holder" yaml:"holder"`
	AcquiredAt time.Time `json:"acquired_at" yaml:"acquired_at"`
}

// ListLocksResponse is the data of GET /locks.
type ListLocksResponse struct {
	Locks []LockResponse `json:"locks" yaml:"locks"`
}
