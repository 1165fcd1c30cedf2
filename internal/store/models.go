// Package store contains the job record store for benchmate.
package store

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BenchState is the running state of a bench.
type BenchState string

const (
	BenchStopped  BenchState = "Stopped"
	BenchStarting BenchState = "Starting"
	BenchRunning  BenchState = "Running"
	BenchStopping BenchState = "Stopping"
	BenchFailed   BenchState = "Failed"
)

// SiteState is the lifecycle state of a site.
type SiteState string

const (
	SiteAbsent    SiteState = "Absent"
	SiteCreating  SiteState = "Creating"
	SiteActive    SiteState = "Active"
	SiteBackingUp SiteState = "BackingUp"
	SiteRestoring SiteState = "Restoring"
	SiteDropping  SiteState = "Dropping"
	SiteFailed    SiteState = "Failed"
)

// JobKind is the lifecycle operation a job performs.
type JobKind string

const (
	KindCreateSite       JobKind = "CreateSite"
	KindDropSite         JobKind = "DropSite"
	KindBackupSite       JobKind = "BackupSite"
	KindRestoreSite      JobKind = "RestoreSite"
	KindStartBench       JobKind = "StartBench"
	KindStopBench        JobKind = "StopBench"
	KindSyncBenchDetails JobKind = "SyncBenchDetails"
)

// Kinds lists every job kind in a stable order.
var Kinds = []JobKind{
	KindCreateSite,
	KindDropSite,
	KindBackupSite,
	KindRestoreSite,
	KindStartBench,
	KindStopBench,
	KindSyncBenchDetails,
}

// IsSiteKind reports whether the kind targets a single site.
func (k JobKind) IsSiteKind() bool {
	switch k {
	case KindCreateSite, KindDropSite, KindBackupSite, KindRestoreSite:
		return true
	}
	return false
}

// IsBenchKind reports whether the kind targets a whole bench.
func (k JobKind) IsBenchKind() bool {
	return k == KindStartBench || k == KindStopBench
}

// Valid reports whether k is a known kind.
func (k JobKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// JobState is the state of a job record.
type JobState string

const (
	JobQueued    JobState = "Queued"
	JobRunning   JobState = "Running"
	JobSucceeded JobState = "Succeeded"
	JobFailed    JobState = "Failed"
	JobCancelled JobState = "Cancelled"
)

// Terminal reports whether the job can no longer change.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// Scope is the entity type a target key refers to.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeBench  Scope = "bench"
	ScopeSite   Scope = "site"
)

// TargetKey identifies the entity a job mutates. It is the unit of locking
// and of submission conflicts. Global keys carry their name in Bench.
type TargetKey struct {
	Scope Scope
	Bench string
	Site  string
}

// SyncKey is the single key shared by all sync jobs.
var SyncKey = TargetKey{Scope: ScopeGlobal, Bench: "sync"}

// BenchKey returns the key of a bench.
func BenchKey(bench string) TargetKey {
	return TargetKey{Scope: ScopeBench, Bench: bench}
}

// SiteKey returns the key of a site on a bench.
func SiteKey(bench, site string) TargetKey {
	return TargetKey{Scope: ScopeSite, Bench: bench, Site: site}
}

// String renders the key as "bench:b1", "site:b1/acme" or "global:sync".
func (k TargetKey) String() string {
	if k.Scope == ScopeSite {
		return fmt.Sprintf("site:%s/%s", k.Bench, k.Site)
	}
	return fmt.Sprintf("%s:%s", k.Scope, k.Bench)
}

// namePattern matches bench and site names: letters, digits, dot, dash and
// underscore, not starting with a dot or dash. Names end up as bench CLI
// arguments and path segments.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]*$`)

// MaxNameLength bounds bench and site names.
const MaxNameLength = 255

// ValidName reports whether name can be used as a bench id or site name.
func ValidName(name string) bool {
	return len(name) <= MaxNameLength && namePattern.MatchString(name)
}

// ParseTargetKey is the inverse of TargetKey.String.
func ParseTargetKey(s string) (TargetKey, error) {
	scope, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return TargetKey{}, fmt.Errorf("invalid target key %q", s)
	}
	switch Scope(scope) {
	case ScopeGlobal:
		return TargetKey{Scope: ScopeGlobal, Bench: rest}, nil
	case ScopeBench:
		return BenchKey(rest), nil
	case ScopeSite:
		bench, site, ok := strings.Cut(rest, "/")
		if !ok || bench == "" || site == "" {
			return TargetKey{}, fmt.Errorf("invalid site key %q", s)
		}
		return SiteKey(bench, site), nil
	}
	return TargetKey{}, fmt.Errorf("unknown scope in target key %q", s)
}

// Overlaps reports whether two keys may not be held by different jobs at the
// same time. A bench key overlaps every site key on that bench; the global
// key only overlaps itself.
func (k TargetKey) Overlaps(o TargetKey) bool {
	if k == o {
		return true
	}
	if k.Scope == ScopeGlobal || o.Scope == ScopeGlobal {
		return false
	}
	if k.Bench != o.Bench {
		return false
	}
	return k.Scope == ScopeBench || o.Scope == ScopeBench
}

// App is an application installed on a bench.
type App struct {
	Name       string `json:"name"`
	Title      string `json:"title,omitempty"`
	Version    string `json:"version,omitempty"`
	Branch     string `json:"branch,omitempty"`
	Commit     string `json:"commit,omitempty"`
	Repository string `json:"repository,omitempty"`
}

// Bench is an isolated runtime environment hosting sites.
type Bench struct {
	ID           string
	Path         string
	State        BenchState
	Version      string
	Branch       string
	Apps         []App
	ErrorMessage string
	LastSyncedAt *time.Time
	UpdatedAt    time.Time
}

// Site is a tenant instance within a bench.
type Site struct {
	Bench        string
	Name         string
	State        SiteState
	Path         string
	LastBackup   string
	LastBackupAt *time.Time
	UpdatedAt    time.Time
}

// JobParams carries the request parameters of a job.
type JobParams struct {
	Bench        string `json:"bench,omitempty"`
	Site         string `json:"site,omitempty"`
	DatabaseFile string `json:"database_file,omitempty"`
	PublicFiles  string `json:"public_files,omitempty"`
	PrivateFiles string `json:"private_files,omitempty"`
}

// Job is the record of one lifecycle operation.
type Job struct {
	ID          uuid.UUID
	Kind        JobKind
	Target      TargetKey
	Params      JobParams
	State       JobState
	Attempt     int
	PriorState  string // entity state before the current attempt
	Message     string
	ErrorKind   string
	ErrorDetail string
	Result      map[string]string
	SubmittedAt time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

// Clone returns a deep copy of the job.
func (j Job) Clone() Job {
	c := j
	if j.Result != nil {
		c.Result = make(map[string]string, len(j.Result))
		for k, v := range j.Result {
			c.Result[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

// Clone returns a deep copy of the bench.
func (b Bench) Clone() Bench {
	c := b
	if b.Apps != nil {
		c.Apps = append([]App(nil), b.Apps...)
	}
	if b.LastSyncedAt != nil {
		t := *b.LastSyncedAt
		c.LastSyncedAt = &t
	}
	return c
}

// LogEntry is a chunk of output attached to a job.
type LogEntry struct {
	ID        int64
	JobID     uuid.UUID
	Content   string
	CreatedAt time.Time
}

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	State JobState
	Kind  JobKind
	Bench string
	Limit int
}

// Match reports whether the job passes the filter, ignoring Limit.
func (f JobFilter) Match(j *Job) bool {
	if f.State != "" && j.State != f.State {
		return false
	}
	if f.Kind != "" && j.Kind != f.Kind {
		return false
	}
	if f.Bench != "" && j.Target.Bench != f.Bench {
		return false
	}
	return true
}
