// Package event defines the events the orchestrator publishes and a small
// synchronous bus to deliver them.
package event

import (
	"time"

	"benchmate/internal/store"
)

// Event types follow the "category.action" convention.
const (
	TypeJobSubmitted    = "job.submitted"
	TypeJobStarted      = "job.started"
	TypeJobFinished     = "job.finished"
	TypeStateCorrected  = "state.corrected"
	TypeBenchDiscovered = "bench.discovered"
)

// Event is implemented by every published event.
type Event interface {
	EventType() string
	Timestamp() time.Time
}

type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now()}
}

// JobEvent carries a snapshot of a job at a lifecycle point.
type JobEvent struct {
	baseEvent
	Job store.Job
}

// NewJobSubmitted is published when a job is accepted.
func NewJobSubmitted(job store.Job) JobEvent {
	return JobEvent{baseEvent: newBaseEvent(TypeJobSubmitted), Job: job}
}

// NewJobStarted is published when a worker claims a job.
func NewJobStarted(job store.Job) JobEvent {
	return JobEvent{baseEvent: newBaseEvent(TypeJobStarted), Job: job}
}

// NewJobFinished is published when a job becomes terminal, or is returned
// to the queue for another attempt.
func NewJobFinished(job store.Job) JobEvent {
	return JobEvent{baseEvent: newBaseEvent(TypeJobFinished), Job: job}
}

// StateCorrectedEvent is published when the reconciler overwrites recorded
// state with observed state.
type StateCorrectedEvent struct {
	baseEvent
	Target store.TargetKey
	From   string
	To     string
	Reason string
}

// NewStateCorrected creates a StateCorrectedEvent.
func NewStateCorrected(target store.TargetKey, from, to, reason string) StateCorrectedEvent {
	return StateCorrectedEvent{
		baseEvent: newBaseEvent(TypeStateCorrected),
		Target:    target,
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// BenchDiscoveredEvent is published when sync registers a bench it had not
// seen before.
type BenchDiscoveredEvent struct {
	baseEvent
	Bench store.Bench
}

// NewBenchDiscovered creates a BenchDiscoveredEvent.
func NewBenchDiscovered(b store.Bench) BenchDiscoveredEvent {
	return BenchDiscoveredEvent{baseEvent: newBaseEvent(TypeBenchDiscovered), Bench: b}
}
