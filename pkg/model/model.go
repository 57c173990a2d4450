// Package model holds the plain Go structs backing the execution core's
// persisted rows. Field lists are grounded on the teacher's ent schema
// definitions (ent/schema/alertsession.go, timelineevent.go,
// agentexecution.go) but expressed without an ORM, since storage is a
// collaborator the core reaches only through pkg/repository.
package model

import "time"

// Status is the Execution lifecycle status.
type Status string

// Execution lifecycle states (spec.md §3, §4.2).
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusStopping  Status = "stopping"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether a status accepts no further writes.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// Execution is the authoritative record of one job (spec.md §3).
type Execution struct {
	ID             int64
	JobID          string
	GroupID        string
	GroupEmail     string
	CreatedByEmail string
	RunName        string
	Status         Status
	IsStopping     bool
	StopReason     string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Inputs         map[string]any
	Result         map[string]any
	Error          string
	PartialResults map[string]any
}

// ExecutionTrace is one structured lifecycle event (spec.md §3).
type ExecutionTrace struct {
	ID            int64
	JobID         string
	GroupID       string
	GroupEmail    string
	EventSource   string
	EventContext  string
	EventType     string
	Output        string
	TraceMetadata map[string]any
	CreatedAt     time.Time
}

// ExecutionLog is one unstructured subprocess log line (spec.md §3).
type ExecutionLog struct {
	ID          int64
	ExecutionID string // = JobID
	GroupID     string
	GroupEmail  string
	Content     string
	Timestamp   time.Time
}
