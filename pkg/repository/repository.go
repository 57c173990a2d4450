// Package repository defines the storage contract the execution core
// consumes. Per spec.md §1, persistent storage engines (Postgres / SQLite
// / Lakebase) are external collaborators; the core only depends on this
// interface. pgx.go provides the one concrete backend this module ships
// (grounded on the teacher's pkg/database/client.go connection style,
// built directly against pgx since no generated ent client was retrieved
// — see DESIGN.md).
package repository

import (
	"context"

	"github.com/databrickslabs/kasal-execution-core/pkg/model"
)

// ExecutionFilter narrows a List query.
type ExecutionFilter struct {
	Status model.Status // empty = any
	Limit  int
	Offset int
}

// ExecutionRepository is the authoritative storage contract for Execution
// rows. Get, List and Delete require a non-empty groupIDs filter (spec.md
// §4.1) and return a SecurityViolation error otherwise; Create and
// CompareAndSwapStatus address the row's single group_id instead.
type ExecutionRepository interface {
	Create(ctx context.Context, e *model.Execution) error
	Get(ctx context.Context, jobID string, groupIDs []string) (*model.Execution, error)
	List(ctx context.Context, groupIDs []string, filter ExecutionFilter) ([]*model.Execution, error)

	// CompareAndSwapStatus atomically transitions a row from one of `from`
	// to `to`, applying mutate to the row within the same write. Returns
	// (false, nil) if the current status wasn't in `from` (no-op, not an
	// error) — this is how first-writer-wins races resolve (spec.md §4.2).
	CompareAndSwapStatus(ctx context.Context, jobID string, groupID string, from []model.Status, to model.Status, mutate func(*model.Execution)) (bool, error)

	Delete(ctx context.Context, jobID string, groupIDs []string) error
}

// TraceRepository stores ExecutionTrace rows.
type TraceRepository interface {
	InsertBatch(ctx context.Context, traces []*model.ExecutionTrace) error
	ListByJob(ctx context.Context, jobID string, groupIDs []string) ([]*model.ExecutionTrace, error)
	JobExists(ctx context.Context, jobID, groupID string) (bool, error)
}

// LogRepository stores ExecutionLog rows.
type LogRepository interface {
	InsertBatch(ctx context.Context, logs []*model.ExecutionLog) error
	ListByExecution(ctx context.Context, executionID string, groupIDs []string) ([]*model.ExecutionLog, error)
}

// Repositories bundles the three storage contracts, handed as one unit to
// the components that need them.
type Repositories struct {
	Executions ExecutionRepository
	Traces     TraceRepository
	Logs       LogRepository
}
