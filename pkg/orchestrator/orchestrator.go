// Package orchestrator is the narrow seam between the execution core and
// the embedded crew-orchestration library (spec.md §1, §4.6: the core
// builds a crew/flow and calls kickoff_async, it never reimplements the
// library's own planning/execution graph). Grounded on the teacher's
// pkg/agent/orchestrator (SubAgentRunner's dispatch-then-collect shape,
// ResultCollector's TryDrainResult/WaitForNext) and collector.go, adapted
// from "dispatch named sub-agents and await their results" to "kick off
// one crew/flow and stream its lifecycle events".
package orchestrator

import (
	"context"
	"time"
)

// Event is one lifecycle notification emitted by the embedded
// orchestration library while a crew or flow runs (spec.md §4.8). The
// core never invents these; it only translates them into the persisted
// trace vocabulary via pkg/eventlistener.
type Event struct {
	Type      string // crew_started, task_started, tool_usage, llm_call, ...
	Source    string // agent role or task id the event concerns
	Context   string // surrounding task/flow node, if any
	Output    string
	Metadata  map[string]any
	Timestamp time.Time
}

// EventSink receives Events as the orchestration library emits them.
// Implemented by pkg/eventlistener.Listener.
type EventSink interface {
	Handle(ev Event)
}

// Runnable is anything the embedded orchestration library hands back from
// crew/flow construction: a kickoff_async-shaped entrypoint.
type Runnable interface {
	// KickoffAsync starts the run in the background and returns a channel
	// that receives exactly one Result when the run finishes (success or
	// failure) — mirroring the library's kickoff_async/future contract
	// (spec.md §4.6).
	KickoffAsync(ctx context.Context, inputs map[string]any) <-chan Result
}

// Result is the terminal outcome of a Runnable's run.
type Result struct {
	Output map[string]any
	Error  error
}

// Bus fans events from a running crew out to zero or more sinks. One Bus
// per in-flight job (spec.md §4.8 "events are scoped to the job that
// produced them").
type Bus struct {
	sinks []EventSink
}

// NewBus constructs a Bus with the given sinks attached up front; sinks
// cannot be added after construction since a worker process runs exactly
// one job for its whole lifetime (spec.md §4.5 spawn-per-job model).
func NewBus(sinks ...EventSink) *Bus {
	return &Bus{sinks: sinks}
}

// Emit delivers ev to every attached sink, swallowing nothing here — a
// sink that panics on a bad event must not be allowed to crash the crew
// run, so eventlistener.Listener.Handle is responsible for recovering
// internally (spec.md §4.8 "a broken listener must not abort the run").
func (b *Bus) Emit(ev Event) {
	for _, s := range b.sinks {
		s.Handle(ev)
	}
}

// Await blocks until r finishes or ctx is cancelled, returning whichever
// happens first. A cancelled ctx does not stop the underlying run — it
// only stops waiting for it; callers that need the run itself interrupted
// must go through pkg/pool.Pool.Terminate (spec.md §4.5: termination is a
// process-level signal, not a Go-level cancellation of library internals).
func Await(ctx context.Context, r Runnable, inputs map[string]any) (Result, error) {
	resultCh := r.KickoffAsync(ctx, inputs)
	select {
	case res := <-resultCh:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
