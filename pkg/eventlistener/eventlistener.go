// Package eventlistener translates orchestrator.Event values into the
// closed trace vocabulary and enqueues them for persistence (spec.md
// §4.8). Grounded on the teacher's pkg/agent/orchestrator/collector.go
// (adapter pattern wrapping a runner's raw events into a different
// package's shape) and the teacher's swallow-and-log handling of
// per-connection errors in pkg/events/manager.go's handleClientMessage.
package eventlistener

import (
	"log/slog"
	"time"

	"github.com/databrickslabs/kasal-execution-core/pkg/groupctx"
	"github.com/databrickslabs/kasal-execution-core/pkg/model"
	"github.com/databrickslabs/kasal-execution-core/pkg/orchestrator"
)

// Enqueuer accepts one trace row (implemented by pkg/tracequeue.Queue).
type Enqueuer interface {
	Enqueue(t *model.ExecutionTrace)
}

// Listener is attached to one job's orchestrator.Bus at worker startup and
// lives for the job's whole lifetime (spec.md §4.8, §4.5 spawn-per-job).
type Listener struct {
	jobID string
	gctx  groupctx.GroupContext
	queue Enqueuer
}

// New constructs a Listener for jobID under gctx's tenancy, writing into
// queue.
func New(jobID string, gctx groupctx.GroupContext, queue Enqueuer) *Listener {
	return &Listener{jobID: jobID, gctx: gctx, queue: queue}
}

// Handle implements orchestrator.EventSink. It never lets a malformed or
// unexpected event type escape as a panic — a broken handler must not
// crash the crew run (spec.md §4.8).
func (l *Listener) Handle(ev orchestrator.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event listener handler panicked, swallowing", "job_id", l.jobID, "event_type", ev.Type, "panic", r)
		}
	}()

	eventType, source := translate(ev)
	if eventType == "" {
		return // not in the closed vocabulary at all; nothing to enqueue
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	l.queue.Enqueue(&model.ExecutionTrace{
		JobID:         l.jobID,
		GroupID:       l.gctx.PrimaryGroupID(),
		GroupEmail:    l.gctx.GroupEmail,
		EventSource:   source,
		EventContext:  ev.Context,
		EventType:     eventType,
		Output:        ev.Output,
		TraceMetadata: ev.Metadata,
		CreatedAt:     ts,
	})
}

// translate maps a raw orchestrator.Event onto the closed vocabulary and
// builds the event_source label, following the table in spec.md §4.8.
// ev.Type is expected to already carry the library's event name (e.g.
// "crew_started", "tool_usage"); translate's job is formatting
// event_source and passing through only recognized types, since the
// vocabulary check itself happens again at the trace writer as a
// second independent gate (spec.md §4.3, §8.3).
func translate(ev orchestrator.Event) (eventType, source string) {
	switch ev.Type {
	case "crew_started", "crew_completed":
		return ev.Type, "Crew[" + ev.Source + "]"
	case "task_started", "task_completed", "task_failed":
		return ev.Type, "Task[" + ev.Source + "]"
	case "agent_execution":
		return ev.Type, "Agent[" + ev.Source + "]"
	case "tool_usage", "tool_error":
		return ev.Type, "Tool[" + ev.Source + "]"
	case "llm_call":
		return ev.Type, "Agent[" + ev.Source + "]"
	case "llm_guardrail":
		return ev.Type, "Guardrail[" + ev.Source + "]"
	case "memory_write", "memory_retrieval", "memory_write_started", "memory_retrieval_started":
		return ev.Type, "Memory[" + ev.Source + "]"
	case "knowledge_retrieval", "knowledge_retrieval_started":
		return ev.Type, "Knowledge[" + ev.Source + "]"
	case "agent_reasoning", "agent_reasoning_error":
		return ev.Type, "Agent[" + ev.Source + "]"
	default:
		slog.Debug("dropping unrecognized orchestrator event type", "event_type", ev.Type)
		return "", ""
	}
}
