// Package tracequeue implements the bounded trace queue and its background
// writer (spec.md §4.3). Grounded on the teacher's pkg/events/manager.go
// (bounded, timeout-based draining) and pkg/queue/worker.go's
// time-boxed background-task pattern.
package tracequeue

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/databrickslabs/kasal-execution-core/pkg/config"
	"github.com/databrickslabs/kasal-execution-core/pkg/model"
	"github.com/databrickslabs/kasal-execution-core/pkg/repository"
)

// debugOnlyEventTypes is the subset suppressed when
// crewai_debug_tracing=false (spec.md §6).
var debugOnlyEventTypes = map[string]bool{
	"memory_write":               true,
	"memory_retrieval":           true,
	"memory_write_started":       true,
	"memory_retrieval_started":   true,
	"knowledge_retrieval":        true,
	"knowledge_retrieval_started": true,
	"agent_reasoning":            true,
	"agent_reasoning_error":      true,
	"llm_guardrail":              true,
}

// persistedEventTypes is the closed vocabulary (spec.md §6). Any event
// outside this set is dropped by the writer.
var persistedEventTypes = map[string]bool{
	"crew_started": true, "crew_completed": true,
	"task_started": true, "task_completed": true, "task_failed": true,
	"agent_execution": true,
	"tool_usage":       true, "tool_error": true,
	"llm_call":       true,
	"llm_guardrail":  true,
	"memory_write":   true, "memory_retrieval": true,
	"memory_write_started": true, "memory_retrieval_started": true,
	"knowledge_retrieval": true, "knowledge_retrieval_started": true,
	"agent_reasoning": true, "agent_reasoning_error": true,
}

// IsPersistedEventType reports whether eventType belongs to the closed
// vocabulary (spec.md §6, testable property §8.3).
func IsPersistedEventType(eventType string) bool { return persistedEventTypes[eventType] }

// Broadcaster publishes task-lifecycle frames over WebSocket (spec.md §4.3,
// implemented by pkg/wshub.Hub).
type Broadcaster interface {
	BroadcastTaskStatus(jobID string, frame any)
}

// Metrics counts dropped events for observability (spec.md §4.3: "producer
// drops the event and increments a counter").
type Metrics struct {
	Dropped int64
}

func (m *Metrics) incDropped() { atomic.AddInt64(&m.Dropped, 1) }

// Queue is the bounded, non-blocking, multi-producer trace queue.
type Queue struct {
	ch      chan *model.ExecutionTrace
	metrics Metrics
}

// New creates a Queue with the given capacity (spec.md §5 "bounded").
func New(capacity int) *Queue {
	return &Queue{ch: make(chan *model.ExecutionTrace, capacity)}
}

// Enqueue is non-blocking: on a full queue the event is dropped and the
// drop counter incremented (spec.md §4.3, §5 backpressure policy).
func (q *Queue) Enqueue(t *model.ExecutionTrace) {
	select {
	case q.ch <- t:
	default:
		q.metrics.incDropped()
		slog.Warn("trace queue full, dropping event", "job_id", t.JobID, "event_type", t.EventType)
	}
}

// Metrics returns a snapshot of queue counters.
func (q *Queue) Metrics() Metrics {
	return Metrics{Dropped: atomic.LoadInt64(&q.metrics.Dropped)}
}

// Writer drains a Queue into TraceRepository and fans task_* events out to
// a Broadcaster, honoring the closed vocabulary and debug-flag gating.
type Writer struct {
	queue       *Queue
	repo        repository.TraceRepository
	traceExists repository.TraceRepository // same value; named for clarity at call sites
	flags       *config.EngineFlags
	broadcaster Broadcaster
	cfg         config.PoolConfig

	confirmedJobs map[string]bool
}

// NewWriter constructs a Writer. broadcaster may be nil (no WebSocket fan-out).
func NewWriter(queue *Queue, repo repository.TraceRepository, flags *config.EngineFlags, broadcaster Broadcaster, cfg config.PoolConfig) *Writer {
	return &Writer{
		queue:         queue,
		repo:          repo,
		traceExists:   repo,
		flags:         flags,
		broadcaster:   broadcaster,
		cfg:           cfg,
		confirmedJobs: make(map[string]bool),
	}
}

// Run drains the queue until ctx is cancelled, then performs a final drain
// to empty before returning (spec.md §4.3 "On shutdown signal: drains the
// queue until empty, then exits").
func (w *Writer) Run(ctx context.Context) {
	log := slog.With("component", "trace_writer")
	log.Info("trace writer started")
	for {
		select {
		case <-ctx.Done():
			log.Info("trace writer shutting down, draining remaining events")
			w.drainToEmpty(context.Background())
			log.Info("trace writer drained and stopped")
			return
		default:
			w.runBatch(ctx)
		}
	}
}

// runBatch pulls up to BatchSize events with a short timeout, exactly as
// spec.md §4.3 describes ("Pulls up to a small batch (<=10) per iteration
// with a short timeout").
func (w *Writer) runBatch(ctx context.Context) {
	batch := make([]*model.ExecutionTrace, 0, w.cfg.TraceWriterBatchSize)
	timeout := time.NewTimer(w.cfg.TraceWriterPollInterval)
	defer timeout.Stop()

collect:
	for len(batch) < w.cfg.TraceWriterBatchSize {
		select {
		case t := <-w.queue.ch:
			batch = append(batch, t)
		case <-timeout.C:
			break collect
		case <-ctx.Done():
			break collect
		}
	}
	if len(batch) == 0 {
		return
	}
	w.writeBatch(ctx, batch)
}

func (w *Writer) drainToEmpty(ctx context.Context) {
	for {
		select {
		case t := <-w.queue.ch:
			w.writeBatch(ctx, []*model.ExecutionTrace{t})
		default:
			return
		}
	}
}

func (w *Writer) writeBatch(ctx context.Context, batch []*model.ExecutionTrace) {
	accepted := make([]*model.ExecutionTrace, 0, len(batch))
	for _, t := range batch {
		if !IsPersistedEventType(t.EventType) {
			continue // outside the closed vocabulary (spec.md §8.3)
		}
		if debugOnlyEventTypes[t.EventType] && !w.flags.Bool("crewai_debug_tracing") {
			continue // debug-only and tracing disabled (spec.md §4.3, §8.6)
		}
		if !w.ensureJobExists(ctx, t.JobID, t.GroupID) {
			continue
		}
		accepted = append(accepted, t)
	}
	if len(accepted) == 0 {
		return
	}
	if err := w.repo.InsertBatch(ctx, accepted); err != nil {
		// Writes are never retried indefinitely (spec.md §4.3).
		slog.Error("trace batch write failed, dropping batch", "error", err, "count", len(accepted))
		return
	}
	if w.broadcaster != nil {
		for _, t := range accepted {
			if len(t.EventType) >= 5 && t.EventType[:5] == "task_" {
				w.broadcaster.BroadcastTaskStatus(t.JobID, TaskStatusFrame{
					Type:      "task_status_update",
					EventType: t.EventType,
					TaskID:    t.EventSource,
					Timestamp: t.CreatedAt,
					Output:    t.Output,
				})
			}
		}
	}
}

// ensureJobExists implements the "Open question — auto-create on orphan
// trace" resolution from SPEC_FULL.md §E5: wait with bounded retry by
// default. With AutoCreateOrphanExecutions set, an event whose job is still
// unknown after the retries is accepted anyway; no Execution row is created.
func (w *Writer) ensureJobExists(ctx context.Context, jobID, groupID string) bool {
	if w.confirmedJobs[jobID] {
		return true
	}
	var exists bool
	var err error
	for attempt := 0; attempt <= w.cfg.JobExistsRetryAttempts; attempt++ {
		exists, err = w.traceExists.JobExists(ctx, jobID, groupID)
		if err != nil {
			slog.Error("job existence check failed", "job_id", jobID, "error", err)
			return false
		}
		if exists {
			w.confirmedJobs[jobID] = true
			return true
		}
		if attempt < w.cfg.JobExistsRetryAttempts {
			select {
			case <-time.After(w.cfg.JobExistsRetryBackoff):
			case <-ctx.Done():
				return false
			}
		}
	}
	if w.cfg.AutoCreateOrphanExecutions {
		// Caller-opted-in degraded mode: accept the event without a
		// confirmed parent row (spec.md §9 open question).
		w.confirmedJobs[jobID] = true
		return true
	}
	slog.Warn("dropping trace for unconfirmed job", "job_id", jobID)
	return false
}

// TaskStatusFrame is the WebSocket frame shape for task lifecycle events
// (spec.md §6).
type TaskStatusFrame struct {
	Type      string    `json:"type"`
	EventType string    `json:"event_type"`
	TaskID    string    `json:"task_id"`
	TaskName  string    `json:"task_name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Output    string    `json:"output"`
}
