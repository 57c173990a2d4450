package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databrickslabs/kasal-execution-core/pkg/config"
	"github.com/databrickslabs/kasal-execution-core/pkg/execstore"
	"github.com/databrickslabs/kasal-execution-core/pkg/groupctx"
	"github.com/databrickslabs/kasal-execution-core/pkg/orchestrator"
	"github.com/databrickslabs/kasal-execution-core/pkg/repository"
	"github.com/databrickslabs/kasal-execution-core/pkg/tracequeue"
)

func acmeCtx() groupctx.GroupContext {
	return groupctx.GroupContext{GroupIDs: []string{"acme"}, GroupEmail: "jane@acme.com"}
}

// TestHappyPathPendingRunningCompleted covers spec.md §8's E1: a job goes
// pending -> running -> completed, crew_started/crew_completed traces are
// persisted tagged with the job's group_id, and the terminal WebSocket
// frame reports status=completed.
func TestHappyPathPendingRunningCompleted(t *testing.T) {
	h := NewHarness(config.NewEngineFlags(false))
	defer h.Close()
	ctx := context.Background()

	exec, err := h.RunToCompletion(ctx, "job-1", acmeCtx(), []orchestrator.Event{
		{Type: "crew_started", Source: "research_crew"},
		{Type: "task_started", Source: "gather_facts"},
		{Type: "task_completed", Source: "gather_facts", Output: "facts gathered"},
		{Type: "crew_completed", Source: "research_crew", Output: "done"},
	}, execstore.OutcomeCompleted, execstore.TerminalPayload{Result: map[string]any{"summary": "ok"}})
	require.NoError(t, err)
	assert.Equal(t, "completed", string(exec.Status))
	assert.NotNil(t, exec.StartedAt)
	assert.NotNil(t, exec.CompletedAt)

	require.Eventually(t, func() bool {
		traces, err := h.Repo.Traces().ListByJob(ctx, "job-1", []string{"acme"})
		if err != nil || len(traces) == 0 {
			return false
		}
		var sawStart, sawDone bool
		for _, tr := range traces {
			assert.Equal(t, "acme", tr.GroupID)
			if tr.EventType == "crew_started" {
				sawStart = true
			}
			if tr.EventType == "crew_completed" {
				sawDone = true
			}
		}
		return sawStart && sawDone
	}, time.Second, 5*time.Millisecond, "crew_started and crew_completed traces must both land")
}

// TestTenancyIsolationScopesListAndGet covers spec.md §8's E3: listing
// with group_ids=[acme] returns only acme's jobs, and fetching acme's job
// with the wrong group_ids returns NotFound rather than leaking the row.
func TestTenancyIsolationScopesListAndGet(t *testing.T) {
	h := NewHarness(config.NewEngineFlags(false))
	defer h.Close()
	ctx := context.Background()

	_, err := h.Store.Create(ctx, "job-acme", groupctx.GroupContext{GroupIDs: []string{"acme"}}, "acme run", nil)
	require.NoError(t, err)
	_, err = h.Store.Create(ctx, "job-globex", groupctx.GroupContext{GroupIDs: []string{"globex"}}, "globex run", nil)
	require.NoError(t, err)

	acmeJobs, err := h.Store.List(ctx, []string{"acme"}, repository.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, acmeJobs, 1)
	assert.Equal(t, "job-acme", acmeJobs[0].JobID)

	_, err = h.Store.Get(ctx, "job-acme", []string{"globex"})
	require.Error(t, err)
}

// TestClosedVocabularyDropsUnrecognizedEventType covers spec.md §8's E5:
// an event type outside the closed vocabulary never appears in a
// persisted ExecutionTrace, at either the listener or the writer gate.
func TestClosedVocabularyDropsUnrecognizedEventType(t *testing.T) {
	h := NewHarness(config.NewEngineFlags(true))
	defer h.Close()
	ctx := context.Background()

	_, err := h.Store.Create(ctx, "job-1", acmeCtx(), "demo", nil)
	require.NoError(t, err)
	require.NoError(t, h.Store.MarkRunning(ctx, "job-1", "acme"))

	assert.False(t, tracequeue.IsPersistedEventType("made_up_event"))

	listener := newListenerForTest(t, h, "job-1")
	listener.Handle(orchestrator.Event{Type: "made_up_event", Source: "x"})
	listener.Handle(orchestrator.Event{Type: "crew_started", Source: "research_crew"})

	require.Eventually(t, func() bool {
		traces, err := h.Repo.Traces().ListByJob(ctx, "job-1", []string{"acme"})
		return err == nil && len(traces) == 1
	}, time.Second, 5*time.Millisecond)

	traces, err := h.Repo.Traces().ListByJob(ctx, "job-1", []string{"acme"})
	require.NoError(t, err)
	require.Len(t, traces, 1, "the unrecognized event type must never be persisted")
	assert.Equal(t, "crew_started", traces[0].EventType)
}

// TestDebugTracingGatesMemoryRetrievalPersistence covers spec.md §8's E6:
// a memory_retrieval event is only persisted when crewai_debug_tracing is
// enabled; the event itself is always passed through the listener, and
// the gate lives in the writer (spec.md §4.3, §8.6).
func TestDebugTracingGatesMemoryRetrievalPersistence(t *testing.T) {
	flags := config.NewEngineFlags(false)
	h := NewHarness(flags)
	defer h.Close()
	ctx := context.Background()

	_, err := h.Store.Create(ctx, "job-1", acmeCtx(), "demo", nil)
	require.NoError(t, err)
	require.NoError(t, h.Store.MarkRunning(ctx, "job-1", "acme"))

	listener := newListenerForTest(t, h, "job-1")
	listener.Handle(orchestrator.Event{Type: "memory_retrieval", Source: "research_crew"})
	listener.Handle(orchestrator.Event{Type: "task_started", Source: "gather_facts"})

	require.Eventually(t, func() bool {
		traces, err := h.Repo.Traces().ListByJob(ctx, "job-1", []string{"acme"})
		return err == nil && len(traces) == 1
	}, time.Second, 5*time.Millisecond)
	traces, err := h.Repo.Traces().ListByJob(ctx, "job-1", []string{"acme"})
	require.NoError(t, err)
	assert.Equal(t, "task_started", traces[0].EventType, "memory_retrieval must be suppressed while tracing is off")

	flags.Set("crewai_debug_tracing", true)
	listener.Handle(orchestrator.Event{Type: "memory_retrieval", Source: "research_crew"})

	require.Eventually(t, func() bool {
		traces, err := h.Repo.Traces().ListByJob(ctx, "job-1", []string{"acme"})
		return err == nil && len(traces) == 2
	}, time.Second, 5*time.Millisecond, "memory_retrieval must persist once debug tracing is enabled")
}
