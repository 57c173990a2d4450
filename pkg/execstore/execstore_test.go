package execstore

import (
	"context"
	"sync"
	"testing"

	"github.com/databrickslabs/kasal-execution-core/pkg/coreerr"
	"github.com/databrickslabs/kasal-execution-core/pkg/groupctx"
	"github.com/databrickslabs/kasal-execution-core/pkg/model"
	"github.com/databrickslabs/kasal-execution-core/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore() *Store {
	mem := repository.NewInMemory()
	return New(mem.Executions(), nil)
}

// fakeBroadcaster records every terminal frame MarkTerminal publishes.
type fakeBroadcaster struct {
	mu     sync.Mutex
	frames []ExecutionCompleteFrame
}

func (b *fakeBroadcaster) BroadcastExecutionComplete(jobID string, frame any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, frame.(ExecutionCompleteFrame))
}

func (b *fakeBroadcaster) Frames() []ExecutionCompleteFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ExecutionCompleteFrame, len(b.frames))
	copy(out, b.frames)
	return out
}

func gctx(group string) groupctx.GroupContext {
	return groupctx.GroupContext{GroupIDs: []string{group}, GroupEmail: "jane@acme.com"}
}

func TestCreateThenGet(t *testing.T) {
	store := newStore()
	ctx := context.Background()

	exec, err := store.Create(ctx, "j1", gctx("acme"), "run-1", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, exec.Status)
	assert.Equal(t, "acme", exec.GroupID)

	got, err := store.Get(ctx, "j1", []string{"acme"})
	require.NoError(t, err)
	assert.Equal(t, "j1", got.JobID)
}

func TestCreateDuplicateJobIDFails(t *testing.T) {
	store := newStore()
	ctx := context.Background()

	_, err := store.Create(ctx, "j1", gctx("acme"), "run-1", nil)
	require.NoError(t, err)

	_, err = store.Create(ctx, "j1", gctx("acme"), "run-1", nil)
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.AlreadyExists))
}

func TestMarkRunningIsIdempotent(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	_, err := store.Create(ctx, "j1", gctx("acme"), "run-1", nil)
	require.NoError(t, err)

	require.NoError(t, store.MarkRunning(ctx, "j1", "acme"))
	exec, err := store.Get(ctx, "j1", []string{"acme"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, exec.Status)
	assert.NotNil(t, exec.StartedAt)

	// Calling again while already running is a no-op, not an error.
	require.NoError(t, store.MarkRunning(ctx, "j1", "acme"))
}

func TestMarkRunningFromTerminalIsInvalidTransition(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	_, err := store.Create(ctx, "j1", gctx("acme"), "run-1", nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, "j1", "acme"))
	require.NoError(t, store.MarkTerminal(ctx, "j1", "acme", OutcomeCompleted, TerminalPayload{}))

	err = store.MarkRunning(ctx, "j1", "acme")
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.InvalidTransition))
}

func TestMarkTerminalSetsCompletedAtAndPayload(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	_, err := store.Create(ctx, "j1", gctx("acme"), "run-1", nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, "j1", "acme"))

	require.NoError(t, store.MarkTerminal(ctx, "j1", "acme", OutcomeFailed, TerminalPayload{Error: "boom"}))

	exec, err := store.Get(ctx, "j1", []string{"acme"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, exec.Status)
	assert.Equal(t, "boom", exec.Error)
	require.NotNil(t, exec.CompletedAt)
}

// TestMarkTerminalBroadcastsExecutionCompleteFrame verifies spec.md §4.4
// "(c) the status store for terminal transitions" — the first writer's
// terminal transition publishes exactly one frame; a losing racer does
// not broadcast at all.
func TestMarkTerminalBroadcastsExecutionCompleteFrame(t *testing.T) {
	mem := repository.NewInMemory()
	broadcaster := &fakeBroadcaster{}
	store := New(mem.Executions(), broadcaster)
	ctx := context.Background()
	_, err := store.Create(ctx, "j1", gctx("acme"), "run-1", nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, "j1", "acme"))

	require.NoError(t, store.MarkTerminal(ctx, "j1", "acme", OutcomeCompleted, TerminalPayload{Result: map[string]any{"content": "done"}}))

	frames := broadcaster.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "execution_complete", frames[0].Type)
	assert.Equal(t, "completed", frames[0].Status)
	assert.Equal(t, map[string]any{"content": "done"}, frames[0].Result)

	// A second, losing MarkTerminal must not broadcast again.
	require.NoError(t, store.MarkTerminal(ctx, "j1", "acme", OutcomeFailed, TerminalPayload{Error: "too late"}))
	assert.Len(t, broadcaster.Frames(), 1)
}

// TestMarkTerminalRacingWithItselfProducesExactlyOneTerminalRow verifies
// testable property §8.7: only the first writer's outcome sticks.
func TestMarkTerminalRacingWithItselfProducesExactlyOneTerminalRow(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	_, err := store.Create(ctx, "j1", gctx("acme"), "run-1", nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, "j1", "acme"))

	var wg sync.WaitGroup
	outcomes := []Outcome{OutcomeCompleted, OutcomeFailed, OutcomeStopped}
	for _, o := range outcomes {
		wg.Add(1)
		go func(o Outcome) {
			defer wg.Done()
			_ = store.MarkTerminal(ctx, "j1", "acme", o, TerminalPayload{})
		}(o)
	}
	wg.Wait()

	exec, err := store.Get(ctx, "j1", []string{"acme"})
	require.NoError(t, err)
	assert.True(t, exec.Status.Terminal())
}

func TestRequestStopIsIdempotentAndSetsIsStopping(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	_, err := store.Create(ctx, "j1", gctx("acme"), "run-1", nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, "j1", "acme"))

	exec, err := store.RequestStop(ctx, "j1", "acme", "user_cancel")
	require.NoError(t, err)
	assert.True(t, exec.IsStopping)
	assert.Equal(t, "user_cancel", exec.StopReason)

	// Calling twice yields one stopping state, no error.
	exec2, err := store.RequestStop(ctx, "j1", "acme", "user_cancel")
	require.NoError(t, err)
	assert.True(t, exec2.IsStopping)
}

func TestRequestStopOnTerminalExecutionIsNoop(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	_, err := store.Create(ctx, "j1", gctx("acme"), "run-1", nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(ctx, "j1", "acme"))
	require.NoError(t, store.MarkTerminal(ctx, "j1", "acme", OutcomeCompleted, TerminalPayload{}))

	exec, err := store.RequestStop(ctx, "j1", "acme", "too_late")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, exec.Status)
}

func TestListFiltersByGroup(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	_, err := store.Create(ctx, "j1", gctx("acme"), "r1", nil)
	require.NoError(t, err)
	_, err = store.Create(ctx, "j2", gctx("globex"), "r2", nil)
	require.NoError(t, err)

	list, err := store.List(ctx, []string{"acme"}, repository.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "j1", list[0].JobID)
}

func TestGetUnknownGroupReturnsNotFound(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	_, err := store.Create(ctx, "j3", gctx("acme"), "r3", nil)
	require.NoError(t, err)

	_, err = store.Get(ctx, "j3", []string{"globex"})
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.NotFound))
}
