package stopctl

import (
	"context"
	"testing"

	"github.com/databrickslabs/kasal-execution-core/pkg/execstore"
	"github.com/databrickslabs/kasal-execution-core/pkg/groupctx"
	"github.com/databrickslabs/kasal-execution-core/pkg/model"
	"github.com/databrickslabs/kasal-execution-core/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTerminator struct {
	found    bool
	force    bool
	jobID    string
	requests int
}

func (f *fakeTerminator) Terminate(jobID string, force bool) bool {
	f.requests++
	f.jobID = jobID
	f.force = force
	return f.found
}

func setupStore(t *testing.T, jobID, group string) *execstore.Store {
	t.Helper()
	mem := repository.NewInMemory()
	store := execstore.New(mem.Executions(), nil)
	_, err := store.Create(context.Background(), jobID, groupctx.GroupContext{GroupIDs: []string{group}}, "run", nil)
	require.NoError(t, err)
	require.NoError(t, store.MarkRunning(context.Background(), jobID, group))
	return store
}

func TestRequestGracefulStopSignalsTerminatorWithoutForce(t *testing.T) {
	store := setupStore(t, "j1", "acme")
	term := &fakeTerminator{found: true}
	ctl := New(store, term)

	exec, err := ctl.Request(context.Background(), "j1", "acme", "user_cancel", StopGraceful, true)
	require.NoError(t, err)
	assert.True(t, exec.IsStopping)
	assert.False(t, term.force)
	assert.Equal(t, "j1", term.jobID)
}

func TestRequestForceStopSignalsTerminatorWithForce(t *testing.T) {
	store := setupStore(t, "j1", "acme")
	term := &fakeTerminator{found: true}
	ctl := New(store, term)

	_, err := ctl.Request(context.Background(), "j1", "acme", "admin_kill", StopForce, true)
	require.NoError(t, err)
	assert.True(t, term.force)
}

func TestRequestOnAlreadyTerminalExecutionIsNoop(t *testing.T) {
	store := setupStore(t, "j1", "acme")
	require.NoError(t, store.MarkTerminal(context.Background(), "j1", "acme", execstore.OutcomeCompleted, execstore.TerminalPayload{}))
	term := &fakeTerminator{found: true}
	ctl := New(store, term)

	exec, err := ctl.Request(context.Background(), "j1", "acme", "too_late", StopGraceful, true)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, exec.Status)
	assert.Equal(t, 0, term.requests, "no terminator call for an already-terminal job")
}

func TestRequestWhenWorkerNotFoundMarksForceStopFailed(t *testing.T) {
	store := setupStore(t, "j1", "acme")
	term := &fakeTerminator{found: false}
	ctl := New(store, term)

	exec, err := ctl.Request(context.Background(), "j1", "acme", "user_cancel", StopGraceful, true)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, exec.Status)
	assert.Contains(t, exec.Error, "force_stop_failed")
}
