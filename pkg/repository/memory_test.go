package repository

import (
	"context"
	"testing"
	"time"

	"github.com/databrickslabs/kasal-execution-core/pkg/coreerr"
	"github.com/databrickslabs/kasal-execution-core/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryExecutionCreateAndGet(t *testing.T) {
	mem := NewInMemory()
	ctx := context.Background()
	e := &model.Execution{JobID: "j1", GroupID: "acme", Status: model.StatusPending, CreatedAt: time.Now()}
	require.NoError(t, mem.Executions().Create(ctx, e))

	got, err := mem.Executions().Get(ctx, "j1", []string{"acme"})
	require.NoError(t, err)
	assert.Equal(t, "j1", got.JobID)

	// Mutating the returned copy must not affect internal storage.
	got.Status = model.StatusFailed
	got2, err := mem.Executions().Get(ctx, "j1", []string{"acme"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got2.Status)
}

func TestInMemoryExecutionCreateDuplicateFails(t *testing.T) {
	mem := NewInMemory()
	ctx := context.Background()
	e := &model.Execution{JobID: "j1", GroupID: "acme"}
	require.NoError(t, mem.Executions().Create(ctx, e))

	err := mem.Executions().Create(ctx, &model.Execution{JobID: "j1", GroupID: "acme"})
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.AlreadyExists))
}

func TestInMemoryExecutionGetRequiresGroupFilter(t *testing.T) {
	mem := NewInMemory()
	_, err := mem.Executions().Get(context.Background(), "j1", nil)
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.SecurityViolation))
}

func TestInMemoryExecutionSameJobIDInDifferentGroupsDoesNotCollide(t *testing.T) {
	mem := NewInMemory()
	ctx := context.Background()
	require.NoError(t, mem.Executions().Create(ctx, &model.Execution{JobID: "j1", GroupID: "acme", Status: model.StatusPending}))
	require.NoError(t, mem.Executions().Create(ctx, &model.Execution{JobID: "j1", GroupID: "globex", Status: model.StatusRunning}))

	acme, err := mem.Executions().Get(ctx, "j1", []string{"acme"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, acme.Status)

	globex, err := mem.Executions().Get(ctx, "j1", []string{"globex"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, globex.Status)
}

func TestInMemoryExecutionGetWrongGroupIsNotFound(t *testing.T) {
	mem := NewInMemory()
	ctx := context.Background()
	require.NoError(t, mem.Executions().Create(ctx, &model.Execution{JobID: "j1", GroupID: "acme"}))

	_, err := mem.Executions().Get(ctx, "j1", []string{"globex"})
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.NotFound))
}

func TestInMemoryExecutionList(t *testing.T) {
	mem := NewInMemory()
	ctx := context.Background()
	require.NoError(t, mem.Executions().Create(ctx, &model.Execution{JobID: "j1", GroupID: "acme", Status: model.StatusPending}))
	require.NoError(t, mem.Executions().Create(ctx, &model.Execution{JobID: "j2", GroupID: "acme", Status: model.StatusRunning}))
	require.NoError(t, mem.Executions().Create(ctx, &model.Execution{JobID: "j3", GroupID: "globex", Status: model.StatusRunning}))

	list, err := mem.Executions().List(ctx, []string{"acme"}, ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	filtered, err := mem.Executions().List(ctx, []string{"acme"}, ExecutionFilter{Status: model.StatusRunning})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "j2", filtered[0].JobID)
}

func TestInMemoryCompareAndSwapStatus(t *testing.T) {
	mem := NewInMemory()
	ctx := context.Background()
	require.NoError(t, mem.Executions().Create(ctx, &model.Execution{JobID: "j1", GroupID: "acme", Status: model.StatusPending}))

	ok, err := mem.Executions().CompareAndSwapStatus(ctx, "j1", "acme", []model.Status{model.StatusPending}, model.StatusRunning, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	// from status no longer matches: returns false, not an error.
	ok, err = mem.Executions().CompareAndSwapStatus(ctx, "j1", "acme", []model.Status{model.StatusPending}, model.StatusRunning, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInMemoryDeleteCascadesTracesAndLogs(t *testing.T) {
	mem := NewInMemory()
	ctx := context.Background()
	require.NoError(t, mem.Executions().Create(ctx, &model.Execution{JobID: "j1", GroupID: "acme"}))
	require.NoError(t, mem.Traces().InsertBatch(ctx, []*model.ExecutionTrace{{JobID: "j1", GroupID: "acme", EventType: "crew_started"}}))
	require.NoError(t, mem.Logs().InsertBatch(ctx, []*model.ExecutionLog{{ExecutionID: "j1", GroupID: "acme", Content: "hi"}}))

	require.NoError(t, mem.Executions().Delete(ctx, "j1", []string{"acme"}))

	traces, err := mem.Traces().ListByJob(ctx, "j1", []string{"acme"})
	require.NoError(t, err)
	assert.Empty(t, traces)

	logs, err := mem.Logs().ListByExecution(ctx, "j1", []string{"acme"})
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestInMemoryTraceJobExists(t *testing.T) {
	mem := NewInMemory()
	ctx := context.Background()
	require.NoError(t, mem.Executions().Create(ctx, &model.Execution{JobID: "j1", GroupID: "acme"}))

	exists, err := mem.Traces().JobExists(ctx, "j1", "acme")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = mem.Traces().JobExists(ctx, "j1", "globex")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = mem.Traces().JobExists(ctx, "unknown", "acme")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestInMemoryLogListRequiresGroupFilter(t *testing.T) {
	mem := NewInMemory()
	_, err := mem.Logs().ListByExecution(context.Background(), "j1", nil)
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.SecurityViolation))
}
