package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databrickslabs/kasal-execution-core/pkg/coreerr"
	"github.com/databrickslabs/kasal-execution-core/pkg/model"
	"github.com/databrickslabs/kasal-execution-core/pkg/repository"
	"github.com/databrickslabs/kasal-execution-core/test/dbtest"
)

func setupRepos(t *testing.T, pool *pgxpool.Pool) repository.Repositories {
	t.Helper()
	return repository.Repositories{
		Executions: repository.NewPGXExecutionRepository(pool),
		Traces:     repository.NewPGXTraceRepository(pool),
		Logs:       repository.NewPGXLogRepository(pool),
	}
}

func TestPGXExecutionCreateAndGetRoundTrips(t *testing.T) {
	pool := dbtest.SetupTestPool(t)
	repos := setupRepos(t, pool)
	ctx := context.Background()

	e := &model.Execution{
		JobID:     "job-1",
		GroupID:   "acme",
		RunName:   "demo run",
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
		Inputs:    map[string]any{"topic": "go"},
	}
	require.NoError(t, repos.Executions.Create(ctx, e))

	got, err := repos.Executions.Get(ctx, "job-1", []string{"acme"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, "go", got.Inputs["topic"])
}

func TestPGXExecutionGetIsScopedToGroupIDs(t *testing.T) {
	pool := dbtest.SetupTestPool(t)
	repos := setupRepos(t, pool)
	ctx := context.Background()

	require.NoError(t, repos.Executions.Create(ctx, &model.Execution{
		JobID: "job-1", GroupID: "acme", Status: model.StatusPending, CreatedAt: time.Now().UTC(),
	}))

	_, err := repos.Executions.Get(ctx, "job-1", []string{"globex"})
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.NotFound))
}

func TestPGXExecutionSameJobIDInDifferentGroupsDoesNotCollide(t *testing.T) {
	pool := dbtest.SetupTestPool(t)
	repos := setupRepos(t, pool)
	ctx := context.Background()

	require.NoError(t, repos.Executions.Create(ctx, &model.Execution{
		JobID: "shared-job-id", GroupID: "acme", RunName: "acme's run", Status: model.StatusPending, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, repos.Executions.Create(ctx, &model.Execution{
		JobID: "shared-job-id", GroupID: "globex", RunName: "globex's run", Status: model.StatusPending, CreatedAt: time.Now().UTC(),
	}))

	acme, err := repos.Executions.Get(ctx, "shared-job-id", []string{"acme"})
	require.NoError(t, err)
	globex, err := repos.Executions.Get(ctx, "shared-job-id", []string{"globex"})
	require.NoError(t, err)
	assert.Equal(t, "acme's run", acme.RunName)
	assert.Equal(t, "globex's run", globex.RunName)
}

func TestPGXExecutionCreateDuplicateJobIDInSameGroupFails(t *testing.T) {
	pool := dbtest.SetupTestPool(t)
	repos := setupRepos(t, pool)
	ctx := context.Background()

	e := &model.Execution{JobID: "job-1", GroupID: "acme", Status: model.StatusPending, CreatedAt: time.Now().UTC()}
	require.NoError(t, repos.Executions.Create(ctx, e))

	err := repos.Executions.Create(ctx, e)
	require.Error(t, err)
	assert.True(t, coreerr.Is(err, coreerr.AlreadyExists))
}

func TestPGXCompareAndSwapStatusOnlyOneWriterWinsTerminalRace(t *testing.T) {
	pool := dbtest.SetupTestPool(t)
	repos := setupRepos(t, pool)
	ctx := context.Background()

	require.NoError(t, repos.Executions.Create(ctx, &model.Execution{
		JobID: "job-1", GroupID: "acme", Status: model.StatusRunning, CreatedAt: time.Now().UTC(),
	}))

	okCompleted, err := repos.Executions.CompareAndSwapStatus(ctx, "job-1", "acme",
		[]model.Status{model.StatusRunning}, model.StatusCompleted, nil)
	require.NoError(t, err)
	okFailed, err := repos.Executions.CompareAndSwapStatus(ctx, "job-1", "acme",
		[]model.Status{model.StatusRunning}, model.StatusFailed, nil)
	require.NoError(t, err)

	assert.True(t, okCompleted)
	assert.False(t, okFailed, "a second terminal transition must lose the race, not error")

	final, err := repos.Executions.Get(ctx, "job-1", []string{"acme"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, final.Status)
}

func TestPGXTraceInsertBatchAndListByJobPreservesOrder(t *testing.T) {
	pool := dbtest.SetupTestPool(t)
	repos := setupRepos(t, pool)
	ctx := context.Background()

	require.NoError(t, repos.Executions.Create(ctx, &model.Execution{
		JobID: "job-1", GroupID: "acme", Status: model.StatusRunning, CreatedAt: time.Now().UTC(),
	}))

	traces := []*model.ExecutionTrace{
		{JobID: "job-1", GroupID: "acme", EventType: "crew_started", CreatedAt: time.Now().UTC()},
		{JobID: "job-1", GroupID: "acme", EventType: "task_completed", CreatedAt: time.Now().UTC().Add(time.Millisecond)},
	}
	require.NoError(t, repos.Traces.InsertBatch(ctx, traces))

	got, err := repos.Traces.ListByJob(ctx, "job-1", []string{"acme"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "crew_started", got[0].EventType)
	assert.Equal(t, "task_completed", got[1].EventType)
}

func TestPGXTraceJobExistsIsScopedByGroup(t *testing.T) {
	pool := dbtest.SetupTestPool(t)
	repos := setupRepos(t, pool)
	ctx := context.Background()

	require.NoError(t, repos.Executions.Create(ctx, &model.Execution{
		JobID: "job-1", GroupID: "acme", Status: model.StatusRunning, CreatedAt: time.Now().UTC(),
	}))

	exists, err := repos.Traces.JobExists(ctx, "job-1", "acme")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repos.Traces.JobExists(ctx, "job-1", "globex")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPGXLogInsertBatchAndListByExecution(t *testing.T) {
	pool := dbtest.SetupTestPool(t)
	repos := setupRepos(t, pool)
	ctx := context.Background()

	logs := []*model.ExecutionLog{
		{ExecutionID: "job-1", GroupID: "acme", Content: "starting up", Timestamp: time.Now().UTC()},
		{ExecutionID: "job-1", GroupID: "acme", Content: "done", Timestamp: time.Now().UTC().Add(time.Millisecond)},
	}
	require.NoError(t, repos.Logs.InsertBatch(ctx, logs))

	got, err := repos.Logs.ListByExecution(ctx, "job-1", []string{"acme"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "starting up", got[0].Content)
}

func TestPGXDeleteRemovesExecutionScopedToGroup(t *testing.T) {
	pool := dbtest.SetupTestPool(t)
	repos := setupRepos(t, pool)
	ctx := context.Background()

	require.NoError(t, repos.Executions.Create(ctx, &model.Execution{
		JobID: "job-1", GroupID: "acme", Status: model.StatusPending, CreatedAt: time.Now().UTC(),
	}))

	err := repos.Executions.Delete(ctx, "job-1", []string{"globex"})
	require.Error(t, err, "delete must not succeed for a mismatched group")

	require.NoError(t, repos.Executions.Delete(ctx, "job-1", []string{"acme"}))
	_, err = repos.Executions.Get(ctx, "job-1", []string{"acme"})
	assert.True(t, coreerr.Is(err, coreerr.NotFound))
}
