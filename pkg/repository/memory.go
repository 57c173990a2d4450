package repository

import (
	"context"
	"sync"

	"github.com/databrickslabs/kasal-execution-core/pkg/coreerr"
	"github.com/databrickslabs/kasal-execution-core/pkg/model"
)

// InMemory is a process-local Repositories implementation used by tests
// and the demo entrypoint. It enforces the same group-filter and
// single-writer invariants a real backend must.
//
// executions is keyed by (group_id, job_id): job_id is only unique within
// a group (spec.md §3), so two groups reusing the same job_id must not
// collide or silently overwrite one another.
type InMemory struct {
	mu         sync.Mutex
	executions map[execKey]*model.Execution
	traces     map[string][]*model.ExecutionTrace
	logs       map[string][]*model.ExecutionLog
}

// execKey composite-keys an Execution row by its tenant and job_id.
type execKey struct {
	groupID string
	jobID   string
}

// NewInMemory constructs an empty in-memory repository set.
func NewInMemory() *InMemory {
	return &InMemory{
		executions: make(map[execKey]*model.Execution),
		traces:     make(map[string][]*model.ExecutionTrace),
		logs:       make(map[string][]*model.ExecutionLog),
	}
}

func (m *InMemory) Executions() ExecutionRepository { return (*inMemExec)(m) }
func (m *InMemory) Traces() TraceRepository         { return (*inMemTrace)(m) }
func (m *InMemory) Logs() LogRepository             { return (*inMemLog)(m) }

type inMemExec InMemory

func (r *inMemExec) Create(_ context.Context, e *model.Execution) error {
	m := (*InMemory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	key := execKey{groupID: e.GroupID, jobID: e.JobID}
	if _, ok := m.executions[key]; ok {
		return coreerr.New(coreerr.AlreadyExists, "job_id already exists in this group")
	}
	cp := *e
	m.executions[key] = &cp
	return nil
}

// findByJobID scans for the (jobID, one-of-groupIDs) row. The map is keyed
// by (group_id, job_id), so a direct lookup needs the caller's group
// filter — this is the same shape a SQL `WHERE job_id = ? AND group_id =
// ANY(?)` query has.
func (m *InMemory) findByJobID(jobID string, groupIDs []string) *model.Execution {
	for _, g := range groupIDs {
		if e, ok := m.executions[execKey{groupID: g, jobID: jobID}]; ok {
			return e
		}
	}
	return nil
}

func (r *inMemExec) Get(_ context.Context, jobID string, groupIDs []string) (*model.Execution, error) {
	if err := requireFilter(groupIDs); err != nil {
		return nil, err
	}
	m := (*InMemory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.findByJobID(jobID, groupIDs)
	if e == nil {
		return nil, coreerr.New(coreerr.NotFound, "execution not found")
	}
	cp := *e
	return &cp, nil
}

func (r *inMemExec) List(_ context.Context, groupIDs []string, filter ExecutionFilter) ([]*model.Execution, error) {
	if err := requireFilter(groupIDs); err != nil {
		return nil, err
	}
	m := (*InMemory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Execution
	for key, e := range m.executions {
		if !contains(groupIDs, key.groupID) {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (r *inMemExec) CompareAndSwapStatus(_ context.Context, jobID, groupID string, from []model.Status, to model.Status, mutate func(*model.Execution)) (bool, error) {
	m := (*InMemory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[execKey{groupID: groupID, jobID: jobID}]
	if !ok {
		return false, coreerr.New(coreerr.NotFound, "execution not found")
	}
	matched := false
	for _, s := range from {
		if e.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	e.Status = to
	if mutate != nil {
		mutate(e)
	}
	return true, nil
}

func (r *inMemExec) Delete(_ context.Context, jobID string, groupIDs []string) error {
	if err := requireFilter(groupIDs); err != nil {
		return err
	}
	m := (*InMemory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.findByJobID(jobID, groupIDs)
	if e == nil {
		return coreerr.New(coreerr.NotFound, "execution not found")
	}
	delete(m.executions, execKey{groupID: e.GroupID, jobID: jobID})
	delete(m.traces, jobID)
	delete(m.logs, jobID)
	return nil
}

type inMemTrace InMemory

func (r *inMemTrace) InsertBatch(_ context.Context, traces []*model.ExecutionTrace) error {
	m := (*InMemory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range traces {
		cp := *t
		m.traces[t.JobID] = append(m.traces[t.JobID], &cp)
	}
	return nil
}

func (r *inMemTrace) ListByJob(_ context.Context, jobID string, groupIDs []string) ([]*model.ExecutionTrace, error) {
	if err := requireFilter(groupIDs); err != nil {
		return nil, err
	}
	m := (*InMemory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ExecutionTrace
	for _, t := range m.traces[jobID] {
		if contains(groupIDs, t.GroupID) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *inMemTrace) JobExists(_ context.Context, jobID, groupID string) (bool, error) {
	m := (*InMemory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.executions[execKey{groupID: groupID, jobID: jobID}]
	return ok, nil
}

type inMemLog InMemory

func (r *inMemLog) InsertBatch(_ context.Context, logs []*model.ExecutionLog) error {
	m := (*InMemory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range logs {
		cp := *l
		m.logs[l.ExecutionID] = append(m.logs[l.ExecutionID], &cp)
	}
	return nil
}

func (r *inMemLog) ListByExecution(_ context.Context, executionID string, groupIDs []string) ([]*model.ExecutionLog, error) {
	if err := requireFilter(groupIDs); err != nil {
		return nil, err
	}
	m := (*InMemory)(r)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ExecutionLog
	for _, l := range m.logs[executionID] {
		if contains(groupIDs, l.GroupID) {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func requireFilter(groupIDs []string) error {
	if len(groupIDs) == 0 {
		return coreerr.New(coreerr.SecurityViolation, "query is missing a required group_id filter")
	}
	return nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
