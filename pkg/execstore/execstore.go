// Package execstore is the authoritative status store for executions: the
// only component permitted to write an Execution's status column (spec.md
// §4.2). Grounded on the teacher's pkg/services/session_service.go
// (SessionService.CreateSession transaction pattern, ErrAlreadyExists via
// constraint violation) and pkg/queue/worker.go's updateSessionTerminalStatus
// single-writer discipline, generalized from alert sessions to job
// executions.
package execstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/databrickslabs/kasal-execution-core/pkg/coreerr"
	"github.com/databrickslabs/kasal-execution-core/pkg/groupctx"
	"github.com/databrickslabs/kasal-execution-core/pkg/model"
	"github.com/databrickslabs/kasal-execution-core/pkg/repository"
)

// Outcome is the terminal result classification passed to MarkTerminal.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeStopped   Outcome = "stopped"
)

func (o Outcome) status() model.Status {
	switch o {
	case OutcomeCompleted:
		return model.StatusCompleted
	case OutcomeFailed:
		return model.StatusFailed
	case OutcomeStopped:
		return model.StatusStopped
	default:
		return model.StatusFailed
	}
}

// TerminalPayload carries the outcome-specific data written alongside a
// terminal transition.
type TerminalPayload struct {
	Result         map[string]any
	PartialResults map[string]any
	Error          string
}

// Broadcaster publishes the terminal WebSocket frame once an execution
// reaches a terminal status (spec.md §4.4: "Broadcasts come from ...
// (c) the status store for terminal transitions"). Implemented by
// pkg/wshub.Hub.
type Broadcaster interface {
	BroadcastExecutionComplete(jobID string, frame any)
}

// ExecutionCompleteFrame is the terminal WebSocket frame shape (spec.md §6
// "execution_complete").
type ExecutionCompleteFrame struct {
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Store is the single-writer status store (spec.md §4.2).
type Store struct {
	repo        repository.ExecutionRepository
	broadcaster Broadcaster
}

// New constructs a Store over the given ExecutionRepository. broadcaster
// may be nil (no WebSocket fan-out on terminal transitions), matching the
// nil-able broadcaster convention pkg/tracequeue and pkg/logqueue use.
func New(repo repository.ExecutionRepository, broadcaster Broadcaster) *Store {
	return &Store{repo: repo, broadcaster: broadcaster}
}

// SetBroadcaster attaches (or replaces) the terminal-transition
// broadcaster after construction — a seam for wiring cycles where the
// broadcaster itself (pkg/wshub.Hub) needs a *Store to authorize
// subscriptions before the Store can be handed its Hub.
func (s *Store) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// Create inserts a new Execution row in StatusPending (spec.md §4.2
// "create"). jobID is caller-supplied (the HTTP handler generates one when
// the request omits it, before calling Create and then pool.Submit).
func (s *Store) Create(ctx context.Context, jobID string, gctx groupctx.GroupContext, runName string, inputs map[string]any) (*model.Execution, error) {
	e := &model.Execution{
		JobID:          jobID,
		GroupID:        gctx.PrimaryGroupID(),
		GroupEmail:     gctx.GroupEmail,
		CreatedByEmail: gctx.GroupEmail,
		RunName:        runName,
		Status:         model.StatusPending,
		CreatedAt:      now(ctx),
		Inputs:         inputs,
	}
	if err := s.repo.Create(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// MarkRunning transitions pending -> running, idempotently: if the
// execution is already running this is a no-op success (spec.md §4.2
// "mark_running ... idempotent no-op if already running").
func (s *Store) MarkRunning(ctx context.Context, jobID, groupID string) error {
	ts := now(ctx)
	ok, err := s.repo.CompareAndSwapStatus(ctx, jobID, groupID, []model.Status{model.StatusPending}, model.StatusRunning, func(e *model.Execution) {
		e.StartedAt = &ts
	})
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	// Not in `pending` — check current status to decide idempotent-success
	// vs. a genuine invalid transition.
	current, err := s.repo.Get(ctx, jobID, []string{groupID})
	if err != nil {
		return err
	}
	if current.Status == model.StatusRunning {
		return nil
	}
	return coreerr.New(coreerr.InvalidTransition, "cannot mark running from status "+string(current.Status))
}

// RequestStop moves a pending, running or stopping execution to
// StatusStopping and sets IsStopping and StopReason. Idempotent: calling it twice, or on an already-terminal execution,
// succeeds without error (spec.md §4.2 "request_stop ... idempotent").
func (s *Store) RequestStop(ctx context.Context, jobID, groupID, reason string) (*model.Execution, error) {
	current, err := s.repo.Get(ctx, jobID, []string{groupID})
	if err != nil {
		return nil, err
	}
	if current.Status.Terminal() {
		return current, nil
	}
	ok, err := s.repo.CompareAndSwapStatus(ctx, jobID, groupID, []model.Status{model.StatusPending, model.StatusRunning, model.StatusStopping}, model.StatusStopping, func(e *model.Execution) {
		e.IsStopping = true
		e.StopReason = reason
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost the race to a terminal writer; terminal wins.
		return s.repo.Get(ctx, jobID, []string{groupID})
	}
	return s.repo.Get(ctx, jobID, []string{groupID})
}

// MarkTerminal transitions an execution to a terminal state. Refuses
// terminal -> terminal transitions; the first writer to land a terminal
// status wins and all later callers receive (false, nil) from the
// underlying CAS rather than an error (spec.md §4.2, §8 invariant 2/6/7).
func (s *Store) MarkTerminal(ctx context.Context, jobID, groupID string, outcome Outcome, payload TerminalPayload) error {
	ts := now(ctx)
	ok, err := s.repo.CompareAndSwapStatus(
		ctx, jobID, groupID,
		[]model.Status{model.StatusPending, model.StatusRunning, model.StatusStopping},
		outcome.status(),
		func(e *model.Execution) {
			e.CompletedAt = &ts
			e.Result = payload.Result
			e.PartialResults = payload.PartialResults
			e.Error = payload.Error
			e.IsStopping = false
		},
	)
	if err != nil {
		return err
	}
	if !ok {
		slog.Warn("terminal transition lost the race, ignoring", "job_id", jobID, "attempted", outcome)
		return nil
	}
	if s.broadcaster != nil {
		s.broadcaster.BroadcastExecutionComplete(jobID, ExecutionCompleteFrame{
			Type:      "execution_complete",
			Status:    string(outcome.status()),
			Result:    payload.Result,
			Error:     payload.Error,
			Timestamp: ts,
		})
	}
	return nil
}

// Get fetches one execution, group-scoped.
func (s *Store) Get(ctx context.Context, jobID string, groupIDs []string) (*model.Execution, error) {
	return s.repo.Get(ctx, jobID, groupIDs)
}

// List fetches executions visible to groupIDs, optionally filtered.
func (s *Store) List(ctx context.Context, groupIDs []string, filter repository.ExecutionFilter) ([]*model.Execution, error) {
	return s.repo.List(ctx, groupIDs, filter)
}

// now is a seam so tests can stub deterministic timestamps without the
// forbidden Date.now()-style wall-clock dependency leaking into pure
// decision logic; production callers just get time.Now().
var now = func(context.Context) time.Time { return time.Now().UTC() }
