// Package stopctl implements the stop control plane (spec.md §4.2, §4.5):
// translating a stop request into a status-store transition and a signal
// delivered to the owning process-pool worker. Grounded on the teacher's
// pkg/queue/pool.go CancelSession (context-cancellation-by-session-id) and
// its cancellation e2e coverage, generalized to the graceful/force
// distinction and partial-result preservation the spec requires.
package stopctl

import (
	"context"
	"log/slog"

	"github.com/databrickslabs/kasal-execution-core/pkg/execstore"
	"github.com/databrickslabs/kasal-execution-core/pkg/model"
)

// StopType distinguishes a graceful request (let the crew wind down at the
// next safe checkpoint) from a forced one (terminate now).
type StopType string

const (
	StopGraceful StopType = "graceful"
	StopForce    StopType = "force"
)

// Terminator delivers the OS-level signal to a running job (implemented by
// pkg/pool.Pool).
type Terminator interface {
	Terminate(jobID string, force bool) bool
}

// Controller wires the status store to the process pool.
type Controller struct {
	store      *execstore.Store
	terminator Terminator
}

// New constructs a Controller.
func New(store *execstore.Store, terminator Terminator) *Controller {
	return &Controller{store: store, terminator: terminator}
}

// Request stops jobID. Already-terminal executions are a no-op success
// (spec.md §4.2 "idempotent"); unknown job IDs surface NotFound. When the
// pool reports the job isn't running locally but the store still shows it
// active, the execution is marked terminal with a force_stop_failed note
// so it never gets stuck (spec.md §4.5 fallback).
func (c *Controller) Request(ctx context.Context, jobID, groupID, reason string, stopType StopType, preservePartial bool) (*model.Execution, error) {
	exec, err := c.store.RequestStop(ctx, jobID, groupID, reason)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return exec, nil
	}

	found := c.terminator.Terminate(jobID, stopType == StopForce)
	if !found {
		slog.Warn("stop requested but job is not running in this pool, marking force_stop_failed", "job_id", jobID)
		payload := execstore.TerminalPayload{Error: "force_stop_failed: worker process not found"}
		if preservePartial {
			payload.PartialResults = exec.PartialResults
		}
		if err := c.store.MarkTerminal(ctx, jobID, groupID, execstore.OutcomeStopped, payload); err != nil {
			return nil, err
		}
		return c.store.Get(ctx, jobID, []string{groupID})
	}

	return exec, nil
}
