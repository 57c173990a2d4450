package e2e

import (
	"testing"

	"github.com/databrickslabs/kasal-execution-core/pkg/eventlistener"
)

// newListenerForTest builds the same eventlistener.Listener a spawned
// worker attaches to its orchestrator.Bus, scoped to acme so scenario
// tests can emit individual events without going through RunToCompletion.
func newListenerForTest(t *testing.T, h *Harness, jobID string) *eventlistener.Listener {
	t.Helper()
	return eventlistener.New(jobID, acmeCtx(), h.TraceQueue)
}
