// Package e2e wires the execution core's own components together the way
// cmd/kasal-core does — status store, trace/log queues and their writers,
// the WebSocket hub, and the stop controller — to exercise scenarios
// E1-E6 from spec.md §8 against real in-memory storage instead of mocking
// any one package. Grounded on the teacher's test/e2e/harness.go
// (TestApp: a functional-options-built bundle of every real component plus
// fakes for the one external collaborator), adapted from tarsy's HTTP+ent
// bundle to this core's store+queue+hub bundle.
//
// The embedded crew-orchestration library itself (spec.md §1's "external
// collaborator") is never spawned here: pkg/pool already covers the real
// os/exec subprocess lifecycle in isolation. This harness plays the role
// of the worker side in-process, emitting orchestrator.Event values
// through the same eventlistener.Listener a spawned worker would use, so
// the scenarios below exercise the exact cross-package wiring a real run
// drives without requiring a built worker binary.
package e2e

import (
	"context"
	"sync"
	"time"

	"github.com/databrickslabs/kasal-execution-core/pkg/config"
	"github.com/databrickslabs/kasal-execution-core/pkg/eventlistener"
	"github.com/databrickslabs/kasal-execution-core/pkg/execstore"
	"github.com/databrickslabs/kasal-execution-core/pkg/groupctx"
	"github.com/databrickslabs/kasal-execution-core/pkg/logqueue"
	"github.com/databrickslabs/kasal-execution-core/pkg/model"
	"github.com/databrickslabs/kasal-execution-core/pkg/orchestrator"
	"github.com/databrickslabs/kasal-execution-core/pkg/repository"
	"github.com/databrickslabs/kasal-execution-core/pkg/stopctl"
	"github.com/databrickslabs/kasal-execution-core/pkg/tracequeue"
	"github.com/databrickslabs/kasal-execution-core/pkg/wshub"
)

// Harness bundles one process's worth of real execution-core components
// over an in-memory repository, plus a fake for the one thing no
// integration test should actually spawn: the OS-level worker process.
type Harness struct {
	Repo  *repository.InMemory
	Store *execstore.Store

	TraceQueue  *tracequeue.Queue
	TraceWriter *tracequeue.Writer
	LogQueue    *logqueue.Queue
	LogWriter   *logqueue.Writer

	Hub        *wshub.Hub
	StopCtl    *stopctl.Controller
	Flags      *config.EngineFlags
	Terminator *fakeTerminator

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// fakeTerminator stands in for pkg/pool.Pool in scenarios that only need
// to observe whether a stop was signalled to "the worker", not spawn one.
type fakeTerminator struct {
	mu           sync.Mutex
	found        map[string]bool
	calls        []terminateCall
	defaultFound bool
}

type terminateCall struct {
	JobID string
	Force bool
}

func newFakeTerminator() *fakeTerminator {
	return &fakeTerminator{found: make(map[string]bool), defaultFound: true}
}

// SetFound controls what Terminate reports for jobID: true simulates a
// pool that still has the worker registered, false simulates the
// "force_stop_failed" fallback path (spec.md §4.5).
func (f *fakeTerminator) SetFound(jobID string, found bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.found[jobID] = found
}

func (f *fakeTerminator) Terminate(jobID string, force bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, terminateCall{JobID: jobID, Force: force})
	if found, ok := f.found[jobID]; ok {
		return found
	}
	return f.defaultFound
}

func (f *fakeTerminator) Calls() []terminateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]terminateCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// NewHarness wires every real component together with the given engine
// flags (debug tracing on/off, per spec.md §6) and starts the background
// writers. Callers must call Close when done.
func NewHarness(flags *config.EngineFlags) *Harness {
	repo := repository.NewInMemory()
	store := execstore.New(repo.Executions(), nil)
	hub := wshub.New(nil)
	store.SetBroadcaster(hub)

	cfg := config.DefaultPoolConfig()
	cfg.TraceWriterPollInterval = 10 * time.Millisecond
	cfg.JobExistsRetryBackoff = 5 * time.Millisecond

	traceQ := tracequeue.New(cfg.TraceQueueCapacity)
	traceW := tracequeue.NewWriter(traceQ, repo.Traces(), flags, hub, cfg)

	logQ := logqueue.New(cfg.LogQueueCapacity)
	logW := logqueue.NewWriter(logQ, repo.Logs(), hub, 10, 10*time.Millisecond)

	terminator := newFakeTerminator()
	ctx, cancel := context.WithCancel(context.Background())

	h := &Harness{
		Repo:        repo,
		Store:       store,
		TraceQueue:  traceQ,
		TraceWriter: traceW,
		LogQueue:    logQ,
		LogWriter:   logW,
		Hub:         hub,
		StopCtl:     stopctl.New(store, terminator),
		Flags:       flags,
		Terminator:  terminator,
		cancel:      cancel,
	}

	h.wg.Add(2)
	go func() { defer h.wg.Done(); traceW.Run(ctx) }()
	go func() { defer h.wg.Done(); logW.Run(ctx) }()
	return h
}

// Close stops the background writers and waits for them to drain.
func (h *Harness) Close() {
	h.cancel()
	h.wg.Wait()
}

// RunToCompletion simulates one worker's whole lifecycle: create, mark
// running, emit events through the same eventlistener.Listener a real
// worker uses, then mark terminal (spec.md §4.5, §4.8).
func (h *Harness) RunToCompletion(ctx context.Context, jobID string, gctx groupctx.GroupContext, events []orchestrator.Event, outcome execstore.Outcome, payload execstore.TerminalPayload) (*model.Execution, error) {
	if _, err := h.Store.Create(ctx, jobID, gctx, "demo run", map[string]any{"topic": "observability"}); err != nil {
		return nil, err
	}
	if err := h.Store.MarkRunning(ctx, jobID, gctx.PrimaryGroupID()); err != nil {
		return nil, err
	}

	listener := eventlistener.New(jobID, gctx, h.TraceQueue)
	bus := orchestrator.NewBus(listener)
	for _, ev := range events {
		bus.Emit(ev)
	}

	// MarkTerminal itself publishes the execution_complete frame through
	// the Store's wired Broadcaster (h.Hub, spec.md §4.4 "(c) the status
	// store for terminal transitions") — no separate broadcast call here.
	if err := h.Store.MarkTerminal(ctx, jobID, gctx.PrimaryGroupID(), outcome, payload); err != nil {
		return nil, err
	}

	return h.Store.Get(ctx, jobID, []string{gctx.PrimaryGroupID()})
}
