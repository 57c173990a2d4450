// Package subprocessrunner is the worker-side entrypoint: the code that
// runs inside the spawned OS process pkg/pool launches for one job
// (spec.md §4.6). Grounded on original_source/.../engines/crewai/
// logging_config.py (configure_subprocess_logging: stdout/stderr
// redirection, root-logger handler replacement, verbose-output env
// suppression) and the teacher's pkg/queue executor's always-post-a-
// result discipline, reworked from an in-process goroutine into a
// standalone process entrypoint that talks to its parent over stdin/stdout.
package subprocessrunner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/databrickslabs/kasal-execution-core/pkg/crewbuilder"
	"github.com/databrickslabs/kasal-execution-core/pkg/eventlistener"
	"github.com/databrickslabs/kasal-execution-core/pkg/groupctx"
	"github.com/databrickslabs/kasal-execution-core/pkg/llmmanager"
	"github.com/databrickslabs/kasal-execution-core/pkg/memory"
	"github.com/databrickslabs/kasal-execution-core/pkg/model"
	"github.com/databrickslabs/kasal-execution-core/pkg/orchestrator"
)

// Submission is the job description the parent process writes to this
// worker's stdin as JSON (mirrors pkg/pool.Submission; duplicated here so
// this package has no import-time dependency on pool, which would be
// backwards — the worker binary links subprocessrunner, not the other way
// around).
type Submission struct {
	JobID      string                `json:"job_id"`
	CrewConfig *model.CrewConfig     `json:"crew_config"`
	GroupCtx   groupctx.GroupContext `json:"group_context"`
	Inputs     map[string]any        `json:"inputs"`
	DebugTrace bool                  `json:"debug_tracing"`
}

// TerminalResult is what gets written to stdout as the final line — the
// "result queue" in spec.md §4.3/§4.6 terms, bridged here over the
// subprocess's own stdout rather than a separate IPC channel, since
// pkg/pool already scans stdout line by line for logs, traces, and this
// terminal marker.
type TerminalResult struct {
	Marker  string         `json:"__kasal_result__"`
	Success bool           `json:"success"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// ResultMarker tags the one line of worker stdout that carries the
// terminal result, distinguishing it from ordinary log or trace lines.
const ResultMarker = "kasal-terminal-result"

// TraceMarker tags a stdout line carrying a serialized trace event (the
// event listener has no direct access to the parent process's in-memory
// trace queue across the spawn boundary, so it ships events the same way
// logs travel: one JSON line per event over stdout).
const TraceMarker = "kasal-trace-event"

// LogEmitter enqueues one log line for the log queue (spec.md §4.6 step 2:
// "a queue handler whose emit serializes to the log queue without
// touching the DB" — here, the worker just writes JSON lines to its own
// stdout/stderr; the parent process is the one holding the real queue).
type LogEmitter func(content string, ts time.Time)

// CrewRunner is the seam to the embedded orchestration library: given a
// resolved crew and inputs, produce a Runnable (spec.md §4.7 builder
// output feeding §4.6 step 7).
type CrewRunner interface {
	Build(ctx context.Context, cfg *model.CrewConfig, agents []crewbuilder.ResolvedAgent, backends *memory.Backends) (orchestrator.Runnable, error)
}

// Deps bundles everything Run needs from the outside world. In
// production these are backed by a real LLM manager, tool registry, and
// the embedded orchestration library's actual Build; tests substitute
// fakes.
type Deps struct {
	LLMManager llmmanager.Manager
	Tools      crewbuilder.ToolRegistry
	Runner     CrewRunner
}

// Run executes the 10-step sequence from spec.md §4.6 against the given
// Submission, writing log lines and exactly one TerminalResult line to
// out. It never returns an error to its caller — every failure at any
// step is caught and turned into a failed TerminalResult instead, because
// the worker process must never exit without posting a result (spec.md
// §4.6 final paragraph).
func Run(parent context.Context, sub Submission, deps Deps, out io.Writer) {
	// Step 1: install signal handlers for graceful cancel.
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Step 2+3: suppress third-party verbose output before anything else
	// runs, and route our own logs through a line-oriented emitter instead
	// of a console handler (spec.md §4.6 steps 2-3, logging_config.py's
	// configure_subprocess_logging).
	os.Setenv("CREWAI_VERBOSE", "false")
	emit := newLineEmitter(out)
	slog.SetDefault(slog.New(slog.NewJSONHandler(lineWriter{emit: emit}, nil)))

	result := runProtected(ctx, sub, deps, out)

	writeTerminalResult(out, result)
}

func runProtected(ctx context.Context, sub Submission, deps Deps, out io.Writer) (result TerminalResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panicked, posting failure result", "job_id", sub.JobID, "panic", r)
			result = TerminalResult{Success: false, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	// Step 4: bind the ambient group context.
	ctx = groupctx.WithContext(ctx, sub.GroupCtx)

	if sub.CrewConfig == nil {
		return TerminalResult{Success: false, Error: "missing crew_config"}
	}

	// Step 5: build the crew and attach memory.
	backendType := memory.BackendDefault
	if sub.CrewConfig.MemoryBackend == string(memory.BackendDatabricks) {
		backendType = memory.BackendDatabricks
	}
	backends, storageDir, err := memory.Attach(*sub.CrewConfig, sub.GroupCtx.PrimaryGroupID(), memory.BackendConfig{
		Type:           backendType,
		CustomEmbedder: sub.CrewConfig.CustomEmbedder,
	})
	if err != nil {
		return TerminalResult{Success: false, Error: "memory attach failed: " + err.Error()}
	}
	defer storageDir.Restore()

	resolvedAgents := make([]crewbuilder.ResolvedAgent, 0, len(sub.CrewConfig.Agents))
	for _, ac := range sub.CrewConfig.Agents {
		ra, err := crewbuilder.ResolveAgent(ctx, ac, deps.LLMManager, deps.Tools)
		if err != nil {
			return TerminalResult{Success: false, Error: "agent resolution failed: " + err.Error()}
		}
		resolvedAgents = append(resolvedAgents, ra)
	}

	if sub.CrewConfig.IsFlow() {
		if _, err := crewbuilder.ResolveStartingPoints(*sub.CrewConfig, nil, true); err != nil {
			return TerminalResult{Success: false, Error: err.Error()}
		}
	}

	runnable, err := deps.Runner.Build(ctx, sub.CrewConfig, resolvedAgents, backends)
	if err != nil {
		return TerminalResult{Success: false, Error: "crew build failed: " + err.Error()}
	}

	// Step 6: register the event listener on the orchestrator's event bus.
	// Concretely attaching the listener to the library's own bus is the
	// Runner implementation's job (the embedded library's hook API); this
	// package only constructs the listener, wired to ship each trace
	// event to the parent over stdout.
	_ = eventlistener.New(sub.JobID, sub.GroupCtx, stdoutTraceEnqueuer{out: out})

	// Step 7: kickoff and await.
	res, err := orchestrator.Await(ctx, runnable, sub.Inputs)
	if err != nil {
		return TerminalResult{Success: false, Error: err.Error()}
	}
	if res.Error != nil {
		return TerminalResult{Success: false, Error: res.Error.Error()}
	}

	// Step 8: normalize the return value to a plain result map.
	return TerminalResult{Success: true, Result: normalizeResult(res.Output)}
}

// normalizeResult coerces whatever the library handed back into a plain
// map with at least a "content" key (spec.md §4.6 step 8).
func normalizeResult(output map[string]any) map[string]any {
	if output == nil {
		return map[string]any{"content": ""}
	}
	if _, ok := output["content"]; !ok {
		output["content"] = fmt.Sprintf("%v", output)
	}
	return output
}

// writeTerminalResult emits step 9: the terminal frame on the result
// channel (here, stdout, tagged with ResultMarker so the parent's line
// scanner can tell it apart from ordinary log lines).
func writeTerminalResult(out io.Writer, result TerminalResult) {
	result.Marker = ResultMarker
	line, err := json.Marshal(result)
	if err != nil {
		// Even a marshal failure must still post something (spec.md §4.6:
		// "the worker never exits without posting a result").
		fmt.Fprintf(out, `{"__kasal_result__":"%s","success":false,"error":"failed to serialize result"}`+"\n", ResultMarker)
		return
	}
	out.Write(line)
	out.Write([]byte("\n"))
	// Step 10: flush. bufio.Writer callers flush via their own Flush; a
	// raw io.Writer (e.g. an os.File) has nothing further to flush.
	if f, ok := out.(flusher); ok {
		_ = f.Flush()
	}
}

type flusher interface{ Flush() error }

// newLineEmitter returns a LogEmitter that writes structured JSON log
// lines to out, one per call (spec.md §4.6 step 2's queue handler,
// rehomed from "enqueue directly" to "print a line the parent scans").
func newLineEmitter(out io.Writer) LogEmitter {
	w := bufio.NewWriter(out)
	return func(content string, ts time.Time) {
		line, _ := json.Marshal(map[string]any{"content": content, "timestamp": ts})
		w.Write(line)
		w.WriteByte('\n')
		w.Flush()
	}
}

// lineWriter adapts a LogEmitter to io.Writer so it can back an
// slog.Handler.
type lineWriter struct{ emit LogEmitter }

func (l lineWriter) Write(p []byte) (int, error) {
	l.emit(string(p), time.Now().UTC())
	return len(p), nil
}

// stdoutTraceEnqueuer implements eventlistener.Enqueuer by shipping each
// trace event to the parent process as a marked JSON line on stdout,
// mirroring how log lines cross the same boundary.
type stdoutTraceEnqueuer struct{ out io.Writer }

func (s stdoutTraceEnqueuer) Enqueue(t *model.ExecutionTrace) {
	line, err := json.Marshal(struct {
		Marker string `json:"__kasal_trace__"`
		*model.ExecutionTrace
	}{Marker: TraceMarker, ExecutionTrace: t})
	if err != nil {
		return
	}
	s.out.Write(line)
	s.out.Write([]byte("\n"))
}
