// Package pool is the process-pool executor: it spawns one OS process per
// job (spec.md §4.5 "spawn, not fork" — a clean interpreter with no
// inherited orchestration-library globals or DB handles), enforces a
// concurrency cap, and drives the submission contract end to end
// (mark_running, demultiplex worker stdout into traces/logs/result,
// timeout, mark_terminal). Grounded on the teacher's pkg/queue/pool.go
// (WorkerPool: concurrency-capped registry, RegisterSession/
// UnregisterSession/CancelSession, orphan bookkeeping), reworked from a
// goroutine pool polling a DB-backed queue to an os/exec subprocess
// launcher.
package pool

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/databrickslabs/kasal-execution-core/pkg/config"
	"github.com/databrickslabs/kasal-execution-core/pkg/coreerr"
	"github.com/databrickslabs/kasal-execution-core/pkg/execstore"
	"github.com/databrickslabs/kasal-execution-core/pkg/groupctx"
	"github.com/databrickslabs/kasal-execution-core/pkg/logqueue"
	"github.com/databrickslabs/kasal-execution-core/pkg/model"
	"github.com/databrickslabs/kasal-execution-core/pkg/subprocessrunner"
	"github.com/databrickslabs/kasal-execution-core/pkg/tracequeue"
)

// WorkerEntrypoint is the path to the executable spawned for each job with
// --mode=worker: KASAL_WORKER_ENTRYPOINT if set, otherwise this same
// executable (whose worker mode runs pkg/subprocessrunner). Overridable
// for tests.
var WorkerEntrypoint = func() string {
	if p := os.Getenv("KASAL_WORKER_ENTRYPOINT"); p != "" {
		return p
	}
	exe, err := os.Executable()
	if err != nil {
		return "kasal-worker"
	}
	return exe
}()

// job tracks one in-flight OS process.
type job struct {
	jobID   string
	cmd     *exec.Cmd
	done    chan struct{}
	started time.Time
}

// Pool is the concurrency-capped process-pool executor. It owns the
// status store and the trace/log queues so that Submit can drive the
// whole spec.md §4.5 submission contract — mark_running, spawn, demux
// stdout, wait-for-result-or-timeout, mark_terminal — rather than just
// spawning a process and handing raw lines back to a caller.
type Pool struct {
	cfg    config.PoolConfig
	store  *execstore.Store
	traceQ *tracequeue.Queue
	logQ   *logqueue.Queue

	sem  chan struct{}
	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

// New constructs a Pool sized by cfg.MaxConcurrent, driving status
// transitions through store and shipping demultiplexed worker output into
// traceQ/logQ (spec.md §4.3, §4.5).
func New(cfg config.PoolConfig, store *execstore.Store, traceQ *tracequeue.Queue, logQ *logqueue.Queue) *Pool {
	return &Pool{
		cfg:    cfg,
		store:  store,
		traceQ: traceQ,
		logQ:   logQ,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		jobs:   make(map[string]*job),
	}
}

// ActiveCount returns the number of jobs currently running.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// Submission is everything the worker entrypoint needs, serialized to its
// stdin as JSON (spec.md §4.6 — workers never touch a shared in-process
// global to get this). Mirrors subprocessrunner.Submission, plus the
// Timeout the pool itself enforces.
type Submission struct {
	JobID      string                `json:"job_id"`
	CrewConfig *model.CrewConfig     `json:"crew_config"`
	GroupCtx   groupctx.GroupContext `json:"group_context"`
	Inputs     map[string]any        `json:"inputs"`
	DebugTrace bool                  `json:"debug_tracing"`
	Timeout    time.Duration         `json:"timeout"`
}

// Submit implements the spec.md §4.5 submission contract: run(job_id,
// crew_config, group_context, inputs, timeout, debug_tracing). It
// enforces the concurrency cap (step 1), spawns the worker with its
// config on stdin (step 2), calls mark_running (step 4), and hands the
// wait-for-result-or-timeout and mark_terminal steps (5-6) to a
// background goroutine so the caller is never blocked for the job's
// whole runtime. Assumes the caller has already inserted the `pending`
// Execution row (spec.md §2 "status store inserts pending row ->
// ProcessPool.submit").
func (p *Pool) Submit(ctx context.Context, jobID string, crewConfig *model.CrewConfig, gctx groupctx.GroupContext, inputs map[string]any, timeout time.Duration, debugTracing bool) error {
	select {
	case p.sem <- struct{}{}:
	default:
		return coreerr.New(coreerr.Overloaded, "process pool is at capacity")
	}

	if timeout <= 0 {
		timeout = p.cfg.DefaultJobTimeout
	}

	sub := Submission{JobID: jobID, CrewConfig: crewConfig, GroupCtx: gctx, Inputs: inputs, DebugTrace: debugTracing, Timeout: timeout}
	payload, err := json.Marshal(sub)
	if err != nil {
		<-p.sem
		return coreerr.Wrap(coreerr.Internal, "failed to serialize submission", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, WorkerEntrypoint, "--mode=worker")
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(), "KASAL_JOB_ID="+sub.JobID)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		<-p.sem
		return coreerr.Wrap(coreerr.Internal, "failed to attach worker stdout", err)
	}
	cmd.Stderr = cmd.Stdout

	// Spawn (not fork): os/exec always execs a fresh process image, so the
	// worker never inherits this process's goroutines, DB pool, or
	// in-memory caches (spec.md §4.5, §9).
	if err := cmd.Start(); err != nil {
		cancel()
		<-p.sem
		return coreerr.Wrap(coreerr.Internal, "failed to spawn worker process", err)
	}

	j := &job{jobID: sub.JobID, cmd: cmd, done: make(chan struct{}), started: time.Now()}
	p.mu.Lock()
	p.jobs[sub.JobID] = j
	p.mu.Unlock()

	// Step 4: mark_running. If this fails (e.g. the caller never created
	// the pending row), the worker we just spawned has nothing to report
	// into, so kill it and release the slot rather than leak a process.
	if p.store != nil {
		if err := p.store.MarkRunning(ctx, jobID, gctx.PrimaryGroupID()); err != nil {
			cancel()
			p.mu.Lock()
			delete(p.jobs, jobID)
			p.mu.Unlock()
			<-p.sem
			return err
		}
	}

	p.wg.Add(1)
	go p.run(runCtx, cancel, j, stdout, gctx, timeout)
	return nil
}

// run owns steps 5-6 of the submission contract for one job: it
// demultiplexes the worker's stdout into trace/log queue entries and a
// terminal-result channel, waits for that result or the submission's
// timeout, and always resolves the execution to a terminal status before
// returning (spec.md §4.5).
func (p *Pool) run(ctx context.Context, cancel context.CancelFunc, j *job, stdout io.ReadCloser, gctx groupctx.GroupContext, timeout time.Duration) {
	defer p.wg.Done()
	defer cancel()
	defer func() {
		p.mu.Lock()
		delete(p.jobs, j.jobID)
		p.mu.Unlock()
		<-p.sem
	}()

	resultCh := make(chan subprocessrunner.TerminalResult, 1)
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		p.demux(j.jobID, gctx, stdout, resultCh)
	}()

	var result subprocessrunner.TerminalResult
	var gotResult, timedOut bool
	select {
	case result = <-resultCh:
		gotResult = true
	case <-scanDone:
		// The worker closed its stdout (exited or was terminated); pick up
		// a result it posted just before exiting, if any.
		select {
		case result = <-resultCh:
			gotResult = true
		default:
		}
	case <-time.After(timeout):
		timedOut = true
		slog.Warn("job exceeded its timeout, terminating worker", "job_id", j.jobID, "timeout", timeout)
		p.terminateLocked(j, false)
		// Give the worker its normal grace window to post a result (e.g.
		// partial output) before giving up on hearing from it at all.
		select {
		case result = <-resultCh:
			gotResult = true
		case <-time.After(p.cfg.WorkerGraceWindow + time.Second):
		}
	}

	<-scanDone
	close(j.done)
	if err := j.cmd.Wait(); err != nil {
		slog.Warn("worker process exited with error", "job_id", j.jobID, "error", err)
	}

	if p.store == nil {
		return
	}
	p.resolveTerminal(j.jobID, gctx, gotResult, timedOut, result)
}

// resolveTerminal implements spec.md §4.5 step 6: a successful result
// completes or fails the job; a job already flagged is_stopping (via
// stopctl.Request -> execstore.RequestStop) resolves to stopped
// regardless of how the worker actually exited, preserving any partial
// result it managed to post; anything else (timeout with no result,
// crash with no result) fails.
func (p *Pool) resolveTerminal(jobID string, gctx groupctx.GroupContext, gotResult, timedOut bool, result subprocessrunner.TerminalResult) {
	groupID := gctx.PrimaryGroupID()
	current, err := p.store.Get(context.Background(), jobID, []string{groupID})
	if err != nil {
		slog.Error("could not read execution before marking terminal", "job_id", jobID, "error", err)
		return
	}
	if current.Status.Terminal() {
		return // lost the race to another terminal writer; nothing to do
	}

	var outcome execstore.Outcome
	payload := execstore.TerminalPayload{}
	switch {
	case current.IsStopping:
		outcome = execstore.OutcomeStopped
		payload.Error = current.StopReason
		if gotResult && result.Success {
			payload.PartialResults = result.Result
		}
	case gotResult && result.Success:
		outcome = execstore.OutcomeCompleted
		payload.Result = result.Result
	case gotResult && !result.Success:
		outcome = execstore.OutcomeFailed
		payload.Error = result.Error
	case timedOut:
		outcome = execstore.OutcomeFailed
		payload.Error = "timeout"
	default:
		outcome = execstore.OutcomeFailed
		payload.Error = "worker exited without posting a result"
	}

	if err := p.store.MarkTerminal(context.Background(), jobID, groupID, outcome, payload); err != nil {
		slog.Error("failed to mark execution terminal", "job_id", jobID, "error", err)
	}
}

// demux reads the worker's stdout line by line and routes each line by
// its marker: a result line resolves resultCh, a trace line enqueues onto
// traceQ, and everything else is an ordinary log line bound for logQ
// (spec.md §4.3 "Log writes MUST NOT be attempted from inside the worker
// process directly" — the worker only ever writes to its own stdout; this
// parent process holds the real queues).
func (p *Pool) demux(jobID string, gctx groupctx.GroupContext, stdout io.ReadCloser, resultCh chan<- subprocessrunner.TerminalResult) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()

		var probe struct {
			ResultMarker string `json:"__kasal_result__"`
			TraceMarker  string `json:"__kasal_trace__"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			slog.Warn("worker emitted a non-JSON stdout line, dropping", "job_id", jobID)
			continue
		}

		switch {
		case probe.ResultMarker == subprocessrunner.ResultMarker:
			var result subprocessrunner.TerminalResult
			if err := json.Unmarshal(line, &result); err != nil {
				slog.Error("failed to decode worker terminal result", "job_id", jobID, "error", err)
				continue
			}
			select {
			case resultCh <- result:
			default:
				slog.Warn("worker posted more than one terminal result, ignoring extras", "job_id", jobID)
			}

		case probe.TraceMarker == subprocessrunner.TraceMarker:
			var wrapped struct {
				Marker string `json:"__kasal_trace__"`
				*model.ExecutionTrace
			}
			if err := json.Unmarshal(line, &wrapped); err != nil {
				slog.Error("failed to decode worker trace event", "job_id", jobID, "error", err)
				continue
			}
			if wrapped.ExecutionTrace != nil && p.traceQ != nil {
				p.traceQ.Enqueue(wrapped.ExecutionTrace)
			}

		default:
			var logLine struct {
				Content   string    `json:"content"`
				Timestamp time.Time `json:"timestamp"`
			}
			if err := json.Unmarshal(line, &logLine); err != nil {
				continue
			}
			if p.logQ != nil {
				p.logQ.Enqueue(&model.ExecutionLog{
					ExecutionID: jobID,
					Content:     logLine.Content,
					Timestamp:   logLine.Timestamp,
					GroupID:     gctx.PrimaryGroupID(),
					GroupEmail:  gctx.GroupEmail,
				})
			}
		}
	}
}

// Terminate stops a running job: SIGTERM first, then SIGKILL after
// graceWindow if the process hasn't exited (spec.md §4.5 "graceful
// termination with a grace window, then force-kill").
func (p *Pool) Terminate(jobID string, force bool) bool {
	p.mu.Lock()
	j, ok := p.jobs[jobID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	return p.terminateLocked(j, force)
}

// terminateLocked signals j without re-checking the jobs table; callers
// that already hold a *job (e.g. run's own timeout path) use this
// directly to avoid a redundant lookup.
func (p *Pool) terminateLocked(j *job, force bool) bool {
	if force {
		_ = j.cmd.Process.Signal(syscall.SIGKILL)
		return true
	}

	_ = j.cmd.Process.Signal(syscall.SIGTERM)
	go func() {
		select {
		case <-j.done:
		case <-time.After(p.cfg.WorkerGraceWindow):
			slog.Warn("worker did not exit within grace window, force killing", "job_id", j.jobID)
			_ = j.cmd.Process.Signal(syscall.SIGKILL)
		}
	}()
	return true
}

// Shutdown sends every job this Pool is tracking the graceful Terminate
// (SIGTERM, then SIGKILL after the grace window) and waits for their run
// goroutines to finish or ctx to expire. Only processes this Pool spawned
// are signalled; no scan for workers left over from an earlier server
// process is made.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.jobs))
	for id := range p.jobs {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Terminate(id, false)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("pool shutdown timed out, some workers may remain", "remaining", p.ActiveCount())
	}
}
