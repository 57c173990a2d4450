// Package logqueue is the bounded queue and background writer for raw
// subprocess log lines (spec.md §4.3). Grounded on the same
// pkg/events/manager.go draining pattern as pkg/tracequeue, simplified
// because log lines carry no closed vocabulary or debug gating — every
// line a worker emits is persisted verbatim.
package logqueue

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/databrickslabs/kasal-execution-core/pkg/model"
	"github.com/databrickslabs/kasal-execution-core/pkg/repository"
)

// Broadcaster fans log lines out to subscribed WebSocket clients
// (implemented by pkg/wshub.Hub).
type Broadcaster interface {
	BroadcastLog(jobID string, frame any)
}

// LogFrame is the WebSocket frame shape for a log line (spec.md §6).
type LogFrame struct {
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Queue is the bounded, non-blocking, multi-producer log-line queue.
type Queue struct {
	ch      chan *model.ExecutionLog
	dropped int64
}

// New creates a Queue with the given capacity.
func New(capacity int) *Queue {
	return &Queue{ch: make(chan *model.ExecutionLog, capacity)}
}

// Enqueue is non-blocking: a full queue drops the line and counts it
// (spec.md §5 backpressure policy — logs never block the worker).
func (q *Queue) Enqueue(l *model.ExecutionLog) {
	select {
	case q.ch <- l:
	default:
		atomic.AddInt64(&q.dropped, 1)
	}
}

// Dropped returns the count of log lines dropped due to a full queue.
func (q *Queue) Dropped() int64 { return atomic.LoadInt64(&q.dropped) }

// Writer drains a Queue into LogRepository in small batches.
type Writer struct {
	queue        *Queue
	repo         repository.LogRepository
	broadcaster  Broadcaster
	batchSize    int
	pollInterval time.Duration
}

// NewWriter constructs a Writer. broadcaster may be nil.
func NewWriter(queue *Queue, repo repository.LogRepository, broadcaster Broadcaster, batchSize int, pollInterval time.Duration) *Writer {
	return &Writer{queue: queue, repo: repo, broadcaster: broadcaster, batchSize: batchSize, pollInterval: pollInterval}
}

// Run drains until ctx is cancelled, then flushes the remainder.
func (w *Writer) Run(ctx context.Context) {
	log := slog.With("component", "log_writer")
	log.Info("log writer started")
	for {
		select {
		case <-ctx.Done():
			log.Info("log writer shutting down, draining remaining lines")
			w.drainToEmpty(context.Background())
			log.Info("log writer drained and stopped")
			return
		default:
			w.runBatch(ctx)
		}
	}
}

func (w *Writer) runBatch(ctx context.Context) {
	batch := make([]*model.ExecutionLog, 0, w.batchSize)
	timeout := time.NewTimer(w.pollInterval)
	defer timeout.Stop()

collect:
	for len(batch) < w.batchSize {
		select {
		case l := <-w.queue.ch:
			batch = append(batch, l)
		case <-timeout.C:
			break collect
		case <-ctx.Done():
			break collect
		}
	}
	if len(batch) == 0 {
		return
	}
	w.writeBatch(ctx, batch)
}

func (w *Writer) drainToEmpty(ctx context.Context) {
	for {
		select {
		case l := <-w.queue.ch:
			w.writeBatch(ctx, []*model.ExecutionLog{l})
		default:
			return
		}
	}
}

func (w *Writer) writeBatch(ctx context.Context, batch []*model.ExecutionLog) {
	if err := w.repo.InsertBatch(ctx, batch); err != nil {
		slog.Error("log batch write failed, dropping batch", "error", err, "count", len(batch))
		return
	}
	if w.broadcaster == nil {
		return
	}
	for _, l := range batch {
		w.broadcaster.BroadcastLog(l.ExecutionID, LogFrame{Type: "log", Content: l.Content, Timestamp: l.Timestamp})
	}
}
