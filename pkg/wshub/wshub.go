// Package wshub is the process-wide WebSocket subscription hub (spec.md
// §4.4, §6). Grounded on the teacher's pkg/events/manager.go
// (ConnectionManager: connection registry, channel subscription map,
// snapshot-then-send broadcast pattern) keyed here by job_id instead of a
// Postgres NOTIFY channel, and pkg/api/handler_ws.go for the echo v5 +
// coder/websocket upgrade handshake.
package wshub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/databrickslabs/kasal-execution-core/pkg/coreerr"
)

// writeTimeout bounds how long a single client send may block; a stalled
// client must never stall the broadcaster (spec.md §4.4 "fire-and-forget").
const writeTimeout = 5 * time.Second

// Authorizer checks whether a caller may subscribe to a job_id's stream
// (spec.md §4.4: subscription requires the same group ownership check as
// a REST read).
type Authorizer interface {
	AuthorizeJob(ctx context.Context, jobID string, groupIDs []string) error
}

// connection is one subscribed WebSocket client.
type connection struct {
	id     string
	conn   *websocket.Conn
	jobID  string
	cancel context.CancelFunc
}

// Hub is the process-wide subscription table: job_id -> set of connections
// (spec.md §4.4). One Hub instance per process.
type Hub struct {
	mu    sync.RWMutex
	byJob map[string]map[string]*connection
	conns map[string]*connection

	auth Authorizer
}

// New constructs an empty Hub.
func New(auth Authorizer) *Hub {
	return &Hub{
		byJob: make(map[string]map[string]*connection),
		conns: make(map[string]*connection),
		auth:  auth,
	}
}

// ActiveConnections returns the number of currently registered connections.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SubscriberCount returns the number of connections subscribed to jobID.
func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byJob[jobID])
}

// HandleConnection registers a subscription for jobID and blocks until the
// socket closes or ctx is cancelled (spec.md §4.4, §6). Call after
// validating ownership via Authorizer — HandleConnection re-checks before
// registering so a caller can't bypass the check by reusing a socket.
func (h *Hub) HandleConnection(ctx context.Context, ws *websocket.Conn, jobID string, groupIDs []string) error {
	if h.auth != nil {
		if err := h.auth.AuthorizeJob(ctx, jobID, groupIDs); err != nil {
			return err
		}
	}

	connCtx, cancel := context.WithCancel(ctx)
	c := &connection{id: uuid.New().String(), conn: ws, jobID: jobID, cancel: cancel}

	h.register(c)
	defer h.unregister(c)

	// Block reading from the client purely to detect close/error; this
	// hub is a server-push channel and ignores client payloads (spec.md
	// §6 lists only server-originated frame types).
	for {
		if _, _, err := ws.Read(connCtx); err != nil {
			return nil
		}
	}
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
	set, ok := h.byJob[c.jobID]
	if !ok {
		set = make(map[string]*connection)
		h.byJob[c.jobID] = set
	}
	set[c.id] = c
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
	if set, ok := h.byJob[c.jobID]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(h.byJob, c.jobID)
		}
	}
}

// snapshot copies the connection list for jobID without holding the lock
// during sends (grounded on ConnectionManager.Broadcast's snapshot pattern).
func (h *Hub) snapshot(jobID string) []*connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set, ok := h.byJob[jobID]
	if !ok {
		return nil
	}
	out := make([]*connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// broadcast fire-and-forget sends frame to every connection subscribed to
// jobID. A slow or closed connection is logged and skipped, never blocking
// the writer (spec.md §4.4).
func (h *Hub) broadcast(jobID string, frame any) {
	for _, c := range h.snapshot(jobID) {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, c.conn, frame)
		cancel()
		if err != nil {
			slog.Warn("dropping slow or closed websocket subscriber", "connection_id", c.id, "job_id", jobID, "error", err)
		}
	}
}

// BroadcastTaskStatus implements tracequeue.Broadcaster.
func (h *Hub) BroadcastTaskStatus(jobID string, frame any) { h.broadcast(jobID, frame) }

// BroadcastLog implements logqueue.Broadcaster.
func (h *Hub) BroadcastLog(jobID string, frame any) { h.broadcast(jobID, frame) }

// ExecutionCompleteFrame is the terminal frame sent once an execution
// reaches a terminal status (spec.md §6 "execution_complete").
type ExecutionCompleteFrame struct {
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// BroadcastExecutionComplete implements execstore.Broadcaster: it sends
// the terminal frame once an execution reaches a terminal status
// (spec.md §4.4 "(c) the status store for terminal transitions", §6).
func (h *Hub) BroadcastExecutionComplete(jobID string, frame any) {
	h.broadcast(jobID, frame)
}

// ErrUnauthorized is a convenience wrapper kept for callers that want a
// sentinel rather than inspecting coreerr.Kind directly.
var ErrUnauthorized = coreerr.New(coreerr.Forbidden, "not authorized to subscribe to this job")
