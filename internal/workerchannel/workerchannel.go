// Package workerchannel implements the bidirectional worker channel from
// spec.md §6: a long-lived, message-oriented JSON connection per worker,
// carrying register/heartbeat/task_result upstream and
// execute_task/cancel_task downstream. Grounded on the teacher's
// eventbus/wsgateway (gorilla/websocket upgrade, read-pump/write-pump
// split, ping/pong liveness) generalized from a server-push-only event
// feed to a full duplex channel, and on
// services/orchestrator/cancellation.go's connection-bookkeeping idiom
// for tracking one live object per id. A generated-protobuf gRPC stream
// was the other candidate transport, but spec.md describes the wire
// contract itself — a type tag plus a JSON payload over a reconnecting
// duplex connection — which gorilla/websocket expresses directly,
// without protoc-generated stubs standing between the two sides.
package workerchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/swarmguard/orchestrator/internal/domain"
	"github.com/swarmguard/orchestrator/internal/ids"
	"github.com/swarmguard/orchestrator/internal/store"
	"github.com/swarmguard/orchestrator/internal/workerreg"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// envelope is the wire shape in both directions: a type tag plus an
// opaque payload (spec.md §6: "messages carry a type field; payloads are
// JSON").
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Upstream payloads (worker -> core).
type registerPayload struct {
	MachineName   string   `json:"machine_name"`
	Capabilities  []string `json:"capabilities"`
	LocalResident bool     `json:"local_resident"`
}

type heartbeatPayload struct {
	WorkerID    ids.ID  `json:"worker_id"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
	Load        int     `json:"load"`
}

type taskResultPayload struct {
	SubtaskID ids.ID        `json:"subtask_id"`
	Attempt   int           `json:"attempt"`
	Status    string        `json:"status"` // "completed" | "failed"
	Output    domain.Output `json:"output"`
	Error     string        `json:"error,omitempty"`
	Transient bool          `json:"transient,omitempty"`
}

// Downstream payloads (core -> worker).
type registeredPayload struct {
	WorkerID ids.ID `json:"worker_id"`
}

type executeTaskPayload struct {
	SubtaskID    ids.ID   `json:"subtask_id"`
	Attempt      int      `json:"attempt"`
	Tool         string   `json:"tool"`
	Name         string   `json:"name"`
	Instructions string   `json:"instructions"`
	Dependencies []ids.ID `json:"dependencies,omitempty"`
}

type cancelTaskPayload struct {
	SubtaskID ids.ID `json:"subtask_id"`
}

// ResultHandler is the narrow contract workerchannel depends on to apply
// a worker-reported result; internal/orchestrator.Orchestrator satisfies
// it, injected rather than imported directly so this package never
// depends on the orchestrator package.
type ResultHandler interface {
	HandleSubtaskResult(ctx context.Context, taskID, subtaskID ids.ID, output domain.Output, failErr string, transient bool) error
}

// LossNotifier is notified when a worker's connection drops uncleanly,
// satisfied by internal/scheduler.Scheduler.
type LossNotifier interface {
	OnWorkerLost(ctx context.Context, workerID ids.ID) error
}

// conn wraps one worker's live websocket connection. websocket.Conn
// permits at most one concurrent writer, hence writeMu.
type conn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	workerID ids.ID
}

func (c *conn) writeEnvelope(env envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(env)
}

// Server upgrades incoming HTTP connections to the worker channel
// protocol and implements scheduler.Dispatcher against whichever workers
// are currently connected.
type Server struct {
	store   store.Store
	workers *workerreg.Registry
	results ResultHandler
	lost    LossNotifier

	heartbeatTimeout time.Duration

	mu    sync.Mutex
	conns map[ids.ID]*conn

	taskResultsReceived int
}

// New constructs a Server. heartbeatTimeout bounds how long a connection
// may stay silent before it is treated as dead (spec.md §6
// heartbeat-loss-window).
func New(st store.Store, workers *workerreg.Registry, results ResultHandler, lost LossNotifier, heartbeatTimeout time.Duration) *Server {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 2 * time.Minute
	}
	return &Server{
		store:            st,
		workers:          workers,
		results:          results,
		lost:             lost,
		heartbeatTimeout: heartbeatTimeout,
		conns:            make(map[ids.ID]*conn),
	}
}

// SetResults wires the result handler after construction — cmd/orchestrator
// builds the Server before the Orchestrator exists (the Orchestrator
// itself needs the Server as its dispatcher), so the two are linked in a
// second pass the same way scheduler.Scheduler.SetDispatcher is.
func (s *Server) SetResults(r ResultHandler) {
	s.mu.Lock()
	s.results = r
	s.mu.Unlock()
}

// Handler upgrades r to a websocket and pumps the worker channel protocol
// until the connection closes.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("workerchannel: upgrade failed", "error", err)
			return
		}
		defer ws.Close()

		c := &conn{ws: ws}
		ws.SetReadDeadline(time.Now().Add(s.heartbeatTimeout))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(s.heartbeatTimeout))
			return nil
		})

		s.readPump(r.Context(), c)

		if !c.workerID.Empty() {
			s.mu.Lock()
			if s.conns[c.workerID] == c {
				delete(s.conns, c.workerID)
			}
			s.mu.Unlock()
			if err := s.lost.OnWorkerLost(context.Background(), c.workerID); err != nil {
				slog.Error("workerchannel: reclaim on disconnect failed", "worker", c.workerID, "error", err)
			}
		}
	}
}

func (s *Server) readPump(ctx context.Context, c *conn) {
	for {
		var env envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(s.heartbeatTimeout))

		switch env.Type {
		case "register":
			s.handleRegister(ctx, c, env.Payload)
		case "heartbeat":
			s.handleHeartbeat(ctx, env.Payload)
		case "task_result":
			s.handleTaskResult(ctx, env.Payload)
		default:
			slog.Warn("workerchannel: unknown message type", "type", env.Type)
		}
	}
}

func (s *Server) handleRegister(ctx context.Context, c *conn, raw json.RawMessage) {
	var p registerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		slog.Warn("workerchannel: malformed register payload", "error", err)
		return
	}
	w, err := s.workers.Register(ctx, p.MachineName, p.Capabilities, p.LocalResident)
	if err != nil {
		slog.Error("workerchannel: register failed", "error", err)
		return
	}
	c.workerID = w.ID

	s.mu.Lock()
	if old, ok := s.conns[w.ID]; ok {
		// A prior connection for the same worker id is still open (a
		// reconnect raced the old socket's teardown); evict it so exactly
		// one connection ever holds dispatch rights for this worker.
		go old.ws.Close()
	}
	s.conns[w.ID] = c
	s.mu.Unlock()

	if err := c.writeEnvelope(envelope{Type: "registered", Payload: mustJSON(registeredPayload{WorkerID: w.ID})}); err != nil {
		slog.Warn("workerchannel: failed to ack registration", "worker", w.ID, "error", err)
	}
}

func (s *Server) handleHeartbeat(ctx context.Context, raw json.RawMessage) {
	var p heartbeatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		slog.Warn("workerchannel: malformed heartbeat payload", "error", err)
		return
	}
	res := domain.ResourceSnapshot{CPUPercent: p.CPUPercent, MemPercent: p.MemPercent, DiskPercent: p.DiskPercent}
	if err := s.workers.Heartbeat(ctx, p.WorkerID, res, p.Load); err != nil {
		slog.Error("workerchannel: heartbeat update failed", "worker", p.WorkerID, "error", err)
	}
}

func (s *Server) handleTaskResult(ctx context.Context, raw json.RawMessage) {
	var p taskResultPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		slog.Warn("workerchannel: malformed task_result payload", "error", err)
		return
	}
	task, err := s.taskIDFor(ctx, p.SubtaskID)
	if err != nil {
		slog.Error("workerchannel: task_result for unknown subtask", "subtask", p.SubtaskID, "error", err)
		return
	}
	s.mu.Lock()
	s.taskResultsReceived++
	s.mu.Unlock()

	var failErr string
	if p.Status == "failed" {
		failErr = p.Error
		if failErr == "" {
			failErr = "worker reported failure"
		}
	}
	// HandleSubtaskResult is idempotent on an already-terminal subtask
	// (spec.md §8), so a duplicate task_result from a reconnecting worker
	// is safe to apply again rather than needing its own dedup table.
	if err := s.results.HandleSubtaskResult(ctx, task, p.SubtaskID, p.Output, failErr, p.Transient); err != nil {
		slog.Error("workerchannel: apply task_result failed", "subtask", p.SubtaskID, "error", err)
	}
}

// taskIDFor resolves a subtask's owning task id, since task_result
// payloads carry only the subtask id.
func (s *Server) taskIDFor(ctx context.Context, subtaskID ids.ID) (ids.ID, error) {
	sub, err := s.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return "", fmt.Errorf("subtask %s not found", subtaskID)
	}
	return sub.TaskID, nil
}

// Dispatch implements scheduler.Dispatcher: writes an execute_task
// message to worker's live connection, if any.
func (s *Server) Dispatch(ctx context.Context, workerID ids.ID, sub *domain.Subtask, attempt int) error {
	s.mu.Lock()
	c, ok := s.conns[workerID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("worker %s has no live channel connection", workerID)
	}
	payload := executeTaskPayload{
		SubtaskID:    sub.ID,
		Attempt:      attempt,
		Tool:         sub.RecommendedTool,
		Name:         sub.Name,
		Instructions: sub.Description,
		Dependencies: sub.Dependencies,
	}
	return c.writeEnvelope(envelope{Type: "execute_task", Payload: mustJSON(payload)})
}

// Cancel implements scheduler.Dispatcher: best-effort; an unreachable
// worker is not an error since the store-side state transition already
// recorded the cancellation (internal/orchestrator.CancelTask).
func (s *Server) Cancel(ctx context.Context, workerID ids.ID, subtaskID ids.ID) error {
	s.mu.Lock()
	c, ok := s.conns[workerID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return c.writeEnvelope(envelope{Type: "cancel_task", Payload: mustJSON(cancelTaskPayload{SubtaskID: subtaskID})})
}

// TaskResultsReceived returns the total count of task_result messages
// processed since the server started, for health/readiness reporting.
func (s *Server) TaskResultsReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskResultsReceived
}

// ConnectedWorkers returns the ids of workers with a live channel
// connection right now, used by health/readiness reporting.
func (s *Server) ConnectedWorkers() []ids.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ids.ID, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	return out
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Every payload type here is a plain struct of strings, numbers,
		// and ids.ID; marshalling cannot fail.
		panic(fmt.Sprintf("workerchannel: marshal payload: %v", err))
	}
	return b
}
