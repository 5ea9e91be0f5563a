package httpapi

import (
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/orchestrator/internal/apierror"
	"github.com/swarmguard/orchestrator/internal/domain"
	"github.com/swarmguard/orchestrator/internal/ids"
	"github.com/swarmguard/orchestrator/internal/orchestrator"
	"github.com/swarmguard/orchestrator/internal/resilience"
	"github.com/swarmguard/orchestrator/internal/store"
	"github.com/swarmguard/orchestrator/internal/workerreg"
)

// Server is the Control API from spec.md §6: submit/get/list/cancel task,
// list/get/register/heartbeat worker, get/approve/reject/correct
// checkpoint. Every handler goes through the rate-limit/circuit-breaker
// middleware chain before reaching the orchestrator.
type Server struct {
	orch    *orchestrator.Orchestrator
	store   store.Store
	workers *workerreg.Registry

	limiter *perKeyRateLimiter
	breaker *resilience.CircuitBreaker

	reqCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram
	rlDenied    metric.Int64Counter
	cbOpen      metric.Int64Counter
}

// New constructs a Server. Rate limit and circuit breaker thresholds
// mirror the teacher's gateway defaults (200-request burst refilled at
// 200/min, hard cap of 300 requests per minute; the breaker opens on a
// high failure rate once 5 calls are in its 30s window).
func New(meter metric.Meter, orch *orchestrator.Orchestrator, st store.Store, workers *workerreg.Registry) *Server {
	reqCounter, _ := meter.Int64Counter("orchestrator_httpapi_requests_total")
	latencyHist, _ := meter.Float64Histogram("orchestrator_httpapi_latency_ms")
	rlDenied, _ := meter.Int64Counter("orchestrator_httpapi_rate_limited_total")
	cbOpen, _ := meter.Int64Counter("orchestrator_httpapi_circuit_open_total")

	return &Server{
		orch:        orch,
		store:       st,
		workers:     workers,
		limiter:     newPerKeyRateLimiter(200, 200.0/60.0, time.Minute, 300),
		breaker:     resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 3),
		reqCounter:  reqCounter,
		latencyHist: latencyHist,
		rlDenied:    rlDenied,
		cbOpen:      cbOpen,
	}
}

// Router builds the full HTTP handler, including an unauthenticated
// /health and the metrics-exempt /metrics mount point left for the
// caller to attach.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	mux.Handle("/v1/tasks", s.chain(s.handleTasksCollection))
	mux.Handle("/v1/tasks/", s.chain(s.handleTaskItem))
	mux.Handle("/v1/workers", s.chain(s.handleWorkersCollection))
	mux.Handle("/v1/workers/register", s.chain(s.handleRegisterWorker))
	mux.Handle("/v1/workers/", s.chain(s.handleWorkerItem))
	mux.Handle("/v1/checkpoints/", s.chain(s.handleCheckpointItem))

	return mux
}

// --- tasks ---

type submitTaskResponse struct {
	ID    ids.ID          `json:"id"`
	State domain.TaskState `json:"state"`
}

func (s *Server) handleTasksCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method_not_allowed", Message: "unsupported method"})
	}
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var raw []byte
	if r.Body != nil {
		raw, _ = readAll(r)
	}
	data, err := parseAndRequire(raw, "description")
	if err != nil {
		writeError(w, r, err)
		return
	}
	description, err := stringField(data, "description", true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	freq := domain.FrequencyMedium
	if _, ok := data["checkpoint_frequency"]; ok {
		v, err := enumField(data, "checkpoint_frequency", string(domain.FrequencyLow), string(domain.FrequencyMedium), string(domain.FrequencyHigh))
		if err != nil {
			writeError(w, r, err)
			return
		}
		freq = domain.CheckpointFrequency(v)
	}
	privacy := domain.PrivacyNormal
	if _, ok := data["privacy_level"]; ok {
		v, err := enumField(data, "privacy_level", string(domain.PrivacyNormal), string(domain.PrivacySensitive))
		if err != nil {
			writeError(w, r, err)
			return
		}
		privacy = domain.PrivacyLevel(v)
	}
	tools, err := stringSliceField(data, "preferred_tools")
	if err != nil {
		writeError(w, r, err)
		return
	}

	task, err := s.orch.SubmitTask(r.Context(), description, domain.TaskConfig{
		CheckpointFrequency: freq,
		PrivacyLevel:        privacy,
		PreferredTools:      tools,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitTaskResponse{ID: task.ID, State: task.State})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		State:  domain.TaskState(q.Get("state")),
		Limit:  atoiDefault(q.Get("limit"), 50),
		Offset: atoiDefault(q.Get("offset"), 0),
	}
	tasks, err := s.store.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// taskDetail embeds a task's subtasks, latest checkpoint, and an
// aggregate evaluation score, per spec.md §6 "Get task by id -> task with
// embedded subtasks, latest checkpoint, aggregate evaluation." Subtasks
// don't carry an evaluation-id back-reference (only a scalar
// EvaluationScore), so the aggregate is the mean of every subtask's
// recorded score rather than a re-fetch of each stored Evaluation.
type taskDetail struct {
	*domain.Task
	Subtasks           []*domain.Subtask   `json:"subtasks"`
	LatestCheckpoint   *domain.Checkpoint  `json:"latest_checkpoint,omitempty"`
	AggregateEvaluation *float64           `json:"aggregate_evaluation,omitempty"`
}

func (s *Server) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	tail, _ := pathTail(r.URL.Path, "/v1/tasks/")
	if tail == "" {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "task id required"})
		return
	}
	parts := strings.Split(tail, "/")
	taskID := ids.ID(parts[0])
	if !ids.Valid(taskID) {
		writeError(w, r, apierror.Validation("malformed task id"))
		return
	}

	if len(parts) == 2 && parts[1] == "cancel" {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method_not_allowed", Message: "unsupported method"})
			return
		}
		if err := s.orch.CancelTask(r.Context(), taskID); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
		return
	}

	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method_not_allowed", Message: "unsupported method"})
		return
	}
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if task == nil {
		writeError(w, r, apierror.NotFound("task", string(taskID)))
		return
	}
	subtasks, err := s.store.ListSubtasksByTask(r.Context(), taskID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	detail := taskDetail{Task: task, Subtasks: subtasks}
	if ckpt, err := s.store.PendingCheckpointForTask(r.Context(), taskID); err == nil && ckpt != nil {
		detail.LatestCheckpoint = ckpt
	}
	var sum float64
	var n int
	for _, sub := range subtasks {
		if sub.EvaluationScore != nil {
			sum += *sub.EvaluationScore
			n++
		}
	}
	if n > 0 {
		avg := sum / float64(n)
		detail.AggregateEvaluation = &avg
	}
	writeJSON(w, http.StatusOK, detail)
}

// --- workers ---

func (s *Server) handleWorkersCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method_not_allowed", Message: "unsupported method"})
		return
	}
	workers, err := s.workers.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method_not_allowed", Message: "unsupported method"})
		return
	}
	raw, _ := readAll(r)
	data, err := parseAndRequire(raw, "machine_name")
	if err != nil {
		writeError(w, r, err)
		return
	}
	machineName, err := stringField(data, "machine_name", true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	capabilities, err := stringSliceField(data, "capabilities")
	if err != nil {
		writeError(w, r, err)
		return
	}
	localResident, err := boolField(data, "local_resident")
	if err != nil {
		writeError(w, r, err)
		return
	}
	worker, err := s.workers.Register(r.Context(), machineName, capabilities, localResident)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, worker)
}

func (s *Server) handleWorkerItem(w http.ResponseWriter, r *http.Request) {
	tail, _ := pathTail(r.URL.Path, "/v1/workers/")
	parts := strings.Split(tail, "/")
	workerID := ids.ID(parts[0])
	if !ids.Valid(workerID) {
		writeError(w, r, apierror.Validation("malformed worker id"))
		return
	}

	if len(parts) == 2 && parts[1] == "heartbeat" {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method_not_allowed", Message: "unsupported method"})
			return
		}
		raw, _ := readAll(r)
		data, err := parseAndRequire(raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		cpu, err := floatField(data, "cpu_percent", false)
		if err != nil {
			writeError(w, r, err)
			return
		}
		mem, err := floatField(data, "mem_percent", false)
		if err != nil {
			writeError(w, r, err)
			return
		}
		disk, err := floatField(data, "disk_percent", false)
		if err != nil {
			writeError(w, r, err)
			return
		}
		load, err := intField(data, "load", false)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := s.workers.Heartbeat(r.Context(), workerID, domain.ResourceSnapshot{CPUPercent: cpu, MemPercent: mem, DiskPercent: disk}, load); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method_not_allowed", Message: "unsupported method"})
		return
	}
	worker, err := s.workers.GetWorker(r.Context(), workerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if worker == nil {
		writeError(w, r, apierror.NotFound("worker", string(workerID)))
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

// --- checkpoints ---

func (s *Server) handleCheckpointItem(w http.ResponseWriter, r *http.Request) {
	tail, _ := pathTail(r.URL.Path, "/v1/checkpoints/")
	parts := strings.SplitN(tail, "/", 2)
	checkpointID := ids.ID(parts[0])
	if !ids.Valid(checkpointID) {
		writeError(w, r, apierror.Validation("malformed checkpoint id"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method_not_allowed", Message: "unsupported method"})
			return
		}
		ckpt, err := s.store.GetCheckpoint(r.Context(), checkpointID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if ckpt == nil {
			writeError(w, r, apierror.NotFound("checkpoint", string(checkpointID)))
			return
		}
		writeJSON(w, http.StatusOK, ckpt)
		return
	}

	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method_not_allowed", Message: "unsupported method"})
		return
	}

	switch parts[1] {
	case "approve":
		s.resolveCheckpoint(w, r, checkpointID, domain.CheckpointApproved)
	case "reject":
		s.resolveCheckpoint(w, r, checkpointID, domain.CheckpointRejected)
	case "correct":
		s.handleCorrectCheckpoint(w, r, checkpointID)
	default:
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "unknown checkpoint action"})
	}
}

func (s *Server) resolveCheckpoint(w http.ResponseWriter, r *http.Request, checkpointID ids.ID, decision domain.CheckpointStatus) {
	raw, _ := readAll(r)
	var notes string
	if len(raw) > 0 {
		data, err := parseAndRequire(raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if notes, err = stringField(data, "notes", false); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if err := s.orch.ApproveCheckpoint(r.Context(), checkpointID, decision, notes); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(decision)})
}

func (s *Server) handleCorrectCheckpoint(w http.ResponseWriter, r *http.Request, checkpointID ids.ID) {
	raw, _ := readAll(r)
	data, err := parseAndRequire(raw, "subtask_id", "category", "guidance")
	if err != nil {
		writeError(w, r, err)
		return
	}
	subtaskIDStr, err := stringField(data, "subtask_id", true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	category, err := enumField(data, "category",
		string(domain.CategoryWrongApproach), string(domain.CategoryIncomplete), string(domain.CategoryBug),
		string(domain.CategoryStyle), string(domain.CategoryMissingFeature), string(domain.CategoryOther))
	if err != nil {
		writeError(w, r, err)
		return
	}
	guidance, err := stringField(data, "guidance", true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	correction, err := s.orch.CorrectCheckpoint(r.Context(), checkpointID, ids.ID(subtaskIDStr), domain.CorrectionCategory(category), guidance)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, correction)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	return n
}
