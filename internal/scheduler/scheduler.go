// Package scheduler implements the DAG Scheduler (spec.md §4.2): per-task
// Ready/Running/Done/Failed sets, priority/complexity ordering, worker
// selection scoring, and the worker-loss reclaim path. Grounded on the
// teacher's DAGEngine.executeDAG Kahn's-algorithm worker pool, generalized
// from one static DAG-per-run to persistent, event-driven, multi-task
// scheduling backed by the state store.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/orchestrator/internal/domain"
	"github.com/swarmguard/orchestrator/internal/eventbus"
	"github.com/swarmguard/orchestrator/internal/ids"
	"github.com/swarmguard/orchestrator/internal/resilience"
	"github.com/swarmguard/orchestrator/internal/store"
)

// WorkerSource answers candidate-worker queries. internal/workerreg.Registry
// satisfies this.
type WorkerSource interface {
	OnlineCapable(ctx context.Context, tool string) ([]*domain.Worker, error)
	GetWorker(ctx context.Context, id ids.ID) (*domain.Worker, error)
}

// Dispatcher delivers execute_task/cancel_task messages to a worker over
// the worker channel (spec.md §6). Implemented by internal/workerchannel;
// modeled here as an interface the same way the teacher's DAGEngine takes
// a TaskExecutor rather than owning dispatch itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, workerID ids.ID, s *domain.Subtask, attempt int) error
	Cancel(ctx context.Context, workerID ids.ID, subtaskID ids.ID) error
}

// resourceExclusionThreshold exludes any worker with a resource at or
// above this utilization (spec.md §4.2).
const resourceExclusionThreshold = 90.0

// taskState is the in-memory Ready/Running/Done/Failed tracking for one
// task's DAG, guarded by its own mutex so that scheduling decisions for
// different tasks never contend. This plays the same role as the
// teacher's per-execution WorkflowExecution.mu.
type taskState struct {
	mu      sync.Mutex
	ready   map[ids.ID]bool
	running map[ids.ID]bool
	done    map[ids.ID]bool
	failed  map[ids.ID]bool
}

// Scheduler admits tasks, advances their DAGs on subtask completion, and
// reclaims work on worker loss. All methods are safe under concurrent
// callers (spec.md §4.2 contract).
type Scheduler struct {
	store      store.Store
	bus        *eventbus.Bus
	workers    WorkerSource
	dispatcher Dispatcher
	retryPolicy resilience.Policy

	mu     sync.Mutex
	states map[ids.ID]*taskState

	dispatched   metric.Int64Counter
	noEligible   metric.Int64Counter
	progressHist metric.Float64Histogram
}

// New constructs a Scheduler. dispatcher may be nil at construction time
// and wired in later via SetDispatcher (cmd/orchestrator wires it once
// the worker channel server is listening).
func New(st store.Store, bus *eventbus.Bus, workers WorkerSource, dispatcher Dispatcher) *Scheduler {
	meter := otel.Meter("orchestrator")
	dispatched, _ := meter.Int64Counter("orchestrator_scheduler_dispatched_total")
	noEligible, _ := meter.Int64Counter("orchestrator_scheduler_no_eligible_worker_total")
	progressHist, _ := meter.Float64Histogram("orchestrator_scheduler_progress_percent")
	return &Scheduler{
		store:       st,
		bus:         bus,
		workers:     workers,
		dispatcher:  dispatcher,
		retryPolicy: resilience.DefaultSubtaskRetryPolicy(),
		states:      make(map[ids.ID]*taskState),
		dispatched:  dispatched,
		noEligible:  noEligible,
		progressHist: progressHist,
	}
}

// SetDispatcher wires the worker-channel dispatcher after construction.
func (s *Scheduler) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	s.dispatcher = d
	s.mu.Unlock()
}

func (s *Scheduler) stateFor(taskID ids.ID) *taskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.states[taskID]
	if !ok {
		ts = &taskState{
			ready:   make(map[ids.ID]bool),
			running: make(map[ids.ID]bool),
			done:    make(map[ids.ID]bool),
			failed:  make(map[ids.ID]bool),
		}
		s.states[taskID] = ts
	}
	return ts
}

// Submit admits a task's DAG: every subtask with no dependencies joins
// Ready, the rest stay Pending until their dependencies complete. Then
// runs one scheduling pass.
func (s *Scheduler) Submit(ctx context.Context, taskID ids.ID, subtasks []*domain.Subtask) error {
	ts := s.stateFor(taskID)
	ts.mu.Lock()
	for _, sub := range subtasks {
		if sub.Kind != domain.KindWork {
			continue // Review/Correction subtasks are spawned later, not part of the initial admit
		}
		if len(sub.Dependencies) == 0 {
			ts.ready[sub.ID] = true
		}
	}
	ts.mu.Unlock()
	return s.schedule(ctx, taskID)
}

// schedule runs the scheduling loop for one task: while Ready is
// non-empty, pop by (descending priority, ascending complexity, FIFO),
// select a worker, dispatch. Subtasks that find no eligible worker stay
// Ready until the task's next scheduling pass; registry events (worker
// registration, heartbeats) do not start one.
func (s *Scheduler) schedule(ctx context.Context, taskID ids.ID) error {
	ts := s.stateFor(taskID)

	for {
		ts.mu.Lock()
		if len(ts.ready) == 0 {
			ts.mu.Unlock()
			return nil
		}
		candidateIDs := make([]ids.ID, 0, len(ts.ready))
		for id := range ts.ready {
			candidateIDs = append(candidateIDs, id)
		}
		ts.mu.Unlock()

		ordered, err := s.orderReady(ctx, candidateIDs)
		if err != nil {
			return err
		}

		dispatchedAny := false
		for _, sub := range ordered {
			task, err := s.store.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			worker, err := s.selectWorker(ctx, task, sub)
			if err != nil {
				return err
			}
			if worker == nil {
				s.noEligible.Add(ctx, 1)
				s.bus.Publish("tasks", eventbus.KindActivityLog, taskID, map[string]string{
					"message": "no eligible workers", "subtask": string(sub.ID),
				})
				continue
			}
			if err := s.assign(ctx, taskID, sub, worker); err != nil {
				return err
			}
			dispatchedAny = true
		}
		if !dispatchedAny {
			return nil
		}
	}
}

// orderReady loads and sorts Ready subtasks by (descending priority,
// ascending complexity, FIFO by CreatedAt).
func (s *Scheduler) orderReady(ctx context.Context, ids_ []ids.ID) ([]*domain.Subtask, error) {
	out := make([]*domain.Subtask, 0, len(ids_))
	for _, id := range ids_ {
		sub, err := s.store.GetSubtask(ctx, id)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			continue
		}
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if out[i].Complexity != out[j].Complexity {
			return out[i].Complexity < out[j].Complexity
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// selectWorker implements spec.md §4.2's scoring formula:
// 0.5*tool_match + 0.3*resource_headroom + 0.2*privacy_fit, excluding any
// worker with a resource >= 90%, ties broken by ascending load then
// registration time.
func (s *Scheduler) selectWorker(ctx context.Context, task *domain.Task, sub *domain.Subtask) (*domain.Worker, error) {
	candidates, err := s.workers.OnlineCapable(ctx, "")
	if err != nil {
		return nil, err
	}

	type scored struct {
		w     *domain.Worker
		score float64
	}
	var pool []scored
	for _, w := range candidates {
		if w.Resources.Max() >= resourceExclusionThreshold {
			continue
		}
		pool = append(pool, scored{w: w, score: workerScore(w, task, sub)})
	}
	if len(pool) == 0 {
		return nil, nil
	}
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].score != pool[j].score {
			return pool[i].score > pool[j].score
		}
		if pool[i].w.Load != pool[j].w.Load {
			return pool[i].w.Load < pool[j].w.Load
		}
		return pool[i].w.RegisteredAt.Before(pool[j].w.RegisteredAt)
	})
	return pool[0].w, nil
}

func workerScore(w *domain.Worker, task *domain.Task, sub *domain.Subtask) float64 {
	toolMatch := 0.0
	if sub.RecommendedTool != "" && w.Offers(sub.RecommendedTool) {
		toolMatch = 1
	} else if acceptableToolOffered(w, task.Config.PreferredTools) {
		toolMatch = 0.5
	}

	headroom := 1 - w.Resources.Max()/100
	if headroom < 0 {
		headroom = 0
	}
	if headroom > 1 {
		headroom = 1
	}

	privacyFit := 0.5
	if task.Config.PrivacyLevel == domain.PrivacySensitive {
		if w.LocalResident {
			privacyFit = 1
		} else {
			privacyFit = 0
		}
	} else {
		privacyFit = 1
	}

	return 0.5*toolMatch + 0.3*headroom + 0.2*privacyFit
}

func acceptableToolOffered(w *domain.Worker, acceptable []string) bool {
	for _, tool := range acceptable {
		if w.Offers(tool) {
			return true
		}
	}
	return false
}

// AssignSubtask dispatches sub to worker directly, bypassing the
// scoring pass in schedule(). Used when the caller has already picked
// the worker under a constraint the generic score doesn't express — a
// peer review's reviewer must be distinct from the original author
// (spec.md §4.6).
func (s *Scheduler) AssignSubtask(ctx context.Context, taskID ids.ID, sub *domain.Subtask, worker *domain.Worker) error {
	return s.assign(ctx, taskID, sub, worker)
}

// assign transitions sub Ready->Assigned->Running, persists the
// assignment, and dispatches it to worker.
func (s *Scheduler) assign(ctx context.Context, taskID ids.ID, sub *domain.Subtask, worker *domain.Worker) error {
	ts := s.stateFor(taskID)
	ts.mu.Lock()
	delete(ts.ready, sub.ID)
	ts.running[sub.ID] = true
	ts.mu.Unlock()

	now := time.Now().UTC()
	if err := s.store.UpdateSubtask(ctx, sub.ID, func(st *domain.Subtask) error {
		st.State = domain.SubtaskRunning
		st.AssignedWorker = &worker.ID
		st.UpdatedAt = now
		return nil
	}); err != nil {
		return err
	}
	if err := s.store.UpdateWorker(ctx, worker.ID, func(w *domain.Worker) error {
		w.Load++
		return nil
	}); err != nil {
		return err
	}

	s.bus.Publish("tasks", eventbus.KindSubtaskUpdate, taskID, map[string]any{
		"subtask_id": sub.ID, "state": domain.SubtaskRunning, "worker_id": worker.ID,
	})

	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, worker.ID, sub, sub.RetryCount+1); err != nil {
			slog.Error("scheduler: dispatch failed", "subtask", sub.ID, "worker", worker.ID, "error", err)
		}
	}
	s.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", sub.RecommendedTool)))
	return nil
}

// AdmitSubtasks adds newly spawned subtasks (reviews, corrections) to an
// already-running task's DAG without resetting its Ready/Running/Done
// sets, then runs one scheduling pass. Dependencies living outside
// newSubtasks (e.g. a review depending on the original work subtask,
// already Done) are resolved against the task's current Done set.
func (s *Scheduler) AdmitSubtasks(ctx context.Context, taskID ids.ID, newSubtasks []*domain.Subtask) error {
	ts := s.stateFor(taskID)
	ts.mu.Lock()
	for _, sub := range newSubtasks {
		if sub.DependenciesSatisfied(ts.done) {
			ts.ready[sub.ID] = true
		}
	}
	ts.mu.Unlock()
	return s.schedule(ctx, taskID)
}

// Resume re-runs the scheduling loop for taskID without altering its
// Ready/Running/Done/Failed sets — used after a checkpoint approval
// re-enables a task that scheduling had been suspended for.
func (s *Scheduler) Resume(ctx context.Context, taskID ids.ID) error {
	return s.schedule(ctx, taskID)
}

// OnSubtaskComplete advances the DAG: moves sub to Done, atomically
// recomputes progress, promotes newly-Ready children, and emits a
// progress event. Recomputation is serialized per task via the store's
// row-level lock (spec.md §4.2, §5).
func (s *Scheduler) OnSubtaskComplete(ctx context.Context, taskID ids.ID, subtaskID ids.ID, output domain.Output) error {
	ts := s.stateFor(taskID)

	sub, err := s.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	if sub == nil || sub.State == domain.SubtaskCompleted {
		return nil // idempotent: re-applying a completed result is a no-op (spec.md §8)
	}

	now := time.Now().UTC()
	if err := s.store.UpdateSubtask(ctx, subtaskID, func(st *domain.Subtask) error {
		st.State = domain.SubtaskCompleted
		st.Output = &output
		st.UpdatedAt = now
		return nil
	}); err != nil {
		return err
	}
	if sub.AssignedWorker != nil {
		if err := s.store.UpdateWorker(ctx, *sub.AssignedWorker, func(w *domain.Worker) error {
			if w.Load > 0 {
				w.Load--
			}
			return nil
		}); err != nil {
			return err
		}
	}

	ts.mu.Lock()
	delete(ts.running, subtaskID)
	ts.done[subtaskID] = true
	ts.mu.Unlock()

	all, err := s.store.ListSubtasksByTask(ctx, taskID)
	if err != nil {
		return err
	}
	workTotal, workDone := 0, 0
	doneSet := make(map[ids.ID]bool, len(all))
	for _, other := range all {
		if other.State == domain.SubtaskCompleted {
			doneSet[other.ID] = true
		}
		if other.Kind == domain.KindWork {
			workTotal++
			if other.State == domain.SubtaskCompleted {
				workDone++
			}
		}
	}

	ts.mu.Lock()
	for _, other := range all {
		if other.State != domain.SubtaskPending {
			continue
		}
		if _, already := ts.ready[other.ID]; already {
			continue
		}
		if other.DependenciesSatisfied(doneSet) {
			ts.ready[other.ID] = true
		}
	}
	ts.mu.Unlock()

	if err := s.store.UpdateTask(ctx, taskID, func(t *domain.Task) error {
		t.RecomputeProgress(workDone, workTotal, false)
		return nil
	}); err != nil {
		return err
	}
	updated, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	s.progressHist.Record(ctx, float64(updated.Progress))
	s.bus.Publish("tasks", eventbus.KindTaskUpdate, taskID, map[string]any{
		"progress": updated.Progress,
	})

	return s.schedule(ctx, taskID)
}

// OnSubtaskFailed handles a worker-reported failure. A transient failure
// returns the subtask to Ready at once until the retry policy's 3 attempts
// are used; the policy's backoff delays (base 10s, doubled, capped 60s)
// are not applied between attempts. Non-transient failures (validation or
// an explicit non-recoverable code from the worker) fail the subtask
// immediately.
func (s *Scheduler) OnSubtaskFailed(ctx context.Context, taskID ids.ID, subtaskID ids.ID, errText string, transient bool) error {
	ts := s.stateFor(taskID)

	sub, err := s.store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	if sub == nil || sub.State.Terminal() {
		return nil
	}

	ts.mu.Lock()
	delete(ts.running, subtaskID)
	ts.mu.Unlock()

	if sub.AssignedWorker != nil {
		_ = s.store.UpdateWorker(ctx, *sub.AssignedWorker, func(w *domain.Worker) error {
			if w.Load > 0 {
				w.Load--
			}
			return nil
		})
	}

	retriesRemaining := transient && sub.RetryCount+1 < s.retryPolicy.MaxAttempts
	if retriesRemaining {
		if err := s.store.UpdateSubtask(ctx, subtaskID, func(st *domain.Subtask) error {
			st.State = domain.SubtaskReady
			st.RetryCount++
			st.ErrorText = errText
			st.UpdatedAt = time.Now().UTC()
			return nil
		}); err != nil {
			return err
		}
		ts.mu.Lock()
		ts.ready[subtaskID] = true
		ts.mu.Unlock()
		s.bus.Publish("tasks", eventbus.KindActivityLog, taskID, map[string]string{
			"message": "subtask retrying", "subtask": string(subtaskID),
		})
		return s.schedule(ctx, taskID)
	}

	if err := s.store.UpdateSubtask(ctx, subtaskID, func(st *domain.Subtask) error {
		st.State = domain.SubtaskFailed
		st.ErrorText = errText
		st.UpdatedAt = time.Now().UTC()
		return nil
	}); err != nil {
		return err
	}
	ts.mu.Lock()
	ts.failed[subtaskID] = true
	ts.mu.Unlock()

	return s.store.UpdateTask(ctx, taskID, func(t *domain.Task) error {
		t.State = domain.TaskFailed
		return nil
	})
}

// OnWorkerLost reclaims every Running subtask assigned to worker: each
// returns to Ready with its retry counter incremented, and an
// activity-log event is emitted (spec.md §4.2).
func (s *Scheduler) OnWorkerLost(ctx context.Context, workerID ids.ID) error {
	s.mu.Lock()
	taskIDs := make([]ids.ID, 0, len(s.states))
	for id := range s.states {
		taskIDs = append(taskIDs, id)
	}
	s.mu.Unlock()

	for _, taskID := range taskIDs {
		subs, err := s.store.ListSubtasksByTask(ctx, taskID)
		if err != nil {
			return err
		}
		reclaimed := false
		ts := s.stateFor(taskID)
		for _, sub := range subs {
			if sub.State != domain.SubtaskRunning || sub.AssignedWorker == nil || *sub.AssignedWorker != workerID {
				continue
			}
			if err := s.store.UpdateSubtask(ctx, sub.ID, func(st *domain.Subtask) error {
				st.State = domain.SubtaskReady
				st.RetryCount++
				st.AssignedWorker = nil
				st.UpdatedAt = time.Now().UTC()
				return nil
			}); err != nil {
				return err
			}
			ts.mu.Lock()
			delete(ts.running, sub.ID)
			ts.ready[sub.ID] = true
			ts.mu.Unlock()
			reclaimed = true
			s.bus.Publish("tasks", eventbus.KindActivityLog, taskID, map[string]string{
				"message": "worker lost, subtask reclaimed", "subtask": string(sub.ID), "worker": string(workerID),
			})
		}
		if reclaimed {
			if err := s.schedule(ctx, taskID); err != nil {
				return err
			}
		}
	}
	return nil
}
