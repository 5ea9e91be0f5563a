// Package workerreg is the Worker Registry (spec.md §4.3): registration
// is durable via the state store, liveness is an in-memory TTL refreshed
// by heartbeats, and a cron-driven sweeper guarantees bounded detection
// latency even when a worker goes silent without a clean deregistration.
package workerreg

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/orchestrator/internal/domain"
	"github.com/swarmguard/orchestrator/internal/eventbus"
	"github.com/swarmguard/orchestrator/internal/ids"
	"github.com/swarmguard/orchestrator/internal/store"
)

// Registry tracks worker identity, live resource metrics, and
// online/busy/offline transitions.
type Registry struct {
	store store.Store
	bus   *eventbus.Bus

	lossWindow time.Duration
	concurrent int // max-concurrent-subtasks-per-worker, drives Online<->Busy

	mu        sync.Mutex
	liveness  map[ids.ID]time.Time
	cron      *cron.Cron

	offlineTransitions metric.Int64Counter
}

// New constructs a Registry. lossWindow is the heartbeat-loss window
// (spec.md default 120s); concurrentLimit is the per-worker concurrency
// ceiling that drives the Online<->Busy transition.
func New(st store.Store, bus *eventbus.Bus, lossWindow time.Duration, concurrentLimit int) *Registry {
	meter := otel.Meter("orchestrator")
	offline, _ := meter.Int64Counter("orchestrator_workerreg_offline_transitions_total")
	return &Registry{
		store:               st,
		bus:                 bus,
		lossWindow:          lossWindow,
		concurrent:          concurrentLimit,
		liveness:            make(map[ids.ID]time.Time),
		offlineTransitions: offline,
	}
}

// Start launches the liveness sweeper, running at half the loss window
// per spec.md §4.3, and blocks until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	r.cron = cron.New()
	sweepEvery := r.lossWindow / 2
	_, err := r.cron.AddFunc("@every "+sweepEvery.String(), func() { r.sweep(context.Background()) })
	if err != nil {
		slog.Error("workerreg: failed to schedule sweeper", "error", err)
	}
	r.cron.Start()
	r.mu.Unlock()

	<-ctx.Done()
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
}

// Register persists a new worker identity at Online state.
func (r *Registry) Register(ctx context.Context, machineName string, capabilities []string, localResident bool) (*domain.Worker, error) {
	w := &domain.Worker{
		ID:            ids.New(),
		MachineName:   machineName,
		Capabilities:  capabilities,
		State:         domain.WorkerOnline,
		LocalResident: localResident,
		LastHeartbeat: time.Now().UTC(),
		RegisteredAt:  time.Now().UTC(),
	}
	if err := r.store.UpsertWorker(ctx, w); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.liveness[w.ID] = w.LastHeartbeat
	r.mu.Unlock()
	r.bus.Publish("workers", eventbus.KindWorkerUpdate, "", w)
	return w, nil
}

// Heartbeat refreshes the TTL and updates resource metrics, publishing a
// worker-update event only when the snapshot actually changed (spec.md
// §8: identical heartbeats must not duplicate events).
func (r *Registry) Heartbeat(ctx context.Context, id ids.ID, res domain.ResourceSnapshot, load int) error {
	now := time.Now().UTC()
	r.mu.Lock()
	r.liveness[id] = now
	r.mu.Unlock()

	var changed bool
	err := r.store.UpdateWorker(ctx, id, func(w *domain.Worker) error {
		changed = w.Resources != res || w.Load != load || w.State == domain.WorkerOffline
		w.Resources = res
		w.Load = load
		w.LastHeartbeat = now
		if load >= r.concurrent {
			w.State = domain.WorkerBusy
		} else {
			w.State = domain.WorkerOnline
		}
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		w, _ := r.store.GetWorker(ctx, id)
		r.bus.Publish("workers", eventbus.KindWorkerUpdate, "", w)
	}
	return nil
}

// List returns all registered workers, with any worker whose heartbeat
// TTL has expired reflected as Offline immediately rather than waiting
// for the next sweep.
func (r *Registry) List(ctx context.Context) ([]*domain.Worker, error) {
	all, err := r.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	return r.expireStaleWorkers(ctx, all), nil
}

// GetWorker returns a single worker by id, satisfying
// scheduler.WorkerSource, with the same inline staleness check as List.
func (r *Registry) GetWorker(ctx context.Context, id ids.ID) (*domain.Worker, error) {
	w, err := r.store.GetWorker(ctx, id)
	if err != nil || w == nil {
		return w, err
	}
	return r.expireStaleWorkers(ctx, []*domain.Worker{w})[0], nil
}

// OnlineCapable returns online (non-offline, non-overloaded-exclusion
// aside) workers offering tool, used by the scheduler's candidate
// search. A worker past its loss window is excluded even if the
// periodic sweep hasn't caught it yet.
func (r *Registry) OnlineCapable(ctx context.Context, tool string) ([]*domain.Worker, error) {
	all, err := r.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	all = r.expireStaleWorkers(ctx, all)
	out := make([]*domain.Worker, 0, len(all))
	for _, w := range all {
		if w.State == domain.WorkerOffline {
			continue
		}
		if tool == "" || w.Offers(tool) {
			out = append(out, w)
		}
	}
	return out, nil
}

// expireStaleWorkers transitions any non-Offline worker in workers whose
// last heartbeat exceeds the loss window to Offline, persisting the
// transition the same way sweep does, and returns workers with those
// entries updated in place. Both the read paths (List, GetWorker,
// OnlineCapable) and the periodic sweeper call this so a worker never
// appears live for longer than the loss window regardless of which path
// observes it first.
func (r *Registry) expireStaleWorkers(ctx context.Context, workers []*domain.Worker) []*domain.Worker {
	now := time.Now().UTC()
	for i, w := range workers {
		if w == nil || w.State == domain.WorkerOffline {
			continue
		}
		r.mu.Lock()
		last, known := r.liveness[w.ID]
		r.mu.Unlock()
		if !known || now.Sub(last) < r.lossWindow {
			continue
		}
		if err := r.store.UpdateWorker(ctx, w.ID, func(ww *domain.Worker) error {
			if ww.State == domain.WorkerOffline {
				return nil
			}
			ww.State = domain.WorkerOffline
			return nil
		}); err != nil {
			slog.Error("workerreg: inline expiry failed", "worker", w.ID, "error", err)
			continue
		}
		r.offlineTransitions.Add(ctx, 1)
		updated := *w
		updated.State = domain.WorkerOffline
		workers[i] = &updated
		r.bus.Publish("workers", eventbus.KindWorkerUpdate, "", &updated)
	}
	return workers
}

// sweep is the periodic backstop: it catches workers that nothing has
// read (and therefore nothing has inline-expired) since they went
// stale. Called by the cron schedule at half the loss window; also safe
// to call directly (e.g. from tests) since it is idempotent.
func (r *Registry) sweep(ctx context.Context) {
	all, err := r.store.ListWorkers(ctx)
	if err != nil {
		slog.Error("workerreg: sweep list failed", "error", err)
		return
	}
	r.expireStaleWorkers(ctx, all)
}

// Deregister removes a worker's record from the store and its liveness
// entry. The record is deleted outright, not kept as a soft-deleted row.
func (r *Registry) Deregister(ctx context.Context, id ids.ID) error {
	r.mu.Lock()
	delete(r.liveness, id)
	r.mu.Unlock()
	return r.store.DeleteWorker(ctx, id)
}
