// Command orchestrator runs the Task Orchestrator service: the BoltDB
// state store, the decomposition/scheduling/evaluation/review/checkpoint
// pipeline, the worker channel, the event bus websocket feed, and the
// Control API, all behind one HTTP listener. Grounded on the teacher's
// services/orchestrator/main.go wiring shape (logging.Init, signal
// context, otelinit tracer/metrics, a single http.ServeMux, graceful
// shutdown), generalized from the teacher's in-memory workflow store and
// inline DAG executor to the store-backed, multi-package pipeline built
// out under internal/.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/swarmguard/libs/go/core/logging"
	"github.com/swarmguard/libs/go/core/otelinit"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/orchestrator/internal/checkpoint"
	"github.com/swarmguard/orchestrator/internal/config"
	"github.com/swarmguard/orchestrator/internal/decomposer"
	"github.com/swarmguard/orchestrator/internal/eventbus"
	"github.com/swarmguard/orchestrator/internal/eventbus/wsgateway"
	"github.com/swarmguard/orchestrator/internal/evaluator"
	"github.com/swarmguard/orchestrator/internal/httpapi"
	"github.com/swarmguard/orchestrator/internal/orchestrator"
	"github.com/swarmguard/orchestrator/internal/review"
	"github.com/swarmguard/orchestrator/internal/scheduler"
	"github.com/swarmguard/orchestrator/internal/store/boltstore"
	"github.com/swarmguard/orchestrator/internal/workerchannel"
	"github.com/swarmguard/orchestrator/internal/workerreg"
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	service := "orchestrator"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)

	cfgSource, err := config.Load(getenv("ORCHESTRATOR_CONFIG", ""))
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	cfg := cfgSource.Current()

	st, err := boltstore.Open(getenv("ORCHESTRATOR_DB_PATH", "orchestrator.db"), meter)
	if err != nil {
		slog.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	bus := eventbus.New(cfg.EventBusReplaySize)
	go cfgSource.Watch(ctx, func(config.Config) {
		slog.Info("config reloaded")
	}, func(err error) {
		slog.Warn("config reload failed, keeping previous config", "error", err)
	})

	workers := workerreg.New(st, bus, cfg.HeartbeatLossWindow, cfg.MaxConcurrentPerWorker)
	go workers.Start(ctx)

	sched := scheduler.New(st, bus, workers, nil)
	dec := decomposer.New(nil, cfg.LLMDecompositionTimeout)
	pipeline := evaluator.New(0)
	pipeline.Register("correctness", evaluator.CorrectnessApplicable, evaluator.CorrectnessScore, cfg.EvaluatorWeights["correctness"])
	pipeline.Register("quality", evaluator.QualityApplicable, evaluator.QualityScore, cfg.EvaluatorWeights["quality"])
	if err := pipeline.SetWeights(cfg.EvaluatorWeights); err != nil {
		slog.Error("evaluator weights invalid", "error", err)
		os.Exit(1)
	}
	rev := review.New(st)
	ckpt := checkpoint.New(st, bus)

	channel := workerchannel.New(st, workers, nil, sched, cfg.HeartbeatLossWindow)
	sched.SetDispatcher(channel)

	orch := orchestrator.New(st, bus, dec, sched, pipeline, rev, ckpt, workers, channel)
	channel.SetResults(orch)

	api := httpapi.New(meter, orch, st, workers)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/v1/", api.Router())
	mux.HandleFunc("/v1/workers/channel", channel.Handler())
	mux.HandleFunc("/v1/events/tasks", wsgateway.Handler(bus, "tasks"))
	mux.HandleFunc("/v1/events/workers", wsgateway.Handler(bus, "workers"))

	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("/metrics", h)
		}
	}

	addr := getenv("ORCHESTRATOR_ADDR", ":8080")
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("service started", "addr", addr)

	<-ctx.Done()
	slog.Info("shutdown initiated")
	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}
