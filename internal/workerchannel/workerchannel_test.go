package workerchannel

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/orchestrator/internal/domain"
	"github.com/swarmguard/orchestrator/internal/eventbus"
	"github.com/swarmguard/orchestrator/internal/ids"
	"github.com/swarmguard/orchestrator/internal/store/boltstore"
	"github.com/swarmguard/orchestrator/internal/workerreg"
)

type recordingResults struct {
	mu    sync.Mutex
	calls []domain.Output
	fails []string
}

func (r *recordingResults) HandleSubtaskResult(ctx context.Context, taskID, subtaskID ids.ID, output domain.Output, failErr string, transient bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if failErr != "" {
		r.fails = append(r.fails, failErr)
		return nil
	}
	r.calls = append(r.calls, output)
	return nil
}

func (r *recordingResults) resultCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recordingResults) firstResult() domain.Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[0]
}

type recordingLossNotifier struct {
	lost []ids.ID
}

func (r *recordingLossNotifier) OnWorkerLost(ctx context.Context, workerID ids.ID) error {
	r.lost = append(r.lost, workerID)
	return nil
}

func dialURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http")
}

func TestRegisterHeartbeatAndDispatchRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "workerchannel.db")
	st, err := boltstore.Open(dbPath, otel.Meter("workerchannel-test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	bus := eventbus.New(16)
	workers := workerreg.New(st, bus, time.Minute, 4)
	results := &recordingResults{}
	lost := &recordingLossNotifier{}
	srv := New(st, workers, results, lost, time.Minute)

	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	ws, _, err := websocket.DefaultDialer.Dial(dialURL(httpSrv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	regPayload, _ := json.Marshal(registerPayload{MachineName: "worker-1", Capabilities: []string{"claude"}, LocalResident: true})
	if err := ws.WriteJSON(envelope{Type: "register", Payload: regPayload}); err != nil {
		t.Fatalf("write register: %v", err)
	}

	var ack envelope
	if err := ws.ReadJSON(&ack); err != nil {
		t.Fatalf("read registered ack: %v", err)
	}
	if ack.Type != "registered" {
		t.Fatalf("expected registered ack, got %q", ack.Type)
	}
	var registered registeredPayload
	if err := json.Unmarshal(ack.Payload, &registered); err != nil {
		t.Fatalf("decode registered payload: %v", err)
	}
	if registered.WorkerID.Empty() {
		t.Fatalf("expected a non-empty assigned worker id")
	}

	hbPayload, _ := json.Marshal(heartbeatPayload{WorkerID: registered.WorkerID, CPUPercent: 12, Load: 1})
	if err := ws.WriteJSON(envelope{Type: "heartbeat", Payload: hbPayload}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	// Dispatch relies on the server having registered the connection
	// under the assigned worker id; give the read pump a moment to settle.
	deadline := time.Now().Add(2 * time.Second)
	for {
		w, err := st.GetWorker(context.Background(), registered.WorkerID)
		if err != nil {
			t.Fatalf("get worker: %v", err)
		}
		if w != nil && w.Load == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("heartbeat never applied")
		}
		time.Sleep(10 * time.Millisecond)
	}

	taskID, subID := ids.New(), ids.New()
	sub := &domain.Subtask{ID: subID, TaskID: taskID, Kind: domain.KindWork, Name: "do-work", Description: "do the thing", RecommendedTool: "claude", State: domain.SubtaskRunning}
	if err := st.CreateSubtask(context.Background(), sub); err != nil {
		t.Fatalf("create subtask: %v", err)
	}

	if err := srv.Dispatch(context.Background(), registered.WorkerID, sub, 1); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var exec envelope
	if err := ws.ReadJSON(&exec); err != nil {
		t.Fatalf("read execute_task: %v", err)
	}
	if exec.Type != "execute_task" {
		t.Fatalf("expected execute_task, got %q", exec.Type)
	}
	var execPayload executeTaskPayload
	if err := json.Unmarshal(exec.Payload, &execPayload); err != nil {
		t.Fatalf("decode execute_task payload: %v", err)
	}
	if execPayload.SubtaskID != subID || execPayload.Attempt != 1 {
		t.Fatalf("unexpected execute_task payload: %+v", execPayload)
	}

	resultPayload, _ := json.Marshal(taskResultPayload{SubtaskID: subID, Attempt: 1, Status: "completed", Output: domain.Output{Text: "ok"}})
	if err := ws.WriteJSON(envelope{Type: "task_result", Payload: resultPayload}); err != nil {
		t.Fatalf("write task_result: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		if results.resultCount() == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task_result never reached the result handler")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := results.firstResult(); got.Text != "ok" {
		t.Fatalf("unexpected output forwarded: %+v", got)
	}
}

func TestDispatchWithoutConnectionFails(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "workerchannel.db")
	st, err := boltstore.Open(dbPath, otel.Meter("workerchannel-test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	bus := eventbus.New(16)
	workers := workerreg.New(st, bus, time.Minute, 4)
	srv := New(st, workers, &recordingResults{}, &recordingLossNotifier{}, time.Minute)

	sub := &domain.Subtask{ID: ids.New(), TaskID: ids.New(), Kind: domain.KindWork}
	if err := srv.Dispatch(context.Background(), ids.New(), sub, 1); err == nil {
		t.Fatalf("expected an error dispatching to a worker with no live connection")
	}
}

func TestCancelWithoutConnectionIsNoOp(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "workerchannel.db")
	st, err := boltstore.Open(dbPath, otel.Meter("workerchannel-test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	bus := eventbus.New(16)
	workers := workerreg.New(st, bus, time.Minute, 4)
	srv := New(st, workers, &recordingResults{}, &recordingLossNotifier{}, time.Minute)

	if err := srv.Cancel(context.Background(), ids.New(), ids.New()); err != nil {
		t.Fatalf("expected cancel against an unreachable worker to be a no-op, got %v", err)
	}
}
