package wsgateway

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/swarmguard/orchestrator/internal/eventbus"
	"github.com/swarmguard/orchestrator/internal/ids"
)

func dialURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/events"
}

func TestHandlerStreamsPublishedEvents(t *testing.T) {
	bus := eventbus.New(16)
	srv := httptest.NewServer(Handler(bus, "tasks"))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(dialURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	taskID := ids.New()
	bus.Publish("tasks", eventbus.KindTaskUpdate, taskID, map[string]string{"state": "Running"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev eventbus.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != eventbus.KindTaskUpdate || ev.TaskID != taskID {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestHandlerFiltersByKind(t *testing.T) {
	bus := eventbus.New(16)
	srv := httptest.NewServer(Handler(bus, "tasks"))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(dialURL(srv.URL)+"?kind=task-complete", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	bus.Publish("tasks", eventbus.KindTaskUpdate, ids.New(), nil)
	bus.Publish("tasks", eventbus.KindTaskComplete, ids.New(), nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev eventbus.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != eventbus.KindTaskComplete {
		t.Fatalf("expected only the task-complete kind to be delivered, got %s", ev.Kind)
	}
}

func TestParseKinds(t *testing.T) {
	if got := parseKinds(""); got != nil {
		t.Fatalf("expected nil for an empty filter, got %v", got)
	}
	got := parseKinds("task-update, task-complete")
	if len(got) != 2 || got[0] != eventbus.KindTaskUpdate || got[1] != eventbus.KindTaskComplete {
		t.Fatalf("unexpected parsed kinds: %v", got)
	}
}
