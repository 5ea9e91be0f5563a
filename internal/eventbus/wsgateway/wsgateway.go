// Package wsgateway exposes the event bus to UI clients over
// gorilla/websocket: clients subscribe by kind and optionally by task id
// via query parameters, then receive a JSON-encoded event per message
// (spec.md §6 "Event stream").
package wsgateway

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/swarmguard/orchestrator/internal/eventbus"
	"github.com/swarmguard/orchestrator/internal/ids"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler returns an http.HandlerFunc that upgrades to a websocket and
// streams bus events filtered by the request's "kind" and "task_id" query
// parameters.
func Handler(bus *eventbus.Bus, topic string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("wsgateway: upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		kinds := parseKinds(r.URL.Query().Get("kind"))
		taskFilter := ids.ID(r.URL.Query().Get("task_id"))

		sub := bus.Subscribe(r.Context(), topic, kinds, 0)
		defer sub.Close()

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		go drainReads(conn)

		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case ev, ok := <-sub.Events:
				if !ok {
					return
				}
				if taskFilter != "" && ev.TaskID != "" && ev.TaskID != taskFilter {
					continue
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}

// drainReads discards inbound client frames; the protocol is
// server-push-only, but reads must still be pumped so pong control
// frames and close frames are processed.
func drainReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func parseKinds(raw string) []eventbus.Kind {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]eventbus.Kind, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, eventbus.Kind(p))
		}
	}
	return out
}
