// Package lockwatch streams lock events from a syncbus.Bus to HTTP clients,
// over Server-Sent Events or WebSocket.
package lockwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-dav/v1/davpath"
	"github.com/mirkobrombin/go-dav/v1/syncbus"
)

// related reports whether an event on p concerns a watcher of filter: locks
// below filter and locks on its ancestors both do.
func related(filter, p davpath.Path) bool {
	return filter.Contains(p) || p.IsAncestorOf(filter)
}

// subscribe reads the optional "path" query parameter and subscribes to
// topic. The returned cleanup must be called once streaming stops.
func subscribe(r *http.Request, bus syncbus.Bus, topic string) (davpath.Path, chan syncbus.Event, func(), error) {
	filter := davpath.Root()
	if q := r.URL.Query().Get("path"); q != "" {
		filter = davpath.Parse(q)
	}
	ctx, cancel := context.WithCancel(r.Context())
	ch, err := bus.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		return filter, nil, nil, err
	}
	return filter, ch, func() {
		cancel()
		_ = bus.Unsubscribe(context.Background(), topic, ch)
	}, nil
}

// SSEHandler streams the events published on topic as JSON data lines.
// Only events related to the "path" query parameter are sent.
func SSEHandler(bus syncbus.Bus, topic string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		filter, ch, done, err := subscribe(r, bus, topic)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer done()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if !related(filter, davpath.Parse(ev.Path)) {
					continue
				}
				data, err := json.Marshal(ev)
				if err != nil {
					slog.Warn("dav: encode lock event", "path", ev.Path, "error", err)
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams the events published on topic as JSON text
// messages, filtered like SSEHandler.
func WebSocketHandler(bus syncbus.Bus, topic string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, ch, done, err := subscribe(r, bus, topic)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer done()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// The read loop only notices the peer going away.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if !related(filter, davpath.Parse(ev.Path)) {
					continue
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-closed:
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}
