package lockwatch

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-dav/v1/davpath"
	"github.com/mirkobrombin/go-dav/v1/lock"
	"github.com/mirkobrombin/go-dav/v1/syncbus"
)

func TestRelated(t *testing.T) {
	cases := []struct {
		filter, path string
		want         bool
	}{
		{"/", "/docs/a", true},
		{"/docs", "/docs", true},
		{"/docs", "/docs/a/b", true},
		{"/docs/a", "/docs", true},
		{"/docs/a", "/docs/b", false},
		{"/docs", "/documents", false},
	}
	for _, c := range cases {
		if got := related(davpath.Parse(c.filter), davpath.Parse(c.path)); got != c.want {
			t.Fatalf("related(%s, %s) = %v, want %v", c.filter, c.path, got, c.want)
		}
	}
}

func TestSSEHandlerStream(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	srv := httptest.NewServer(SSEHandler(bus, lock.Topic))
	defer srv.Close()

	// Headers are flushed once the subscription is in place.
	resp, err := http.Get(srv.URL + "?path=/docs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	ev := syncbus.Event{Type: syncbus.EventLock, Path: "/docs/a.txt", Token: "urn:uuid:1", User: "alice"}
	if err := bus.Publish(context.Background(), lock.Topic, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	lines := make(chan []string, 1)
	go func() {
		reader := bufio.NewReader(resp.Body)
		var got []string
		for len(got) < 2 {
			line, err := reader.ReadString('\n')
			if err != nil {
				break
			}
			got = append(got, strings.TrimSpace(line))
		}
		lines <- got
	}()

	var got []string
	select {
	case got = <-lines:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	if len(got) != 2 || got[0] != "event: lock" {
		t.Fatalf("unexpected lines %q", got)
	}
	var decoded syncbus.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(got[1], "data: ")), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != ev {
		t.Fatalf("expected %+v got %+v", ev, decoded)
	}
}

func TestWebSocketHandlerStream(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	srv := httptest.NewServer(WebSocketHandler(bus, lock.Topic))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?path=/docs/a.txt"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// A depth-infinity lock on an ancestor concerns the watched path.
	ev := syncbus.Event{Type: syncbus.EventUnlock, Path: "/docs", Token: "urn:uuid:2", User: "bob"}
	if err := bus.Publish(context.Background(), lock.Topic, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var got syncbus.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != ev {
		t.Fatalf("expected %+v got %+v", ev, got)
	}
}
