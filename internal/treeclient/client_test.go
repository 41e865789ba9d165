package treeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThomasVuNguyen/village/internal/fault"
	"github.com/ThomasVuNguyen/village/internal/tree"
)

func TestClientRoundTrips(t *testing.T) {
	var gotAuth, gotIfNoneMatch string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotIfNoneMatch = r.Header.Get("If-None-Match")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/tree/devices/d1":
			fmt.Fprint(w, `{"name":"d1"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/tree/missing":
			fmt.Fprint(w, `null`)
		case r.Method == http.MethodPut && r.URL.Path == "/tree/devices/d1":
			fmt.Fprint(w, `{"name":"d1"}`)
		case r.Method == http.MethodPost && r.URL.Path == "/tree/routes":
			fmt.Fprint(w, `{"name":"-Nabc"}`)
		case r.Method == http.MethodDelete && r.URL.Path == "/tree/devices/d1":
			fmt.Fprint(w, `null`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"code":"not_found","detail":"no handler"}`)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := New(srv.URL, "tok-1")

	raw, err := c.Get(ctx, "devices/d1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(raw) != `{"name":"d1"}` {
		t.Fatalf("Get = %s", raw)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("Authorization = %q", gotAuth)
	}

	raw, err = c.Get(ctx, "missing")
	if err != nil || raw != nil {
		t.Fatalf("Get missing = %s, %v; want nil, nil", raw, err)
	}

	if err := c.Set(ctx, "devices/d1", map[string]string{"name": "d1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	id, err := c.Push(ctx, "routes", map[string]string{"command": "ls"})
	if err != nil || id != "-Nabc" {
		t.Fatalf("Push = %q, %v", id, err)
	}

	if err := c.Delete(ctx, "devices/d1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if err := c.Create(ctx, "devices/d1", map[string]string{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if gotIfNoneMatch != "*" {
		t.Fatalf("If-None-Match = %q, want *", gotIfNoneMatch)
	}
}

func TestClientErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tree/forbidden":
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"code":"forbidden","detail":"not yours"}`)
		case "/tree/occupied":
			w.WriteHeader(http.StatusConflict)
			fmt.Fprint(w, `{"code":"conflict","detail":"already exists"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"code":"not_found","detail":"nope"}`)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := New(srv.URL, "")

	if _, err := c.Get(ctx, "forbidden"); !errors.Is(err, fault.ErrForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
	if _, err := c.Get(ctx, "gone"); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
	// Conflict on conditional create surfaces as the store's ErrExists.
	if err := c.Create(ctx, "occupied", map[string]string{}); err != tree.ErrExists {
		t.Fatalf("Create = %v, want tree.ErrExists", err)
	}
}

func TestSubscribeStreamAndReconnect(t *testing.T) {
	var connects atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n := connects.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)

		fmt.Fprintf(w, "event: put\ndata: {\"path\":\"/\",\"data\":{\"r1\":{\"status\":\"pending\"}}}\n\n")
		fl.Flush()
		if n == 1 {
			fmt.Fprintf(w, "event: put\ndata: {\"path\":\"/r2\",\"data\":{\"status\":\"pending\"}}\n\n")
			fl.Flush()
			return // drop the connection to force a reconnect
		}
		fmt.Fprintf(w, "event: put\ndata: {\"path\":\"/r1\",\"data\":null}\n\n")
		fl.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx := context.Background()
	c := New(srv.URL, "", WithReconnectBackoff(20*time.Millisecond))
	sub, err := c.Subscribe(ctx, "routes")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	next := func(what string) tree.Event {
		t.Helper()
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("stream closed waiting for %s: %v", what, sub.Err())
			}
			return ev
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", what)
		}
		return tree.Event{}
	}

	if ev := next("snapshot"); ev.Path != "/" {
		t.Fatalf("first event path = %q, want /", ev.Path)
	}
	if ev := next("r2 change"); ev.Path != "/r2" {
		t.Fatalf("second event path = %q, want /r2", ev.Path)
	}

	// Connection drops; the client reconnects and the server re-sends the
	// snapshot before new changes.
	ev := next("snapshot after reconnect")
	if ev.Path != "/" {
		t.Fatalf("reconnect event path = %q, want /", ev.Path)
	}
	var snap map[string]json.RawMessage
	if err := json.Unmarshal(ev.Data, &snap); err != nil {
		t.Fatalf("snapshot data: %v", err)
	}
	if _, ok := snap["r1"]; !ok {
		t.Fatalf("snapshot missing r1: %s", ev.Data)
	}

	ev = next("r1 delete")
	if ev.Path != "/r1" || ev.Data != nil {
		t.Fatalf("delete event = %+v, want /r1 with nil data", ev)
	}
	if connects.Load() < 2 {
		t.Fatalf("connects = %d, want reconnect", connects.Load())
	}
}
