package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ThomasVuNguyen/village/internal/identity"
	"github.com/ThomasVuNguyen/village/internal/rpc"
	"github.com/ThomasVuNguyen/village/internal/tree"
	"github.com/ThomasVuNguyen/village/internal/treeclient"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	hash, err := identity.HashSecret("hunter2")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	creds := rpc.StaticCredentials{
		"alice": {PasswordHash: hash},
		"bob":   {PasswordHash: hash},
	}
	s := NewServer(tree.NewMemoryStore(), creds, identity.NewTokenMinter([]byte("test-secret"), time.Hour), nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func postJSON(t *testing.T, url, token string, body any) (int, map[string]json.RawMessage) {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, out
}

func rawString(t *testing.T, fields map[string]json.RawMessage, key string) string {
	t.Helper()
	var v string
	if err := json.Unmarshal(fields[key], &v); err != nil {
		t.Fatalf("field %q: %v (%s)", key, err, fields[key])
	}
	return v
}

func signin(t *testing.T, srv *httptest.Server, principal string) string {
	t.Helper()
	status, out := postJSON(t, srv.URL+"/v1/signin", "", map[string]string{
		"principal": principal, "secret": "hunter2",
	})
	if status != http.StatusOK {
		t.Fatalf("signin: status %d: %v", status, out)
	}
	return rawString(t, out, "token")
}

func TestSignin(t *testing.T) {
	_, srv := newTestServer(t)

	token := signin(t, srv, "alice")
	if token == "" {
		t.Fatal("empty token")
	}

	status, out := postJSON(t, srv.URL+"/v1/signin", "", map[string]string{
		"principal": "alice", "secret": "wrong",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("bad secret: status %d", status)
	}
	if rawString(t, out, "code") != "unauthorized" {
		t.Fatalf("code = %s", out["code"])
	}
}

func TestRegisterAndOwnership(t *testing.T) {
	_, srv := newTestServer(t)
	alice := signin(t, srv, "alice")
	bob := signin(t, srv, "bob")

	status, out := postJSON(t, srv.URL+"/v1/devices/register", alice, map[string]string{
		"device_id": "laptop",
	})
	if status != http.StatusOK {
		t.Fatalf("register: status %d: %v", status, out)
	}
	if rawString(t, out, "owner") != "alice" {
		t.Fatalf("owner = %s", out["owner"])
	}

	// A claimed device cannot be re-registered by someone else.
	status, out = postJSON(t, srv.URL+"/v1/devices/register", bob, map[string]string{
		"device_id": "laptop",
	})
	if status != http.StatusForbidden {
		t.Fatalf("foreign claim: status %d: %v", status, out)
	}
	if rawString(t, out, "code") != "forbidden" {
		t.Fatalf("code = %s", out["code"])
	}

	status, _ = postJSON(t, srv.URL+"/v1/devices/register", "", map[string]string{"device_id": "x"})
	if status != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", status)
	}
}

func TestAskRespondFlow(t *testing.T) {
	_, srv := newTestServer(t)
	alice := signin(t, srv, "alice")

	for _, id := range []string{"laptop", "server"} {
		if status, out := postJSON(t, srv.URL+"/v1/devices/register", alice, map[string]string{"device_id": id}); status != http.StatusOK {
			t.Fatalf("register %s: %d %v", id, status, out)
		}
	}

	status, out := postJSON(t, srv.URL+"/v1/ask", alice, map[string]string{
		"from_device_id": "laptop",
		"to_device_id":   "server",
		"command":        "echo hi",
	})
	if status != http.StatusOK {
		t.Fatalf("ask: status %d: %v", status, out)
	}
	if rawString(t, out, "status") != "pending" {
		t.Fatalf("status field = %s", out["status"])
	}
	routeID := rawString(t, out, "route_id")

	status, out = postJSON(t, srv.URL+"/v1/respond", alice, map[string]string{
		"route_id":       routeID,
		"from_device_id": "server",
		"output":         "hi\n",
	})
	if status != http.StatusOK {
		t.Fatalf("respond: status %d: %v", status, out)
	}
	if rawString(t, out, "status") != "delivered" {
		t.Fatalf("status field = %s", out["status"])
	}

	// Second response for the same route conflicts.
	status, out = postJSON(t, srv.URL+"/v1/respond", alice, map[string]string{
		"route_id":       routeID,
		"from_device_id": "server",
		"output":         "again",
	})
	if status != http.StatusConflict {
		t.Fatalf("duplicate respond: status %d: %v", status, out)
	}
	if rawString(t, out, "code") != "conflict" {
		t.Fatalf("code = %s", out["code"])
	}

	// Unknown target on ask maps to 404.
	status, _ = postJSON(t, srv.URL+"/v1/ask", alice, map[string]string{
		"from_device_id": "laptop",
		"to_device_id":   "ghost",
		"command":        "ls",
	})
	if status != http.StatusNotFound {
		t.Fatalf("unknown target: status %d", status)
	}
}

func TestPortalEndpoint(t *testing.T) {
	s, srv := newTestServer(t)
	ctx := context.Background()

	status, out := postJSON(t, srv.URL+"/v1/portal", "", map[string]string{
		"principal": "alice", "secret": "wrong", "app": "echo",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("bad secret: status %d: %v", status, out)
	}

	// No heartbeat yet: the liveness gate rejects even a good credential.
	status, out = postJSON(t, srv.URL+"/v1/portal", "", map[string]string{
		"principal": "alice", "secret": "hunter2", "app": "echo",
	})
	if status != http.StatusServiceUnavailable {
		t.Fatalf("no presence: status %d: %v", status, out)
	}

	if err := s.Queue.Heartbeat(ctx, "alice"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	go func() {
		for i := 0; i < 100; i++ {
			req, ok, err := s.Queue.ReadNext(ctx, "alice", "echo")
			if err == nil && ok {
				_ = s.Queue.WriteResponse(ctx, "alice", req.CallID, req.Args)
				_ = s.Queue.Ack(ctx, "alice", req.CallID)
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()

	status, out = postJSON(t, srv.URL+"/v1/portal", "", map[string]any{
		"principal": "alice", "secret": "hunter2", "app": "echo",
		"args": map[string]string{"say": "hi"}, "call_id": "c1",
	})
	if status != http.StatusOK {
		t.Fatalf("portal: status %d: %v", status, out)
	}
	if rawString(t, out, "status") != "ok" {
		t.Fatalf("status field = %s (%v)", out["status"], out)
	}
	if string(out["result"]) != `{"say":"hi"}` {
		t.Fatalf("result = %s", out["result"])
	}
}

// The treeclient speaks to the hub's tree endpoints, covering REST and the
// event stream end to end.
func TestTreeOverHTTP(t *testing.T) {
	_, srv := newTestServer(t)
	alice := signin(t, srv, "alice")
	ctx := context.Background()

	c := treeclient.New(srv.URL, alice, treeclient.WithReconnectBackoff(50*time.Millisecond))

	if err := c.Set(ctx, "devices/d1", map[string]string{"name": "d1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	raw, err := c.Get(ctx, "devices/d1/name")
	if err != nil || string(raw) != `"d1"` {
		t.Fatalf("Get field = %s, %v", raw, err)
	}

	if err := c.Create(ctx, "devices/d1", map[string]string{}); err != tree.ErrExists {
		t.Fatalf("Create occupied = %v, want ErrExists", err)
	}

	sub, err := c.Subscribe(ctx, "devices")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	waitEvent := func(what string) tree.Event {
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

	if ev := waitEvent("snapshot"); ev.Path != "/" {
		t.Fatalf("snapshot path = %q", ev.Path)
	}

	if err := c.Update(ctx, "devices/d1", map[string]any{"status": "idle"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	ev := waitEvent("update event")
	if ev.Path != "/d1" {
		t.Fatalf("event path = %q, want /d1", ev.Path)
	}

	id, err := c.Push(ctx, "routes", map[string]string{"command": "ls"})
	if err != nil || id == "" {
		t.Fatalf("Push = %q, %v", id, err)
	}

	if err := c.Delete(ctx, "devices/d1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	raw, err = c.Get(ctx, "devices/d1")
	if err != nil || raw != nil {
		t.Fatalf("Get after delete = %s, %v", raw, err)
	}

	// Unauthenticated tree access is rejected.
	anon := treeclient.New(srv.URL, "")
	if _, err := anon.Get(ctx, "devices"); err == nil {
		t.Fatal("anonymous Get succeeded")
	}
}
