package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThomasVuNguyen/village/internal/registry"
	"github.com/ThomasVuNguyen/village/internal/route"
	"github.com/ThomasVuNguyen/village/internal/rpc"
	"github.com/ThomasVuNguyen/village/internal/tree"
)

type fakeExecutor struct {
	mu   sync.Mutex
	runs []string
}

func (f *fakeExecutor) Execute(_ context.Context, command string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, command)
	return "ran:" + command
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

// flakyStore fails the next n conditional creates before letting the
// wrapped store take over again.
type flakyStore struct {
	tree.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) arm(n int) {
	s.mu.Lock()
	s.failures = n
	s.mu.Unlock()
}

func (s *flakyStore) Create(ctx context.Context, path string, value any) error {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset by peer")
	}
	return s.Store.Create(ctx, path, value)
}

type world struct {
	store  *tree.MemoryStore
	reg    *registry.Registry
	routes *route.Manager
}

func newWorld(t *testing.T) *world {
	t.Helper()
	store := tree.NewMemoryStore()
	reg := registry.New(store)
	w := &world{store: store, reg: reg, routes: route.NewManager(store, reg)}
	ctx := context.Background()
	for _, id := range []string{"laptop", "server"} {
		if _, err := reg.Register(ctx, "alice", id, id); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	return w
}

func (w *world) consumer(exec Executor) *Consumer {
	return &Consumer{
		DeviceID:  "server",
		Principal: "alice",
		Routes:    w.routes,
		Registry:  w.reg,
		Exec:      exec,
		Processed: NewProcessedSet(0),
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (w *world) delivered(t *testing.T, routeID string) func() bool {
	t.Helper()
	return func() bool {
		rt, ok, err := w.routes.Get(context.Background(), routeID)
		if err != nil {
			t.Fatalf("Get route: %v", err)
		}
		return ok && rt.Status == route.StatusDelivered
	}
}

func (w *world) deviceStatus(t *testing.T) registry.Status {
	t.Helper()
	dev, ok, err := w.reg.Get(context.Background(), "server")
	if err != nil || !ok {
		t.Fatalf("Get device: ok=%v err=%v", ok, err)
	}
	return dev.Status
}

func runStrategy(t *testing.T, s Strategy) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("strategy did not stop")
		}
	}
}

func TestPollStrategy(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	exec := &fakeExecutor{}

	id1, err := w.routes.Create(ctx, "alice", "laptop", "server", "uptime", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	stop := runStrategy(t, &PollStrategy{Consumer: w.consumer(exec), Interval: 20 * time.Millisecond})

	waitUntil(t, "first route delivered", w.delivered(t, id1))

	// A route created while the loop is running is picked up too.
	id2, err := w.routes.Create(ctx, "alice", "laptop", "server", "date", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitUntil(t, "second route delivered", w.delivered(t, id2))

	resp, ok, err := w.routes.GetResponse(ctx, id2)
	if err != nil || !ok {
		t.Fatalf("GetResponse: ok=%v err=%v", ok, err)
	}
	if resp.Output != "ran:date" || resp.FromDeviceID != "server" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if got := w.deviceStatus(t); got != registry.StatusIdle {
		t.Fatalf("status = %q, want idle after handling", got)
	}
	if exec.count() != 2 {
		t.Fatalf("executor ran %d times, want 2", exec.count())
	}

	stop()
	if got := w.deviceStatus(t); got != registry.StatusOffline {
		t.Fatalf("status = %q, want offline after shutdown", got)
	}
}

func TestStreamStrategy(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	exec := &fakeExecutor{}

	stop := runStrategy(t, &StreamStrategy{
		Consumer: w.consumer(exec),
		Store:    w.store,
		Backoff:  50 * time.Millisecond,
	})
	defer stop()

	id, err := w.routes.Create(ctx, "alice", "laptop", "server", "hostname", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitUntil(t, "route delivered via stream", w.delivered(t, id))

	resp, ok, err := w.routes.GetResponse(ctx, id)
	if err != nil || !ok {
		t.Fatalf("GetResponse: ok=%v err=%v", ok, err)
	}
	if resp.Output != "ran:hostname" {
		t.Fatalf("output = %q", resp.Output)
	}
}

// Both strategies racing over the same routes must still produce exactly one
// response per route: the loser observes Conflict and treats the route as
// handled.
func TestPollAndStreamConverge(t *testing.T) {
	ctx := context.Background()
	w := newWorld(t)
	pollExec := &fakeExecutor{}
	streamExec := &fakeExecutor{}

	stopPoll := runStrategy(t, &PollStrategy{Consumer: w.consumer(pollExec), Interval: 20 * time.Millisecond})
	defer stopPoll()
	stopStream := runStrategy(t, &StreamStrategy{
		Consumer: w.consumer(streamExec),
		Store:    w.store,
		Backoff:  50 * time.Millisecond,
	})
	defer stopStream()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := w.routes.Create(ctx, "alice", "laptop", "server", fmt.Sprintf("job %d", i), "")
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitUntil(t, "route "+id+" delivered", w.delivered(t, id))
	}
	for _, id := range ids {
		resp, ok, err := w.routes.GetResponse(ctx, id)
		if err != nil || !ok {
			t.Fatalf("GetResponse %s: ok=%v err=%v", id, ok, err)
		}
		if resp.FromDeviceID != "server" {
			t.Fatalf("response from %q", resp.FromDeviceID)
		}
	}
}

// A submit that fails on the wire must only delay delivery: the route stays
// out of the processed set and the next scan answers it.
func TestScanRetriesAfterTransientSubmitFailure(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{Store: tree.NewMemoryStore()}
	reg := registry.New(flaky)
	routes := route.NewManager(flaky, reg)
	for _, id := range []string{"laptop", "server"} {
		if _, err := reg.Register(ctx, "alice", id, id); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	id, err := routes.Create(ctx, "alice", "laptop", "server", "uptime", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	exec := &fakeExecutor{}
	c := &Consumer{
		DeviceID:  "server",
		Principal: "alice",
		Routes:    routes,
		Registry:  reg,
		Exec:      exec,
		Processed: NewProcessedSet(0),
	}

	flaky.arm(1)
	c.scan(ctx)

	if _, ok, err := routes.GetResponse(ctx, id); err != nil || ok {
		t.Fatalf("response present after failed submit: ok=%v err=%v", ok, err)
	}
	if c.Processed.Contains(id) {
		t.Fatal("route marked handled after transient submit failure")
	}

	c.scan(ctx)

	resp, ok, err := routes.GetResponse(ctx, id)
	if err != nil || !ok {
		t.Fatalf("GetResponse after retry: ok=%v err=%v", ok, err)
	}
	if resp.Output != "ran:uptime" {
		t.Fatalf("output = %q", resp.Output)
	}
	rt, ok, err := routes.Get(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Get route: ok=%v err=%v", ok, err)
	}
	if rt.Status != route.StatusDelivered {
		t.Fatalf("route status = %q, want %q", rt.Status, route.StatusDelivered)
	}
	if !c.Processed.Contains(id) {
		t.Fatal("route not marked handled after successful retry")
	}
	if exec.count() != 2 {
		t.Fatalf("executor ran %d times, want 2 (one run per attempt)", exec.count())
	}
}

func TestRPCLoop(t *testing.T) {
	ctx := context.Background()
	store := tree.NewMemoryStore()
	q := rpc.NewQueue(store, rpc.StaticCredentials{"team": {PasswordHash: "s3cret"}})

	loop := &RPCLoop{
		Queue:     q,
		Principal: "team",
		App:       "echo",
		Interval:  20 * time.Millisecond,
		Handler: HandlerFunc(func(_ context.Context, req rpc.Request) (json.RawMessage, error) {
			return req.Args, nil
		}),
	}

	req := rpc.Request{Principal: "team", App: "echo", Args: json.RawMessage(`{"say":"hi"}`), CallID: "c1", TS: 1}
	if err := store.Set(ctx, "requests/team/c1", req); err != nil {
		t.Fatalf("seed: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(runCtx)
	}()
	defer func() { cancel(); <-done }()

	waitUntil(t, "response written", func() bool {
		raw, _ := store.Get(ctx, "responses/team/c1")
		return raw != nil
	})
	waitUntil(t, "request acked", func() bool {
		_, ok, err := q.ReadNext(ctx, "team", "echo")
		return err == nil && !ok
	})

	raw, _ := store.Get(ctx, "responses/team/c1")
	var resp rpc.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(resp.Result) != `{"say":"hi"}` {
		t.Fatalf("result = %s", resp.Result)
	}

	raw, _ = store.Get(ctx, "presence/team")
	if raw == nil {
		t.Fatal("no presence heartbeat written")
	}
}
