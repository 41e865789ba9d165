package treeclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ThomasVuNguyen/village/internal/tree"
)

// Subscribe opens a server-sent-events stream for path. The hub sends a
// full snapshot first, then one event per change. Transport failures
// reconnect after a fixed backoff; each reconnect re-delivers the snapshot,
// which consumers are built to tolerate.
func (c *Client) Subscribe(ctx context.Context, path string) (tree.Subscription, error) {
	u, err := c.url(path)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	resp, err := c.openStream(subCtx, u)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &streamSub{
		events: make(chan tree.Event, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(subCtx, c, u, resp)
	return s, nil
}

func (c *Client) openStream(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("stream %s: status %d", u, resp.StatusCode)
	}
	return resp, nil
}

type streamSub struct {
	events chan tree.Event
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

func (s *streamSub) Events() <-chan tree.Event { return s.events }

func (s *streamSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *streamSub) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *streamSub) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// run owns the events channel: it reads one connection at a time and
// reconnects until ctx is canceled.
func (s *streamSub) run(ctx context.Context, c *Client, u string, resp *http.Response) {
	defer close(s.done)
	defer close(s.events)

	for {
		err := s.read(ctx, resp)
		resp = nil
		if ctx.Err() != nil {
			s.setErr(tree.ErrClosed)
			return
		}
		if err != nil {
			s.setErr(err)
		}

		select {
		case <-ctx.Done():
			s.setErr(tree.ErrClosed)
			return
		case <-time.After(c.backoff):
		}

		next, err := c.openStream(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				s.setErr(tree.ErrClosed)
				return
			}
			// Keep trying on the next loop iteration.
			continue
		}
		resp = next
	}
}

func (s *streamSub) read(ctx context.Context, resp *http.Response) error {
	if resp == nil {
		return nil
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)

	var eventName, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if ev, ok := parseEvent(eventName, data); ok {
				select {
				case s.events <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			eventName, data = "", ""
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	return scanner.Err()
}

func parseEvent(name, data string) (tree.Event, bool) {
	if name != "put" || data == "" {
		return tree.Event{}, false
	}
	var payload struct {
		Path string          `json:"path"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return tree.Event{}, false
	}
	ev := tree.Event{Path: payload.Path, Data: payload.Data}
	if string(payload.Data) == "null" {
		ev.Data = nil
	}
	return ev, true
}
