// Package agent runs on a device and turns pending routes into responses.
// Two interchangeable strategies observe the route collection, polling on a
// fixed interval or streaming store events; both feed the same pipeline and
// converge on the same observable behavior.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ThomasVuNguyen/village/internal/fault"
	"github.com/ThomasVuNguyen/village/internal/registry"
	"github.com/ThomasVuNguyen/village/internal/route"
	"github.com/ThomasVuNguyen/village/internal/tree"
)

// Strategy drives one device's consumer loop until ctx is canceled.
type Strategy interface {
	Run(ctx context.Context) error
}

// Consumer is the shared pipeline behind both strategies: scan the route
// collection, execute whatever is addressed to this device and still
// pending, respond, and track status.
type Consumer struct {
	DeviceID  string
	Principal string
	Routes    *route.Manager
	Registry  *registry.Registry
	Exec      Executor
	Processed *ProcessedSet
	Logger    *slog.Logger
}

func (c *Consumer) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// scan fetches the route collection and handles every pending route
// addressed to this device in creation order. Safe to call repeatedly: the
// processed set skips known ids and the response guard upstream makes a
// duplicate submit a no-op Conflict. A route joins the processed set only
// once it reached a terminal outcome; transport trouble leaves it pending
// for the next tick or event.
func (c *Consumer) scan(ctx context.Context) {
	routes, err := c.Routes.All(ctx)
	if err != nil {
		c.logger().Warn("route_scan_failed", slog.Any("err", err))
		return
	}
	for _, rt := range route.PendingFor(routes, c.DeviceID) {
		if ctx.Err() != nil {
			return
		}
		if c.Processed.Contains(rt.RouteID) {
			continue
		}
		if c.handle(ctx, rt) {
			c.Processed.Add(rt.RouteID)
		}
	}
}

// handle reports whether the route is settled: answered, answered by
// someone else, or rejected outright. False means the submit failed in a
// way a later retry can fix.
func (c *Consumer) handle(ctx context.Context, rt route.Route) bool {
	log := c.logger().With(slog.String("route_id", rt.RouteID))
	log.Info("route_received", slog.String("from", rt.FromDeviceID))

	c.setStatus(ctx, registry.StatusBusy)
	output := c.Exec.Execute(ctx, rt.Command)

	settled := true
	err := c.Routes.SubmitResponse(ctx, c.Principal, rt.RouteID, c.DeviceID, output, rt.ContentType)
	switch {
	case err == nil:
		log.Info("route_answered")
	case errors.Is(err, fault.ErrConflict):
		// Another consumer for this device got there first.
		log.Info("route_already_answered")
	case errors.Is(err, fault.ErrBadRequest),
		errors.Is(err, fault.ErrForbidden),
		errors.Is(err, fault.ErrNotFound):
		// The submission itself was rejected; retrying cannot change that.
		log.Warn("route_rejected", slog.Any("err", err))
	default:
		log.Warn("route_respond_failed", slog.Any("err", err))
		settled = false
	}

	c.setStatus(ctx, registry.StatusIdle)
	return settled
}

// setStatus is best-effort: a failed transition is logged, never fatal, and
// never blocks response delivery.
func (c *Consumer) setStatus(ctx context.Context, status registry.Status) {
	if err := c.Registry.SetStatus(ctx, c.DeviceID, status); err != nil {
		c.logger().Warn("status_update_failed",
			slog.String("status", string(status)), slog.Any("err", err))
	}
}

// goOffline is the shutdown write. The loop's own context is already
// canceled by then, so it runs on a short independent one.
func (c *Consumer) goOffline() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.setStatus(ctx, registry.StatusOffline)
}

// DefaultPollInterval is the poll strategy's scan cadence.
const DefaultPollInterval = 2 * time.Second

// PollStrategy re-fetches the route collection on a fixed interval.
type PollStrategy struct {
	Consumer *Consumer
	Interval time.Duration
}

func (s *PollStrategy) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	defer s.Consumer.goOffline()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Consumer.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Consumer.scan(ctx)
		}
	}
}

// DefaultReconnectBackoff is the stream strategy's pause between
// subscription attempts after a transport failure.
const DefaultReconnectBackoff = 5 * time.Second

// StreamStrategy subscribes to the route collection and re-evaluates all
// entries on every event. Reconnects re-deliver the full snapshot, which is
// harmless: the processed set and the response guard deduplicate.
type StreamStrategy struct {
	Consumer *Consumer
	Store    tree.Store
	Backoff  time.Duration
}

func (s *StreamStrategy) Run(ctx context.Context) error {
	backoff := s.Backoff
	if backoff <= 0 {
		backoff = DefaultReconnectBackoff
	}
	defer s.Consumer.goOffline()

	log := s.Consumer.logger()
	for {
		if err := s.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("stream_disconnected", slog.Any("err", err),
				slog.Duration("backoff", backoff))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (s *StreamStrategy) consume(ctx context.Context) error {
	sub, err := s.Store.Subscribe(ctx, "routes")
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-sub.Events():
			if !ok {
				return sub.Err()
			}
			// Any change under routes, including the initial snapshot,
			// triggers a full re-evaluation.
			s.Consumer.scan(ctx)
		}
	}
}
