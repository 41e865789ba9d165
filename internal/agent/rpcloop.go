package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThomasVuNguyen/village/internal/rpc"
)

// Handler answers one queued portal request. An error becomes response
// content; the request is always acked.
type Handler interface {
	Handle(ctx context.Context, req rpc.Request) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, req rpc.Request) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, req rpc.Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// DefaultRPCInterval is the heartbeat-and-poll cadence of the RPC loop.
const DefaultRPCInterval = 2 * time.Second

// RPCLoop serves a shared-account queue: heartbeat, read the next request
// for its app, handle it, write the response and ack.
type RPCLoop struct {
	Queue     *rpc.Queue
	Principal string
	App       string
	Handler   Handler
	Interval  time.Duration
	Logger    *slog.Logger
}

func (l *RPCLoop) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l *RPCLoop) Run(ctx context.Context) error {
	interval := l.Interval
	if interval <= 0 {
		interval = DefaultRPCInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *RPCLoop) tick(ctx context.Context) {
	log := l.logger()
	if err := l.Queue.Heartbeat(ctx, l.Principal); err != nil {
		log.Warn("heartbeat_failed", slog.Any("err", err))
	}

	req, ok, err := l.Queue.ReadNext(ctx, l.Principal, l.App)
	if err != nil {
		log.Warn("rpc_read_failed", slog.Any("err", err))
		return
	}
	if !ok {
		return
	}
	log = log.With(slog.String("call_id", req.CallID))
	log.Info("rpc_request_received", slog.String("app", req.App))

	result, err := l.Handler.Handle(ctx, req)
	if err != nil {
		// The caller is waiting on this call_id either way.
		result, _ = json.Marshal(map[string]string{"error": fmt.Sprintf("%v", err)})
	}
	if err := l.Queue.WriteResponse(ctx, l.Principal, req.CallID, result); err != nil {
		log.Warn("rpc_respond_failed", slog.Any("err", err))
		return
	}
	if err := l.Queue.Ack(ctx, l.Principal, req.CallID); err != nil {
		log.Warn("rpc_ack_failed", slog.Any("err", err))
		return
	}
	log.Info("rpc_request_answered")
}
