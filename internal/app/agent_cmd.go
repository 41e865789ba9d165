package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ThomasVuNguyen/village/internal/agent"
	"github.com/ThomasVuNguyen/village/internal/registry"
	"github.com/ThomasVuNguyen/village/internal/route"
	"github.com/ThomasVuNguyen/village/internal/rpc"
	"github.com/ThomasVuNguyen/village/internal/treeclient"
)

func agentCmd(args []string) int {
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	hubURL := fs.String("hub", "", "hub base URL (default: config)")
	deviceID := fs.String("device", "", "device id (default: config, generated on first run)")
	name := fs.String("name", "", "display name for this device")
	strategy := fs.String("strategy", "poll", "route consumption strategy (poll|stream)")
	interval := fs.Duration("interval", agent.DefaultPollInterval, "poll interval")
	execTimeout := fs.Duration("exec-timeout", agent.DefaultExecTimeout, "command execution timeout")
	processedCap := fs.Int("processed-cap", 1024, "processed route cache size")
	rpcApp := fs.String("rpc-app", "", "also serve portal requests for this app")
	logLevel := fs.String("log-level", "info", "log level (debug|info|warn|error)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	slog.SetDefault(logger)

	cfg, err := loadCLIConfig()
	if err != nil {
		logger.Error("load_config_failed", slog.Any("err", err))
		return 1
	}
	if *hubURL != "" {
		cfg.Hub = *hubURL
	}
	if *deviceID != "" {
		cfg.DeviceID = *deviceID
	}
	if cfg.Hub == "" || cfg.Token == "" || cfg.Principal == "" {
		fmt.Fprintln(os.Stderr, "not signed in: run `village signin` first")
		return 2
	}
	if err := ensureDeviceID(&cfg); err != nil {
		logger.Error("device_id_failed", slog.Any("err", err))
		return 1
	}

	displayName := strings.TrimSpace(*name)
	if displayName == "" {
		displayName = cfg.DeviceName
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := treeclient.New(cfg.Hub, cfg.Token)
	reg := registry.New(store)
	routes := route.NewManager(store, reg)

	dev, err := reg.Register(ctx, cfg.Principal, cfg.DeviceID, displayName)
	if err != nil {
		logger.Error("register_failed", slog.Any("err", err))
		return 1
	}
	logger.Info("device_registered",
		slog.String("device_id", dev.DeviceID), slog.String("owner", dev.Owner))

	consumer := &agent.Consumer{
		DeviceID:  cfg.DeviceID,
		Principal: cfg.Principal,
		Routes:    routes,
		Registry:  reg,
		Exec:      agent.ShellExecutor{Timeout: *execTimeout},
		Processed: agent.NewProcessedSet(*processedCap),
		Logger:    logger,
	}

	var s agent.Strategy
	switch *strategy {
	case "poll":
		s = &agent.PollStrategy{Consumer: consumer, Interval: *interval}
	case "stream":
		s = &agent.StreamStrategy{Consumer: consumer, Store: store}
	default:
		fmt.Fprintf(os.Stderr, "invalid --strategy %q (use: poll|stream)\n", *strategy)
		return 2
	}

	if *rpcApp != "" {
		loop := &agent.RPCLoop{
			Queue:     rpc.NewQueue(store, nil),
			Principal: cfg.Principal,
			App:       *rpcApp,
			Handler:   shellRPCHandler(agent.ShellExecutor{Timeout: *execTimeout}),
			Logger:    logger,
		}
		go func() { _ = loop.Run(ctx) }()
		logger.Info("rpc_loop_started", slog.String("app", *rpcApp))
	}

	logger.Info("agent_started",
		slog.String("strategy", *strategy),
		slog.String("device_id", cfg.DeviceID),
		slog.Duration("exec_timeout", *execTimeout))

	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent_stopped", slog.Any("err", err))
		return 1
	}
	logger.Info("agent_stopped")
	return 0
}

// shellRPCHandler answers portal requests whose args carry a command, in the
// same rendered-output form as route responses.
func shellRPCHandler(exec agent.Executor) agent.Handler {
	return agent.HandlerFunc(func(ctx context.Context, req rpc.Request) (json.RawMessage, error) {
		var args struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil || strings.TrimSpace(args.Command) == "" {
			return nil, fmt.Errorf("args must carry a command")
		}
		output := exec.Execute(ctx, args.Command)
		return json.Marshal(map[string]string{"output": output})
	})
}
