package app

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ThomasVuNguyen/village/internal/hub"
	"github.com/ThomasVuNguyen/village/internal/identity"
	"github.com/ThomasVuNguyen/village/internal/tree"
)

const tokenSecretEnv = "VILLAGE_TOKEN_SECRET"

func serveCmd(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	listen := fs.String("listen", ":8787", "listen address")
	dbPath := fs.String("db", "", "path to sqlite tree db file (default: in-memory tree)")
	postgresDSN := fs.String("postgres-dsn", "", "postgres DSN for the tree store (overrides --db)")
	credentialsPath := fs.String("credentials", "./credentials.json", "path to credentials JSON")
	tokenSecret := fs.String("token-secret", "", "HMAC secret for minted tokens (default: $"+tokenSecretEnv+" or ephemeral)")
	tokenTTL := fs.Duration("token-ttl", 24*time.Hour, "minted token lifetime")
	pidFile := fs.String("pid-file", "", "write process PID to file")
	logLevel := fs.String("log-level", "info", "log level (debug|info|warn|error)")
	dotenvPath := fs.String("dotenv", "", "load environment variables from file (dev only)")
	watch := fs.Bool("watch", false, "watch credentials file for reload")
	tracingEndpoint := fs.String("tracing-endpoint", "", "OTLP/HTTP collector endpoint (enables tracing)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 2
	}
	slog.SetDefault(logger)

	releasePIDFile, err := claimPIDFile(strings.TrimSpace(*pidFile))
	if err != nil {
		logger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer releasePIDFile()

	if strings.TrimSpace(*dotenvPath) != "" {
		if err := loadDotenv(strings.TrimSpace(*dotenvPath)); err != nil {
			logger.Error("dotenv_failed", slog.Any("err", err))
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracingEnabled := strings.TrimSpace(*tracingEndpoint) != ""
	if tracingEnabled {
		shutdownTracing, err := initTracing(context.Background(), *tracingEndpoint, func(err error) {
			logger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			logger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		defer func() {
			shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shCancel()
			_ = shutdownTracing(shCtx)
		}()
		logger.Info("tracing_enabled")
	}

	store, backend, closeStore, err := newTreeStore(*postgresDSN, *dbPath)
	if err != nil {
		logger.Error("open_tree_failed", slog.Any("err", err))
		return 1
	}
	defer func() { _ = closeStore() }()
	logger.Info("tree_backend_selected", slog.String("backend", backend))

	creds, err := hub.LoadCredentialFile(*credentialsPath, logger)
	if err != nil {
		logger.Error("load_credentials_failed", slog.Any("err", err))
		return 1
	}
	if *watch {
		go creds.Watch(runCtx)
	}

	secret := resolveTokenSecret(*tokenSecret, logger)
	minter := identity.NewTokenMinter(secret, *tokenTTL)

	server := hub.NewServer(store, creds, minter, logger)
	handler := withAccessLog(logger, server.Handler())
	handler = wrapTracingHandler(tracingEnabled, "hub", handler)

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		logger.Error("listen_failed", slog.String("addr", *listen), slog.Any("err", err))
		return 1
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveOnListener(logger, "hub", srv, ln, cancel)
	logger.Info("hub_listening", slog.String("addr", ln.Addr().String()))

	<-runCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	return 0
}

// newTreeStore picks the backend: postgres when a DSN is set, sqlite when a
// db path is set, otherwise in-memory.
func newTreeStore(postgresDSN, dbPath string) (tree.Store, string, func() error, error) {
	switch {
	case strings.TrimSpace(postgresDSN) != "":
		s, err := tree.NewPostgresStore(strings.TrimSpace(postgresDSN))
		if err != nil {
			return nil, "", nil, err
		}
		return s, "postgres", s.Close, nil
	case strings.TrimSpace(dbPath) != "":
		s, err := tree.NewSQLiteStore(strings.TrimSpace(dbPath))
		if err != nil {
			return nil, "", nil, err
		}
		return s, "sqlite", s.Close, nil
	default:
		s := tree.NewMemoryStore()
		return s, "memory", s.Close, nil
	}
}

// resolveTokenSecret prefers the flag, then the environment; otherwise it
// generates an ephemeral secret, which invalidates tokens on restart.
func resolveTokenSecret(flagValue string, logger *slog.Logger) []byte {
	if v := strings.TrimSpace(flagValue); v != "" {
		return []byte(v)
	}
	if v := strings.TrimSpace(os.Getenv(tokenSecretEnv)); v != "" {
		return []byte(v)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic(err)
	}
	logger.Warn("token_secret_ephemeral")
	return secret
}
