package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ThomasVuNguyen/village/internal/rpc"
)

// CredentialFile is the hub's admission database: a JSON object mapping
// principal to {password_hash, app_allowlist}. It serves lookups from
// memory and can watch the file for edits.
type CredentialFile struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	creds map[string]rpc.Credential
}

var _ rpc.CredentialSource = (*CredentialFile)(nil)

func LoadCredentialFile(path string, logger *slog.Logger) (*CredentialFile, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &CredentialFile{path: path, logger: logger}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *CredentialFile) Reload() error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}
	var creds map[string]rpc.Credential
	if err := json.Unmarshal(raw, &creds); err != nil {
		return fmt.Errorf("parse credentials %s: %w", f.path, err)
	}

	f.mu.Lock()
	f.creds = creds
	f.mu.Unlock()
	f.logger.Info("credentials_loaded", slog.String("path", f.path), slog.Int("principals", len(creds)))
	return nil
}

func (f *CredentialFile) Lookup(_ context.Context, principal string) (rpc.Credential, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.creds[principal]
	return c, ok, nil
}

// Watch reloads on file changes until ctx is canceled. A reload failure
// keeps the last good set.
func (f *CredentialFile) Watch(ctx context.Context) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		f.logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	dir := filepath.Dir(f.path)
	base := filepath.Base(f.path)
	if err := w.Add(dir); err != nil {
		f.logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	f.logger.Info("watching_credentials", slog.String("path", f.path))

	// Debounce to coalesce bursty editor/atomic-write events.
	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(200 * time.Millisecond)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(200 * time.Millisecond)
		}
		timerCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			f.logger.Warn("watch_error", slog.Any("err", err))
		case <-timerCh:
			timerCh = nil
			if err := f.Reload(); err != nil {
				f.logger.Warn("credentials_reload_failed", slog.Any("err", err))
			}
		}
	}
}
