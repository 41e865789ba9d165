package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"
)

// Executor runs one command and renders its outcome as response text.
// Failures are content for the caller to read, never protocol errors: a
// route is answered exactly once whatever the command did.
type Executor interface {
	Execute(ctx context.Context, command string) string
}

// DefaultExecTimeout is the wall clock bound on a single command.
const DefaultExecTimeout = 240 * time.Second

// ShellExecutor runs commands through the platform shell with stdin wired
// to the null device so interactive commands fail fast instead of hanging.
type ShellExecutor struct {
	Timeout time.Duration
}

func (e ShellExecutor) timeout() time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	return DefaultExecTimeout
}

func (e ShellExecutor) Execute(ctx context.Context, command string) string {
	timeout := e.timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}

	devnull, err := os.Open(os.DevNull)
	if err == nil {
		cmd.Stdin = devnull
		defer devnull.Close()
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("[error] Command timed out (%ds limit)", int(timeout/time.Second))
	}
	if err != nil && stdout.Len() == 0 && stderr.Len() == 0 {
		return fmt.Sprintf("[error] %v", err)
	}

	out := stdout.String()
	if stderr.Len() > 0 {
		out += "\n[stderr]\n" + stderr.String()
	}
	if out == "" {
		return "[no output]"
	}
	return out
}
