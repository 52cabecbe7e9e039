package command

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/trbjo/idled/logger"
)

var lg = logger.Slog.With("component", "command")

// Runner starts shell commands and does not wait for them. Failures are
// only logged.
type Runner struct {
	shell string
	wg    sync.WaitGroup
}

func NewRunner() *Runner {
	return &Runner{shell: "/bin/sh"}
}

func (r *Runner) Execute(command string) {
	cmd := exec.Command(r.shell, "-c", command)
	// Own process group, so a Ctrl-C aimed at the daemon leaves a running
	// locker alone.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		lg.Error("Error starting command", "command", command, "error", err)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := cmd.Wait()
		elapsed := time.Since(started).Round(time.Millisecond)

		var exitErr *exec.ExitError
		switch {
		case err == nil:
			lg.Debug("Command finished", "command", command, "elapsed", elapsed)
		case errors.As(err, &exitErr):
			lg.Warn("Command failed", "command", command, "exit_code", exitErr.ExitCode(), "elapsed", elapsed)
		default:
			lg.Error("Command failed", "command", command, "error", err)
		}
	}()
}

// Wait blocks until every started command has exited or ctx is done.
// Commands still running when ctx ends are left alone.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
