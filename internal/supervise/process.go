package supervise

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// terminateGrace is how long a subprocess gets between SIGTERM and
// SIGKILL during shutdown.
const terminateGrace = 5 * time.Second

// Spawn wraps process creation. It exists so a subprocess can be
// started inside a network namespace: the wrapper pins the calling
// goroutine to a thread, enters the namespace, runs fn, and restores.
type Spawn func(fn func() error) error

// Runner launches one subprocess and forwards its output to the log.
// The process is expected to run until the context is canceled; any
// other exit is an error.
type Runner struct {
	name  string
	log   *slog.Logger
	spawn Spawn
	env   []string
}

// NewRunner creates a Runner. spawn may be nil for a plain start in
// the current namespace.
func NewRunner(name string, spawn Spawn, log *slog.Logger) *Runner {
	return &Runner{
		name:  name,
		log:   log.With("proc", name),
		spawn: spawn,
	}
}

// WithEnv appends variables to the subprocess environment on top of
// the parent's.
func (r *Runner) WithEnv(env ...string) *Runner {
	r.env = append(r.env, env...)
	return r
}

// Run starts the subprocess and blocks until it exits. Cancellation
// sends SIGTERM, then SIGKILL after a grace period. Run returns nil
// only when the exit was caused by the canceled context.
func (r *Runner) Run(ctx context.Context, path string, args ...string) error {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(unix.SIGTERM)
	}
	cmd.WaitDelay = terminateGrace
	if len(r.env) > 0 {
		cmd.Env = append(os.Environ(), r.env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%s: stdout pipe: %w", r.name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%s: stderr pipe: %w", r.name, err)
	}

	start := cmd.Start
	if r.spawn != nil {
		start = func() error { return r.spawn(cmd.Start) }
	}
	if err := start(); err != nil {
		return fmt.Errorf("%s: start %s: %w", r.name, path, err)
	}
	r.log.Info("process started", "path", path, "pid", cmd.Process.Pid)

	var wg sync.WaitGroup
	wg.Add(2)
	go r.forward(ctx, stdout, slog.LevelInfo, &wg)
	go r.forward(ctx, stderr, slog.LevelWarn, &wg)

	// Pipe readers must drain before Wait closes them.
	wg.Wait()
	err = cmd.Wait()

	if ctx.Err() != nil {
		r.log.Info("process stopped", "pid", cmd.Process.Pid)
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s exited: %w", r.name, err)
	}
	return fmt.Errorf("%s exited unexpectedly", r.name)
}

// forward copies subprocess output to the log line by line.
func (r *Runner) forward(ctx context.Context, pipe io.Reader, level slog.Level, wg *sync.WaitGroup) {
	defer wg.Done()

	sc := bufio.NewScanner(pipe)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		r.log.Log(ctx, level, sc.Text())
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		r.log.Debug("output stream closed", "error", err)
	}
}
