package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// waitDelay bounds how long Run waits on output pipes after the process has been killed.
const waitDelay = 2 * time.Second

// Executor runs tasks of a single tool in a fixed working directory.
// It holds no mutable state and is safe for concurrent use.
type Executor struct {
	tool    string
	dir     string
	timeout time.Duration
	env     []string
	log     *zap.SugaredLogger
}

type Option func(e *Executor)

// WithTimeout kills invocations that run longer than d. Zero disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		e.timeout = d
	}
}

// WithEnv appends "KEY=value" pairs to the inherited environment of every invocation.
func WithEnv(env ...string) Option {
	return func(e *Executor) {
		e.env = append(e.env, env...)
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		e.log = l.Named("executor").Sugar()
	}
}

// New constructs an executor for tool. An empty dir runs tasks in the current working directory.
func New(tool, dir string, opts ...Option) *Executor {
	e := &Executor{
		tool: tool,
		dir:  dir,
		log:  zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Executor) Tool() string { return e.tool }

func (e *Executor) Dir() string { return e.dir }

func (e *Executor) Timeout() time.Duration { return e.timeout }

// Argv builds the invocation for a task: the tool, then the task if non-empty, then args.
func Argv(tool, task string, args []string) []string {
	argv := make([]string, 0, len(args)+2)
	argv = append(argv, tool)
	if task != "" {
		argv = append(argv, task)
	}
	return append(argv, args...)
}

// Run executes the task synchronously and returns once the process has exited.
//
// A nonzero exit is not an error: the returned Result carries the exit code and both streams.
// Errors are *DispatchError when the process could not be started, *TimeoutError when it was killed
// for exceeding the executor timeout or the deadline of ctx, and a wrapped context.Canceled when ctx was canceled.
func (e *Executor) Run(ctx context.Context, task string, args []string) (*Result, error) {
	argv := Argv(e.tool, task, args)
	runID := uuid.New().String()
	log := e.log.With("RunID", runID)

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = e.dir
	if len(e.env) > 0 {
		cmd.Env = append(os.Environ(), e.env...)
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	log.Debugw("running command", "Argv", argv, "Dir", e.dir)
	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		var exitErr *exec.ExitError
		isExit := errors.As(err, &exitErr)

		switch ctxErr := runCtx.Err(); {
		case errors.Is(ctxErr, context.DeadlineExceeded):
			log.Debugw("command timed out", "Argv", argv, "Elapsed", elapsed)
			return nil, &TimeoutError{Argv: argv, Timeout: e.timeout}
		case errors.Is(ctxErr, context.Canceled):
			log.Debugw("command canceled", "Argv", argv, "Elapsed", elapsed)
			return nil, fmt.Errorf("running %q: %w", argv, ctxErr)
		case errors.Is(err, exec.ErrWaitDelay):
			// exited, but a background child kept the output pipes open
			log.Warnw("command output may be truncated", "Argv", argv, "WaitDelay", waitDelay)
		case !isExit:
			log.Debugw("command could not be started", "Argv", argv, "Error", err)
			return nil, &DispatchError{Argv: argv, Err: err}
		}
	}

	res := &Result{
		RunID:    runID,
		Argv:     argv,
		ExitCode: exitCode(cmd.ProcessState),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
	}
	if res.Success() {
		log.Debugw("command completed", "Argv", argv, "ExitCode", res.ExitCode, "Elapsed", elapsed)
	} else {
		log.Warnw("command failed", "Argv", argv, "ExitCode", res.ExitCode, "Elapsed", elapsed, "Stderr", res.Stderr)
	}
	return res, nil
}
