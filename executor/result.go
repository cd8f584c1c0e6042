package executor

import (
	"fmt"
	"strings"
	"time"
)

// Result is the outcome of a process that ran to completion.
type Result struct {
	RunID    string
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

func (r *Result) Success() bool { return r.ExitCode == 0 }

// DispatchError means the process was never started.
type DispatchError struct {
	Argv []string
	Err  error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("starting %q: %s", strings.Join(e.Argv, " "), e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// TimeoutError means the process was started but killed after exceeding its deadline.
type TimeoutError struct {
	Argv    []string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("%q timed out after %s", strings.Join(e.Argv, " "), e.Timeout)
	}
	return fmt.Sprintf("%q timed out", strings.Join(e.Argv, " "))
}
