package rpc

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guseggert/taskgate/executor"
	"github.com/guseggert/taskgate/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type runnerFunc func(ctx context.Context, task string, args []string) (*executor.Result, error)

func (f runnerFunc) Run(ctx context.Context, task string, args []string) (*executor.Result, error) {
	return f(ctx, task, args)
}

func startServer(t *testing.T, runner Runner, svcOpts []ServiceOption, opts ...Option) (*Server, *Client) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	svc := NewService(runner, append([]ServiceOption{WithServiceLogger(logger)}, svcOpts...)...)
	opts = append([]Option{WithListenAddr("127.0.0.1:0"), WithLogger(logger)}, opts...)
	server := NewServer(svc, opts...)
	require.NoError(t, server.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	client, err := Dial(server.Addr().String(), WithClientLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return server, client
}

func TestRunCommand(t *testing.T) {
	ctx := context.Background()
	_, client := startServer(t, executor.New("echo", ""), nil)

	resp, err := client.RunCommand(ctx, &CommandRequest{Command: "hello", Args: []string{"world"}})
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", resp.Output)
	assert.Empty(t, resp.Error)
	assert.EqualValues(t, 0, resp.ReturnCode)
}

func TestRunCommandResults(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name      string
		result    *executor.Result
		err       error
		expCode   codes.Code
		expResp   *CommandResponse
		expDetail string
	}{
		{
			name:    "success",
			result:  &executor.Result{Stdout: "out", ExitCode: 0},
			expCode: codes.OK,
			expResp: &CommandResponse{Output: "out"},
		},
		{
			name:    "nonzero exit is not an RPC error",
			result:  &executor.Result{Stdout: "partial", Stderr: "make: *** No rule to make target 'x'.  Stop.\n", ExitCode: 2},
			expCode: codes.OK,
			expResp: &CommandResponse{Output: "partial", Error: "make: *** No rule to make target 'x'.  Stop.\n", ReturnCode: 2},
		},
		{
			name:      "dispatch failure",
			err:       &executor.DispatchError{Argv: []string{"make", "x"}, Err: exec.ErrNotFound},
			expCode:   codes.Internal,
			expResp:   &CommandResponse{ReturnCode: -1},
			expDetail: "Error executing command: ",
		},
		{
			name:      "timeout",
			err:       &executor.TimeoutError{Argv: []string{"make", "x"}, Timeout: time.Second},
			expCode:   codes.DeadlineExceeded,
			expResp:   &CommandResponse{ReturnCode: -1},
			expDetail: "Command timed out: ",
		},
		{
			name:      "unexpected error",
			err:       errors.New("kaboom"),
			expCode:   codes.Internal,
			expResp:   &CommandResponse{ReturnCode: -1},
			expDetail: "Error executing command: kaboom",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			runner := runnerFunc(func(ctx context.Context, task string, args []string) (*executor.Result, error) {
				return c.result, c.err
			})
			_, client := startServer(t, runner, nil)

			resp, err := client.RunCommand(ctx, &CommandRequest{Command: "x"})
			assert.Equal(t, c.expCode, status.Code(err))
			require.NotNil(t, resp)
			assert.Equal(t, c.expResp.ReturnCode, resp.ReturnCode)
			assert.Equal(t, c.expResp.Output, resp.Output)
			if c.expDetail != "" {
				assert.Contains(t, status.Convert(err).Message(), c.expDetail)
				assert.Contains(t, resp.Error, c.expDetail)
			} else {
				assert.Equal(t, c.expResp.Error, resp.Error)
			}
		})
	}
}

func TestRunCommandDirectCallReturnsPayload(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, task string, args []string) (*executor.Result, error) {
		return nil, &executor.DispatchError{Argv: []string{"make"}, Err: exec.ErrNotFound}
	})
	svc := NewService(runner)

	resp, err := svc.RunCommand(context.Background(), &CommandRequest{})
	assert.Equal(t, codes.Internal, status.Code(err))
	require.NotNil(t, resp)
	assert.EqualValues(t, -1, resp.ReturnCode)
	assert.Equal(t, status.Convert(err).Message(), resp.Error)
}

func TestRunCommandPassesRequestThrough(t *testing.T) {
	got := make(chan []string, 1)
	runner := runnerFunc(func(ctx context.Context, task string, args []string) (*executor.Result, error) {
		got <- append([]string{task}, args...)
		return &executor.Result{}, nil
	})
	_, client := startServer(t, runner, nil)

	// no sanitization on the RPC path by default
	_, err := client.RunCommand(context.Background(), &CommandRequest{Command: " build all ", Args: []string{"-j4", "V=1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"build all", "-j4", "V=1"}, <-got)
}

func TestRunCommandSanitized(t *testing.T) {
	var calls atomic.Int32
	runner := runnerFunc(func(ctx context.Context, task string, args []string) (*executor.Result, error) {
		calls.Add(1)
		return &executor.Result{}, nil
	})
	_, client := startServer(t, runner, []ServiceOption{WithPolicy(task.Policy{Sanitize: true})})

	cases := []struct {
		name string
		req  *CommandRequest
		msg  string
	}{
		{name: "empty command", req: &CommandRequest{}, msg: "Command is required"},
		{name: "bad characters", req: &CommandRequest{Command: "rm -rf /"}, msg: "Invalid command"},
		{name: "flag arg", req: &CommandRequest{Command: "test", Args: []string{"--eval=x"}}, msg: "Invalid argument"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp, err := client.RunCommand(context.Background(), c.req)
			assert.Nil(t, resp)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
			assert.Equal(t, c.msg, status.Convert(err).Message())
		})
	}
	assert.EqualValues(t, 0, calls.Load())
}

func TestRunCommandPanic(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, task string, args []string) (*executor.Result, error) {
		panic("oh no")
	})
	_, client := startServer(t, runner, nil)

	resp, err := client.RunCommand(context.Background(), &CommandRequest{Command: "x"})
	assert.Equal(t, codes.Internal, status.Code(err))
	require.NotNil(t, resp)
	assert.EqualValues(t, -1, resp.ReturnCode)
	assert.Contains(t, resp.Error, "oh no")
}

func TestRunCommandRequestID(t *testing.T) {
	ids := make(chan string, 1)
	runner := runnerFunc(func(ctx context.Context, task string, args []string) (*executor.Result, error) {
		ids <- RequestIDFromContext(ctx)
		return &executor.Result{}, nil
	})
	_, client := startServer(t, runner, nil)

	_, err := client.RunCommand(WithRequestID(context.Background(), "abc123"), &CommandRequest{Command: "x"})
	require.NoError(t, err)
	assert.Equal(t, "abc123", <-ids)

	_, err = client.RunCommand(context.Background(), &CommandRequest{Command: "x"})
	require.NoError(t, err)
	id := <-ids
	assert.NotEmpty(t, id)
	assert.NotEqual(t, "abc123", id)
}

func TestRunCommandTimeout(t *testing.T) {
	_, client := startServer(t, executor.New("sleep", "", executor.WithTimeout(100*time.Millisecond)), nil)

	start := time.Now()
	resp, err := client.RunCommand(context.Background(), &CommandRequest{Command: "10"})
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
	require.NotNil(t, resp)
	assert.EqualValues(t, -1, resp.ReturnCode)
}

func TestRunCommandClientDeadline(t *testing.T) {
	_, client := startServer(t, executor.New("sleep", ""), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := client.RunCommand(ctx, &CommandRequest{Command: "10"})
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
}

func TestRunCommandMake(t *testing.T) {
	if _, err := exec.LookPath("make"); err != nil {
		t.Skip("make is not installed")
	}
	dir := t.TempDir()
	makefile := ".PHONY: ok\nok:\n\t@echo ok\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Makefile"), []byte(makefile), 0o644))
	_, client := startServer(t, executor.New("make", dir), nil)
	ctx := context.Background()

	resp, err := client.RunCommand(ctx, &CommandRequest{Command: "ok"})
	require.NoError(t, err)
	assert.EqualValues(t, 0, resp.ReturnCode)
	assert.Equal(t, "ok\n", resp.Output)
	assert.Empty(t, resp.Error)

	resp, err = client.RunCommand(ctx, &CommandRequest{Command: "nope"})
	require.NoError(t, err)
	assert.NotEqual(t, int32(0), resp.ReturnCode)
	assert.Contains(t, resp.Error, "No rule to make target")
}

func TestWorkerPool(t *testing.T) {
	const (
		n     = 5
		sleep = 300 * time.Millisecond
	)

	run := func(t *testing.T, workers int) (time.Duration, int32) {
		var inFlight, maxInFlight atomic.Int32
		runner := runnerFunc(func(ctx context.Context, task string, args []string) (*executor.Result, error) {
			cur := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				prev := maxInFlight.Load()
				if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(sleep)
			return &executor.Result{}, nil
		})
		_, client := startServer(t, runner, nil, WithMaxWorkers(workers))

		group, ctx := errgroup.WithContext(context.Background())
		start := time.Now()
		for i := 0; i < n; i++ {
			group.Go(func() error {
				_, err := client.RunCommand(ctx, &CommandRequest{Command: "noop"})
				return err
			})
		}
		require.NoError(t, group.Wait())
		return time.Since(start), maxInFlight.Load()
	}

	t.Run("parallel", func(t *testing.T) {
		elapsed, maxInFlight := run(t, n)
		assert.Less(t, elapsed, time.Duration(n)*sleep/2)
		assert.EqualValues(t, n, maxInFlight)
	})

	t.Run("bounded", func(t *testing.T) {
		elapsed, maxInFlight := run(t, 2)
		assert.GreaterOrEqual(t, elapsed, 3*sleep)
		assert.EqualValues(t, 2, maxInFlight)
	})
}

func TestGracefulStop(t *testing.T) {
	started := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, task string, args []string) (*executor.Result, error) {
		close(started)
		time.Sleep(300 * time.Millisecond)
		return &executor.Result{Stdout: "finished"}, nil
	})

	logger := zaptest.NewLogger(t)
	server := NewServer(NewService(runner), WithListenAddr("127.0.0.1:0"), WithLogger(logger), WithShutdownGrace(5*time.Second))
	require.NoError(t, server.Listen())
	served := make(chan error, 1)
	go func() { served <- server.Serve() }()

	client, err := Dial(server.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	type result struct {
		resp *CommandResponse
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := client.RunCommand(context.Background(), &CommandRequest{Command: "x"})
		resCh <- result{resp, err}
	}()

	<-started
	server.Stop()
	require.NoError(t, <-served)

	res := <-resCh
	require.NoError(t, res.err)
	assert.Equal(t, "finished", res.resp.Output)

	// the listener is released
	_, err = client.RunCommand(context.Background(), &CommandRequest{Command: "x"})
	assert.Error(t, err)
}

func TestStopWithoutGraceCancelsInFlight(t *testing.T) {
	started := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, task string, args []string) (*executor.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	server := NewServer(NewService(runner), WithListenAddr("127.0.0.1:0"), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, server.Listen())
	served := make(chan error, 1)
	go func() { served <- server.Serve() }()

	client, err := Dial(server.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := client.RunCommand(context.Background(), &CommandRequest{Command: "x"})
		errCh <- err
	}()

	<-started
	start := time.Now()
	server.Stop()
	assert.Less(t, time.Since(start), 2*time.Second)
	require.NoError(t, <-served)
	assert.Error(t, <-errCh)
}
