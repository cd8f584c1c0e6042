package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/guseggert/taskgate/executor"
	"github.com/guseggert/taskgate/task"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ResponseTrailer is the trailer key holding the JSON-encoded CommandResponse of a failed call.
const ResponseTrailer = "taskgate-response-bin"

// Runner runs a task. *executor.Executor implements it.
type Runner interface {
	Run(ctx context.Context, task string, args []string) (*executor.Result, error)
}

// Service implements TaskServiceServer on top of a Runner.
type Service struct {
	log    *zap.SugaredLogger
	runner Runner
	policy task.Policy
}

type ServiceOption func(s *Service)

func WithServiceLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) {
		s.log = l.Named("task_service").Sugar()
	}
}

// WithPolicy sets the trust boundary for incoming requests.
// By default requests are not sanitized, since RPC callers are trusted internal clients.
func WithPolicy(p task.Policy) ServiceOption {
	return func(s *Service) {
		s.policy = p
	}
}

func NewService(runner Runner, opts ...ServiceOption) *Service {
	s := &Service{
		log:    zap.NewNop().Sugar(),
		runner: runner,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RunCommand runs the requested task.
//
// An empty command runs the tool's default target unless the policy sanitizes requests.
// When the command never ran, the returned error is a gRPC status and the returned response
// has ReturnCode -1; the response is also attached as the ResponseTrailer trailer for remote callers.
func (s *Service) RunCommand(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	log := s.log.With("RequestID", RequestIDFromContext(ctx))
	name := strings.TrimSpace(req.Command)

	if s.policy.Sanitize {
		if err := s.policy.Check(name, req.Args); err != nil {
			log.Debugw("rejected command", "Command", req.Command, "Error", err)
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}

	log.Infow("running command", "Command", name, "Args", req.Args)
	res, err := s.runner.Run(ctx, name, req.Args)
	if err != nil {
		return s.fail(ctx, log, err)
	}

	if res.Stdout != "" {
		log.Debugw("command stdout", "RunID", res.RunID, "Stdout", res.Stdout)
	}
	if res.Stderr != "" {
		log.Warnw("command stderr", "RunID", res.RunID, "Stderr", res.Stderr)
	}
	log.Debugw("command completed", "RunID", res.RunID, "ReturnCode", res.ExitCode, "Duration", res.Duration)

	return &CommandResponse{
		Output:     res.Stdout,
		Error:      res.Stderr,
		ReturnCode: int32(res.ExitCode),
	}, nil
}

func (s *Service) fail(ctx context.Context, log *zap.SugaredLogger, err error) (*CommandResponse, error) {
	var (
		timeoutErr *executor.TimeoutError
		code       = codes.Internal
		msg        = fmt.Sprintf("Error executing command: %s", err)
	)
	switch {
	case errors.As(err, &timeoutErr):
		code = codes.DeadlineExceeded
		msg = fmt.Sprintf("Command timed out: %s", err)
	case errors.Is(err, context.Canceled):
		log.Debugw("command canceled", "Error", err)
		return nil, status.Error(codes.Canceled, err.Error())
	}
	log.Errorw("command did not run", "Code", code, "Error", err)
	return failure(ctx, log, code, msg)
}

// failure builds the dual error signal: a status error, plus the payload both returned and sent as a trailer.
func failure(ctx context.Context, log *zap.SugaredLogger, code codes.Code, msg string) (*CommandResponse, error) {
	resp := &CommandResponse{Error: msg, ReturnCode: -1}
	b, err := json.Marshal(resp)
	if err == nil {
		err = grpc.SetTrailer(ctx, metadata.Pairs(ResponseTrailer, string(b)))
	}
	if err != nil {
		log.Debugf("unable to attach response trailer: %s", err)
	}
	return resp, status.Error(code, msg)
}

// ResponseFromTrailer decodes the CommandResponse attached to a failed call, if any.
func ResponseFromTrailer(md metadata.MD) (*CommandResponse, bool) {
	vals := md.Get(ResponseTrailer)
	if len(vals) == 0 {
		return nil, false
	}
	var resp CommandResponse
	if err := json.Unmarshal([]byte(vals[0]), &resp); err != nil {
		return nil, false
	}
	return &resp, true
}
