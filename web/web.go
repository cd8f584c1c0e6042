// Package web is the standalone HTTP server: it runs tasks directly with the executor and serves the browser UI.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/guseggert/taskgate/executor"
	"github.com/guseggert/taskgate/internal/api"
	"github.com/guseggert/taskgate/task"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// Runner runs a task. *executor.Executor implements it.
type Runner interface {
	Run(ctx context.Context, task string, args []string) (*executor.Result, error)
}

type Server struct {
	log *zap.SugaredLogger

	runner    Runner
	registry  *task.Registry
	policy    task.Policy
	timeout   time.Duration
	staticDir string

	listenAddr string
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

// WithTimeout bounds each run; a run that exceeds it is answered with 408. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.timeout = d
	}
}

func WithPolicy(p task.Policy) Option {
	return func(s *Server) {
		s.policy = p
	}
}

func WithRegistry(r *task.Registry) Option {
	return func(s *Server) {
		s.registry = r
	}
}

// WithStaticDir serves files from dir for paths outside /api. Empty disables static serving.
func WithStaticDir(dir string) Option {
	return func(s *Server) {
		s.staticDir = dir
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("web").Sugar()
	}
}

func New(runner Runner, opts ...Option) *Server {
	s := &Server{
		log:        zap.NewNop().Sugar(),
		runner:     runner,
		registry:   task.Fallback(),
		policy:     task.Policy{Sanitize: true},
		timeout:    300 * time.Second,
		listenAddr: ":8000",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/api/commands", s.commands)
	router.POST("/api/run", s.run)

	var files http.Handler
	if s.staticDir != "" {
		files = http.FileServer(http.Dir(s.staticDir))
	}
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if files == nil || (r.Method != http.MethodGet && r.Method != http.MethodHead) {
			s.writeError(w, http.StatusNotFound, "Not Found")
			return
		}
		files.ServeHTTP(w, r)
	})
	return router
}

// Run serves until ctx is done, then shuts the server down, letting in-flight requests finish.
func (s *Server) Run(ctx context.Context) error {
	return api.Serve(ctx, s.log, s.listenAddr, s.Handler())
}

func (s *Server) commands(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.writeJSON(w, http.StatusOK, api.CommandsResponse{Commands: s.registry.Names()})
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	req, err := api.DecodeRunRequest(w, r, s.policy)
	if err != nil {
		s.log.Debugw("rejected request", "Error", err)
		s.writeError(w, http.StatusBadRequest, api.Message(err))
		return
	}

	ctx := r.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res, err := s.runner.Run(ctx, req.Command, req.Args)
	if err != nil {
		var (
			timeoutErr  *executor.TimeoutError
			dispatchErr *executor.DispatchError
		)
		switch {
		case errors.As(err, &timeoutErr):
			s.log.Warnw("command timed out", "Command", req.Command, "Error", err)
			s.writeError(w, http.StatusRequestTimeout, "Command timed out")
		case errors.Is(err, context.Canceled):
			s.log.Debugw("client went away", "Command", req.Command)
		case errors.As(err, &dispatchErr):
			s.log.Errorw("command could not be started", "Command", req.Command, "Error", err)
			s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Error executing command: %s", err))
		default:
			s.log.Errorw("unexpected error running command", "Command", req.Command, "Error", err)
			s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Server error: %s", err))
		}
		return
	}

	s.writeJSON(w, http.StatusOK, api.RunResponse{
		Output:     res.Stdout,
		Error:      res.Stderr,
		ReturnCode: res.ExitCode,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	if err := api.WriteJSON(w, status, v); err != nil {
		s.log.Debugf("error writing response: %s", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	if err := api.WriteError(w, status, msg); err != nil {
		s.log.Debugf("error writing error response: %s", err)
	}
}
