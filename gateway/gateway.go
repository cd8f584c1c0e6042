// Package gateway exposes the RPC task service to web clients as an HTTP/JSON API.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/taskgate/internal/api"
	"github.com/guseggert/taskgate/rpc"
	"github.com/guseggert/taskgate/task"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// CommandClient calls the task service. *rpc.Client implements it.
type CommandClient interface {
	RunCommand(ctx context.Context, req *rpc.CommandRequest) (*rpc.CommandResponse, error)
}

// Gateway holds everything the HTTP handlers need: the RPC client, the request policy and the command registry.
type Gateway struct {
	log *zap.SugaredLogger

	client   CommandClient
	registry *task.Registry
	policy   task.Policy
	timeout  time.Duration

	listenAddr string
}

type Option func(g *Gateway)

func WithListenAddr(addr string) Option {
	return func(g *Gateway) {
		g.listenAddr = addr
	}
}

// WithTimeout sets the deadline of each forwarded call. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		g.timeout = d
	}
}

func WithPolicy(p task.Policy) Option {
	return func(g *Gateway) {
		g.policy = p
	}
}

func WithRegistry(r *task.Registry) Option {
	return func(g *Gateway) {
		g.registry = r
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) {
		g.log = l.Named("gateway").Sugar()
	}
}

// New constructs a gateway forwarding to client. Requests are sanitized unless overridden with WithPolicy.
func New(client CommandClient, opts ...Option) *Gateway {
	g := &Gateway{
		log:        zap.NewNop().Sugar(),
		client:     client,
		registry:   task.Fallback(),
		policy:     task.Policy{Sanitize: true},
		timeout:    300 * time.Second,
		listenAddr: "0.0.0.0:8082",
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gateway) Handler() http.Handler {
	router := httprouter.New()
	for _, prefix := range []string{"", "/makefile"} {
		router.POST(prefix+"/run_command", g.runCommand)
		router.OPTIONS(prefix+"/run_command", g.preflight)
		router.GET(prefix+"/run_command", g.preflight)
		router.GET(prefix+"/commands", g.commands)
	}
	router.GET("/healthz", g.healthz)
	return router
}

// Run serves until ctx is done, then shuts the server down, letting in-flight requests finish.
func (g *Gateway) Run(ctx context.Context) error {
	return api.Serve(ctx, g.log, g.listenAddr, g.Handler())
}

func (g *Gateway) requestID(w http.ResponseWriter, r *http.Request) string {
	id := r.Header.Get("X-Request-Id")
	if id == "" {
		id = uuid.New().String()
	}
	w.Header().Set("X-Request-Id", id)
	return id
}

func (g *Gateway) preflight(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	g.log.Debugw("handling preflight", "Method", r.Method, "Path", r.URL.Path)
	if err := api.Preflight(w); err != nil {
		g.log.Debugf("error writing preflight response: %s", err)
	}
}

func (g *Gateway) commands(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	g.writeJSON(w, http.StatusOK, api.CommandsResponse{Commands: g.registry.Names()})
}

func (g *Gateway) healthz(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) runCommand(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := g.requestID(w, r)
	log := g.log.With("RequestID", id)
	log.Infow("incoming request", "Method", r.Method, "Path", r.URL.Path)

	req, err := api.DecodeRunRequest(w, r, g.policy)
	if err != nil {
		log.Debugw("rejected request", "Error", err)
		g.writeError(w, http.StatusBadRequest, api.Message(err))
		return
	}

	ctx := rpc.WithRequestID(r.Context(), id)
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	log.Debugw("calling task service", "Command", req.Command, "Args", req.Args)
	resp, err := g.client.RunCommand(ctx, &rpc.CommandRequest{Command: req.Command, Args: req.Args})
	if err != nil {
		g.writeRPCError(w, log, resp, err)
		return
	}

	log.Debugw("task service responded", "ReturnCode", resp.ReturnCode)
	g.writeJSON(w, http.StatusOK, api.RunResponse{
		Output:     resp.Output,
		Error:      resp.Error,
		ReturnCode: int(resp.ReturnCode),
	})
}

// writeRPCError maps a failed call to an HTTP status. resp is the payload from the call, if any.
func (g *Gateway) writeRPCError(w http.ResponseWriter, log *zap.SugaredLogger, resp *rpc.CommandResponse, err error) {
	st := status.Convert(err)
	log.Warnw("task service call failed", "Code", st.Code(), "Message", st.Message())

	switch st.Code() {
	case codes.DeadlineExceeded:
		g.writeError(w, http.StatusRequestTimeout, "Command timed out")
	case codes.InvalidArgument:
		g.writeError(w, http.StatusBadRequest, st.Message())
	case codes.Canceled:
		// the client went away, nobody is listening
	default:
		if resp != nil {
			g.writeJSON(w, http.StatusInternalServerError, api.RunResponse{
				Output:     resp.Output,
				Error:      resp.Error,
				ReturnCode: int(resp.ReturnCode),
			})
			return
		}
		g.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Internal server error: %s", st.Message()))
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	if err := api.WriteJSON(w, status, v); err != nil {
		g.log.Debugf("error writing response: %s", err)
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, msg string) {
	if err := api.WriteError(w, status, msg); err != nil {
		g.log.Debugf("error writing error response: %s", err)
	}
}
