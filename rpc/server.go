package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RequestIDHeader is the metadata key used to correlate a call across the gateway and the server.
const RequestIDHeader = "x-request-id"

type requestIDKey struct{}

// RequestIDFromContext returns the request ID assigned by the server interceptor, or "" outside of a call.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithRequestID attaches a request ID to the outgoing metadata of ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, RequestIDHeader, id)
}

// Server serves a TaskServiceServer over an insecure gRPC listener.
// At most maxWorkers calls execute concurrently; further calls wait for a free slot.
type Server struct {
	log *zap.SugaredLogger

	listenAddr    string
	maxWorkers    int64
	shutdownGrace time.Duration

	grpcServer *grpc.Server
	sem        *semaphore.Weighted

	mut      sync.Mutex
	listener net.Listener
	stopOnce sync.Once
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithMaxWorkers(n int) Option {
	return func(s *Server) {
		s.maxWorkers = int64(n)
	}
}

// WithShutdownGrace bounds how long Stop waits for in-flight calls before cancelling them.
// Zero stops immediately.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownGrace = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("rpc_server").Sugar()
	}
}

func NewServer(svc TaskServiceServer, opts ...Option) *Server {
	s := &Server{
		log:        zap.NewNop().Sugar(),
		listenAddr: "0.0.0.0:50051",
		maxWorkers: 10,
	}
	for _, o := range opts {
		o(s)
	}
	if s.maxWorkers < 1 {
		s.maxWorkers = 1
	}
	s.sem = semaphore.NewWeighted(s.maxWorkers)
	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.tagRequest, s.limit, s.recoverPanic),
	)
	RegisterTaskServiceServer(s.grpcServer, svc)
	return s
}

// Listen binds the listener without serving, so callers can read Addr before Serve.
func (s *Server) Listen() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.listener != nil {
		return nil
	}
	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.listenAddr, err)
	}
	s.listener = l
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve serves until Stop is called, returning nil after a clean stop.
func (s *Server) Serve() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mut.Lock()
	l := s.listener
	s.mut.Unlock()

	s.log.Infow("gRPC server started", "Addr", l.Addr().String(), "MaxWorkers", s.maxWorkers)
	err := s.grpcServer.Serve(l)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Run serves until ctx is done, then stops the server and returns once it has stopped.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.Stop()
	return <-errCh
}

// Stop stops accepting calls, waits up to the shutdown grace for in-flight calls, then cancels any that remain and closes the listener.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.log.Info("shutting down gRPC server")
		defer s.log.Info("gRPC server stopped")
		if s.shutdownGrace <= 0 {
			s.grpcServer.Stop()
			return
		}
		done := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(done)
		}()
		timer := time.NewTimer(s.shutdownGrace)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			s.log.Warnw("shutdown grace expired, cancelling in-flight calls", "Grace", s.shutdownGrace)
			s.grpcServer.Stop()
			<-done
		}
	})
}

func (s *Server) tagRequest(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	var id string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(RequestIDHeader); len(vals) > 0 {
			id = vals[0]
		}
	}
	if id == "" {
		id = uuid.New().String()
	}
	if err := grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, id)); err != nil {
		s.log.Debugf("unable to set request ID header: %s", err)
	}
	ctx = context.WithValue(ctx, requestIDKey{}, id)

	start := time.Now()
	resp, err := handler(ctx, req)
	s.log.Debugw("handled call", "Method", info.FullMethod, "RequestID", id, "Code", status.Code(err), "Elapsed", time.Since(start))
	return resp, err
}

func (s *Server) limit(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	defer s.sem.Release(1)
	return handler(ctx, req)
}

func (s *Server) recoverPanic(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log := s.log.With("RequestID", RequestIDFromContext(ctx))
			log.Errorw("panic handling call", "Method", info.FullMethod, "Panic", r, "Stack", string(debug.Stack()))
			resp, err = failure(ctx, log, codes.Internal, fmt.Sprintf("Error executing command: %v", r))
		}
	}()
	return handler(ctx, req)
}
