package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/guseggert/taskgate/executor"
	"github.com/guseggert/taskgate/gateway"
	"github.com/guseggert/taskgate/internal/config"
	"github.com/guseggert/taskgate/internal/net"
	"github.com/guseggert/taskgate/rpc"
	"github.com/guseggert/taskgate/task"
	"github.com/guseggert/taskgate/web"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	rpcShutdownGrace  = 10 * time.Second
	defaultRunTimeout = 300 * time.Second
)

var commonFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "log-level",
		Usage:   "Minimum log level, one of [debug,info,warn,error].",
		Value:   "info",
		EnvVars: []string{"LOG_LEVEL"},
	},
	&cli.BoolFlag{
		Name:    "debug",
		Usage:   "Use human-readable debug logging.",
		EnvVars: []string{"DEBUG"},
	},
	&cli.StringFlag{
		Name:    "tool",
		Usage:   "The build tool executable that tasks are passed to.",
		Value:   "make",
		EnvVars: []string{"TASKGATE_TOOL"},
	},
	&cli.StringFlag{
		Name:    "workdir",
		Usage:   "Directory tasks run in. Defaults to the current directory.",
		EnvVars: []string{"TASKGATE_WORKDIR"},
	},
	&cli.StringFlag{
		Name:    "registry",
		Usage:   "YAML file listing the known commands. Defaults to the .PHONY targets of the makefile in the workdir.",
		EnvVars: []string{"TASKGATE_REGISTRY"},
	},
	&cli.StringFlag{
		Name:    "grpc-host",
		Usage:   "Host the gRPC server binds to, and that clients dial (wildcards dial localhost).",
		Value:   "0.0.0.0",
		EnvVars: []string{"GRPC_HOST"},
	},
	&cli.IntFlag{
		Name:    "grpc-port",
		Usage:   "Port of the gRPC server.",
		Value:   50051,
		EnvVars: []string{"GRPC_PORT"},
	},
}

var rpcFlags = []cli.Flag{
	&cli.IntFlag{
		Name:    "workers",
		Usage:   "Maximum number of commands the gRPC server runs concurrently.",
		Value:   10,
		EnvVars: []string{"GRPC_MAX_WORKERS"},
	},
	&cli.DurationFlag{
		Name:    "rpc-timeout",
		Usage:   "Kill commands run over gRPC after this long. Zero means no timeout.",
		EnvVars: []string{"GRPC_TIMEOUT"},
	},
	&cli.DurationFlag{
		Name:    "shutdown-grace",
		Usage:   "How long to let in-flight calls finish on shutdown.",
		Value:   rpcShutdownGrace,
		EnvVars: []string{"SHUTDOWN_GRACE"},
	},
	&cli.BoolFlag{
		Name:    "rpc-sanitize",
		Usage:   "Apply the HTTP command name and argument restrictions to gRPC callers too.",
		EnvVars: []string{"GRPC_SANITIZE"},
	},
}

var gatewayFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "gateway-host",
		Usage:   "Host the HTTP gateway binds to.",
		Value:   "0.0.0.0",
		EnvVars: []string{"HTTP_GATEWAY_HOST"},
	},
	&cli.IntFlag{
		Name:    "gateway-port",
		Usage:   "Port the HTTP gateway listens on.",
		Value:   8082,
		EnvVars: []string{"HTTP_GATEWAY_PORT"},
	},
	&cli.BoolFlag{
		Name:    "gateway-sanitize",
		Usage:   "Restrict command names to [A-Za-z0-9_-] and reject flag-like arguments.",
		Value:   true,
		EnvVars: []string{"GATEWAY_SANITIZE"},
	},
	runTimeoutFlag,
}

var webFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "web-host",
		Usage:   "Host the standalone HTTP server binds to.",
		Value:   "0.0.0.0",
		EnvVars: []string{"WEB_HOST"},
	},
	&cli.IntFlag{
		Name:    "web-port",
		Usage:   "Port the standalone HTTP server listens on.",
		Value:   8000,
		EnvVars: []string{"WEB_PORT"},
	},
	&cli.StringFlag{
		Name:    "static-dir",
		Usage:   "Directory of static files served for paths outside /api. Empty disables it.",
		Value:   "static",
		EnvVars: []string{"STATIC_DIR"},
	},
	runTimeoutFlag,
}

var runTimeoutFlag = &cli.DurationFlag{
	Name:    "run-timeout",
	Usage:   "Time limit for commands run over HTTP; exceeding it responds 408.",
	Value:   defaultRunTimeout,
	EnvVars: []string{"RUN_TIMEOUT"},
}

func flags(groups ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	seen := map[cli.Flag]bool{}
	for _, g := range groups {
		for _, f := range g {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

func main() {
	if _, err := config.LoadDotEnv("."); err != nil {
		log.Printf("unable to load .env: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "taskgate",
		Usage: "run build tool tasks over gRPC and HTTP",
		Commands: []*cli.Command{
			{
				Name:   "rpc",
				Usage:  "Run the gRPC task service.",
				Flags:  flags(commonFlags, rpcFlags),
				Action: runRPC,
			},
			{
				Name:   "gateway",
				Usage:  "Run the HTTP gateway, forwarding to a running gRPC task service.",
				Flags:  flags(commonFlags, gatewayFlags),
				Action: runGateway,
			},
			{
				Name:   "serve",
				Usage:  "Run the gRPC task service and the HTTP gateway in one process.",
				Flags:  flags(commonFlags, rpcFlags, gatewayFlags),
				Action: runServe,
			},
			{
				Name:   "web",
				Usage:  "Run the standalone HTTP server, which runs tasks directly and serves static files.",
				Flags:  flags(commonFlags, webFlags),
				Action: runWeb,
			},
			{
				Name:      "run",
				Usage:     "Run a task through the gRPC task service and exit with its return code.",
				ArgsUsage: "[task] [args...]",
				Flags:     commonFlags,
				Action:    runTask,
			},
			{
				Name:   "commands",
				Usage:  "List the known commands.",
				Flags:  commonFlags,
				Action: listCommands,
			},
		},
	}
}

type env struct {
	logger  *zap.Logger
	workDir string
}

func setup(c *cli.Context) (*env, error) {
	logger, err := config.NewLogger(c.String("log-level"), c.Bool("debug"))
	if err != nil {
		return nil, err
	}
	workDir, err := config.WorkDir(c.String("workdir"))
	if err != nil {
		return nil, fmt.Errorf("resolving working directory: %w", err)
	}
	return &env{logger: logger, workDir: workDir}, nil
}

func (e *env) registry(c *cli.Context) *task.Registry {
	return task.Load(e.logger.Named("registry").Sugar(), c.String("registry"), task.FindMakefile(e.workDir))
}

func (e *env) rpcServer(c *cli.Context) *rpc.Server {
	exec := executor.New(c.String("tool"), e.workDir,
		executor.WithTimeout(c.Duration("rpc-timeout")),
		executor.WithLogger(e.logger),
	)
	svc := rpc.NewService(exec,
		rpc.WithServiceLogger(e.logger),
		rpc.WithPolicy(task.Policy{Sanitize: c.Bool("rpc-sanitize")}),
	)
	return rpc.NewServer(svc,
		rpc.WithListenAddr(net.ListenAddr(c.String("grpc-host"), c.Int("grpc-port"))),
		rpc.WithMaxWorkers(c.Int("workers")),
		rpc.WithShutdownGrace(c.Duration("shutdown-grace")),
		rpc.WithLogger(e.logger),
	)
}

func (e *env) dial(c *cli.Context) (*rpc.Client, error) {
	target := net.DialAddr(c.String("grpc-host"), c.Int("grpc-port"))
	e.logger.Sugar().Debugw("dialing gRPC task service", "Target", target)
	return rpc.Dial(target, rpc.WithClientLogger(e.logger))
}

func (e *env) gateway(c *cli.Context, client gateway.CommandClient) *gateway.Gateway {
	return gateway.New(client,
		gateway.WithListenAddr(net.ListenAddr(c.String("gateway-host"), c.Int("gateway-port"))),
		gateway.WithTimeout(c.Duration("run-timeout")),
		gateway.WithPolicy(task.Policy{Sanitize: c.Bool("gateway-sanitize")}),
		gateway.WithRegistry(e.registry(c)),
		gateway.WithLogger(e.logger),
	)
}

func runRPC(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.logger.Sync()
	return e.rpcServer(c).Run(c.Context)
}

func runGateway(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.logger.Sync()

	client, err := e.dial(c)
	if err != nil {
		return err
	}
	defer client.Close()
	return e.gateway(c, client).Run(c.Context)
}

func runServe(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.logger.Sync()

	server := e.rpcServer(c)
	client, err := e.dial(c)
	if err != nil {
		return err
	}
	defer client.Close()
	gw := e.gateway(c, client)

	group, ctx := errgroup.WithContext(c.Context)
	group.Go(func() error { return server.Run(ctx) })
	group.Go(func() error { return gw.Run(ctx) })
	return group.Wait()
}

func runWeb(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.logger.Sync()

	exec := executor.New(c.String("tool"), e.workDir, executor.WithLogger(e.logger))
	return web.New(exec,
		web.WithListenAddr(net.ListenAddr(c.String("web-host"), c.Int("web-port"))),
		web.WithTimeout(c.Duration("run-timeout")),
		web.WithStaticDir(c.String("static-dir")),
		web.WithRegistry(e.registry(c)),
		web.WithLogger(e.logger),
	).Run(c.Context)
}

func runTask(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.logger.Sync()

	client, err := e.dial(c)
	if err != nil {
		return err
	}
	defer client.Close()

	args := c.Args().Slice()
	req := &rpc.CommandRequest{}
	if len(args) > 0 {
		req.Command = args[0]
		req.Args = args[1:]
	}

	resp, err := client.RunCommand(c.Context, req)
	if resp == nil {
		return fmt.Errorf("running %q: %w", strings.Join(args, " "), err)
	}
	fmt.Fprint(c.App.Writer, resp.Output)
	fmt.Fprint(c.App.ErrWriter, resp.Error)
	if err != nil {
		return cli.Exit("", 1)
	}
	if resp.ReturnCode != 0 {
		return cli.Exit("", int(resp.ReturnCode))
	}
	return nil
}

func listCommands(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.logger.Sync()
	for _, name := range e.registry(c).Names() {
		fmt.Fprintln(c.App.Writer, name)
	}
	return nil
}
