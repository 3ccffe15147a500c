package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	flag "github.com/spf13/pflag"
	"google.golang.org/grpc"

	"github.com/cellblock/sandboxd/internal/config"
	"github.com/cellblock/sandboxd/internal/debuglog"
	"github.com/cellblock/sandboxd/internal/executor"
	"github.com/cellblock/sandboxd/internal/httpapi"
	"github.com/cellblock/sandboxd/internal/registry"
	"github.com/cellblock/sandboxd/internal/rpcapi"
)

const (
	programName = "sandboxd"

	// exitCodeSIGINT is the exit code when the process is interrupted by SIGINT (128 + 2).
	exitCodeSIGINT = 130

	// shutdownTimeout is how long graceful shutdown is given before the
	// adapters are forcibly stopped.
	shutdownTimeout = 10 * time.Second
)

// Run is the entry point isolated from global state (stdio, os.Args,
// os.Environ, signal delivery) so it can be exercised directly in tests.
// sigCh may be nil when signal handling is not needed.
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	if err := checkPlatformPrerequisites(); err != nil {
		fprintError(stderr, err)

		return 1
	}

	if len(args) < 2 {
		printUsage(stdout)

		return 0
	}

	switch args[1] {
	case "serve":
		return runServe(stdout, stderr, args[2:], env, sigCh)
	case "--run":
		return runOneshot(stdin, stdout, stderr, args[2:])
	case "-h", "--help":
		printUsage(stdout)

		return 0
	case "-v", "--version":
		fprintf(stdout, "%s\n", formatVersion())

		return 0
	default:
		fprintError(stderr, fmt.Errorf("unknown command %q", args[1]))
		printUsage(stderr)

		return 1
	}
}

func checkPlatformPrerequisites() error {
	if runtime.GOOS != "linux" {
		return errors.New("checking platform prerequisites: requires Linux (namespace isolation is a Linux-only feature)")
	}

	if os.Getuid() != 0 {
		return errors.New("checking platform prerequisites: must run as root (mount namespaces require CAP_SYS_ADMIN)")
	}

	return nil
}

func runServe(stdout, stderr io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	flags.SetOutput(io.Discard)

	flags.Int("port", 0, "HTTP port")
	flags.Int("grpc-port", 0, "gRPC port")
	flagConfig := flags.String("config", "", "Path to a JSON/JSONC config file")
	flagDebug := flags.Bool("debug", false, "Print sandboxd lifecycle details to stderr")
	flags.Int("ttl", 0, "Session idle TTL in seconds")
	flags.Int("reap-interval", 0, "Reaper sweep interval in seconds")

	if err := flags.Parse(args); err != nil {
		fprintError(stderr, err)

		return 1
	}

	cfg, err := config.Load(config.LoadInput{ConfigPath: *flagConfig, CLIFlags: flags, EnvVars: env})
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	var logger *debuglog.Logger
	if *flagDebug {
		logger = debuglog.New(stderr)
	} else {
		logger = debuglog.New(nil)
	}

	debugConfigLoading(logger, &cfg)

	reg := registry.New(cfg.SessionTTL, logger)

	termCtx, terminate := context.WithCancel(context.Background())
	defer terminate()

	go reg.RunReaper(termCtx, cfg.ReapInterval)

	httpDefaults := httpapi.Defaults{
		TimeMS:  cfg.Defaults.TimeMS,
		MemKB:   cfg.Defaults.MemKB,
		FsizeKB: cfg.Defaults.FsizeKB,
		NoFile:  cfg.Defaults.NoFile,
	}

	httpHandler := httpapi.NewHandler(reg, httpDefaults, logger)
	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: httpHandler}

	grpcDefaults := rpcapi.Defaults{
		TimeMS:  cfg.Defaults.TimeMS,
		MemKB:   cfg.Defaults.MemKB,
		FsizeKB: cfg.Defaults.FsizeKB,
		NoFile:  cfg.Defaults.NoFile,
	}

	grpcSrv := grpc.NewServer()
	rpcapi.NewServer(reg, grpcDefaults, logger).Register(grpcSrv)

	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		fprintError(stderr, fmt.Errorf("listening on grpc port %d: %w", cfg.GRPCPort, err))

		return 1
	}

	errCh := make(chan error, 2)

	go func() {
		logger.Listening("http", httpSrv.Addr)

		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	go func() {
		logger.Listening("grpc", grpcLis.Addr().String())

		if err := grpcSrv.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	shutdown := func() {
		terminate()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = httpSrv.Shutdown(shutdownCtx)
		grpcSrv.GracefulStop()

		if err := reg.Shutdown(); err != nil {
			logger.Logf("sandboxd: session teardown errors: %v", err)
		}
	}

	forceStop := func() {
		_ = httpSrv.Close()
		grpcSrv.Stop()
	}

	if sigCh == nil {
		err := <-errCh
		shutdown()

		if err != nil {
			fprintError(stderr, err)

			return 1
		}

		return 0
	}

	select {
	case err := <-errCh:
		fprintError(stderr, err)
		shutdown()

		return 1
	case <-sigCh:
		fprintln(stderr, "Interrupted, shutting down... (Ctrl+C again to force exit)")
	}

	done := make(chan struct{})

	go func() {
		shutdown()
		close(done)
	}()

	select {
	case <-done:
		return exitCodeSIGINT
	case <-sigCh:
		fprintln(stderr, "Forced exit.")
		forceStop()
		<-done

		return exitCodeSIGINT
	case <-time.After(shutdownTimeout + time.Second):
		fprintln(stderr, "Shutdown timed out, forced exit.")
		forceStop()
		<-done

		return exitCodeSIGINT
	}
}

// debugConfigLoading prints the resolved config, grouped by section, when
// --debug is set.
func debugConfigLoading(debug *debuglog.Logger, cfg *config.Config) {
	if !debug.Enabled() {
		return
	}

	debug.Section("Config Loading")

	if cfg.LoadedConfigFile == "" {
		debug.Bulletf("Config file: none (built-in defaults)")
	} else {
		debug.Bulletf("Config file: %s", cfg.LoadedConfigFile)
	}

	debug.Section("Resolved Settings")
	debug.Bulletf("http_port = %d", cfg.HTTPPort)
	debug.Bulletf("grpc_port = %d", cfg.GRPCPort)
	debug.Bulletf("session_ttl = %s", cfg.SessionTTL)
	debug.Bulletf("reap_interval = %s", cfg.ReapInterval)
	debug.Bulletf("defaults.time_ms = %d", cfg.Defaults.TimeMS)
	debug.Bulletf("defaults.mem_kb = %d", cfg.Defaults.MemKB)
	debug.Bulletf("defaults.fsize_kb = %d", cfg.Defaults.FsizeKB)
	debug.Bulletf("defaults.nofile = %d", cfg.Defaults.NoFile)
}

func runOneshot(stdin io.Reader, stdout, stderr io.Writer, args []string) int {
	flags := flag.NewFlagSet("--run", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.SetInterspersed(false)

	flagTime := flags.Int64("time", 300000, "CPU-time budget in milliseconds")
	flagMem := flags.Int64("mem", 2097152, "Virtual address-space cap in kilobytes")
	flagFsize := flags.Int64("fsize", 1048576, "Maximum single-file write size in kilobytes")
	flagNoFile := flags.Int64("nofile", 256, "Maximum open-file count")

	if err := flags.Parse(args); err != nil {
		fprintError(stderr, err)

		return 1
	}

	argv := flags.Args()
	if len(argv) > 0 && argv[0] == "--" {
		argv = argv[1:]
	}

	if len(argv) == 0 {
		fprintError(stderr, errors.New("--run requires a command after --"))

		return 1
	}

	cfg := executor.RunConfig{
		Argv:    argv,
		TimeMS:  *flagTime,
		MemKB:   *flagMem,
		FsizeKB: *flagFsize,
		NoFile:  *flagNoFile,
		Cwd:     "/",
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*flagTime)*time.Millisecond+30*time.Second)
	defer cancel()

	result, err := executor.RunOneshot(ctx, cfg, nil)
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	_, _ = stdout.Write(result.Stdout)
	_, _ = stderr.Write(result.Stderr)

	_ = stdin // stdin is intentionally unused: the child reads from /dev/null.

	switch result.Termination.Kind {
	case executor.TerminationExited:
		return int(result.Termination.Code)
	case executor.TerminationSignaled:
		return 128 + int(result.Termination.Signo)
	default:
		return 1
	}
}

const usageHelp = `sandboxd - Linux process sandbox service

Usage:
  sandboxd serve [--port 8080] [--grpc-port 50051] [--config file] [--debug]
  sandboxd --run [--time ms] [--mem kb] [--fsize kb] [--nofile n] -- <argv...>

serve starts the HTTP and gRPC adapters sharing one session registry.
--run executes a single command in a throwaway sandbox and exits with its
status; stdout/stderr are forwarded.

sandboxd must run as root: constructing PID and mount namespaces requires
CAP_SYS_ADMIN.`

func printUsage(out io.Writer) {
	fprintln(out, usageHelp)
}

func fprintln(out io.Writer, a ...any) {
	_, _ = fmt.Fprintln(out, a...)
}

func fprintf(out io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(out, format, a...)
}

func fprintError(out io.Writer, err error) {
	fprintln(out, programName+": error:", err)
}

func formatVersion() string {
	if version == "source" {
		return fmt.Sprintf("%s (built from source, %s)", programName, date)
	}

	return fmt.Sprintf("%s %s (%s, %s)", programName, version, commit, date)
}

