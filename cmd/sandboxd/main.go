// Command sandboxd runs the process sandbox service: a session-scoped
// chroot/namespace/rlimit execution engine exposed over HTTP and gRPC, plus
// a one-shot CLI execution mode.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/cellblock/sandboxd/internal/executor"
)

// version/commit/date are overridden at build time via -ldflags.
var (
	version = "source"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// The child entrypoint dispatch happens before any flag parsing or
	// config loading: a re-exec'd child's argv is exactly
	// [self, executor.ChildEntrypointArg], and it must not touch stdio in
	// any way other than what RunChild itself does.
	if len(os.Args) > 1 && os.Args[1] == executor.ChildEntrypointArg {
		os.Exit(executor.RunChild())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	env := make(map[string]string, len(os.Environ()))
	for _, kv := range os.Environ() {
		if k, v, ok := splitEnv(kv); ok {
			env[k] = v
		}
	}

	os.Exit(Run(os.Stdin, os.Stdout, os.Stderr, os.Args, env, sigCh))
}

func splitEnv(kv string) (key, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}

	return "", "", false
}
