//go:build linux

package executor

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// childConfigFD is the file descriptor on which the child reads its
// JSON-encoded childConfig. It is always FD 3: cmd.ExtraFiles puts the first
// entry there (FD 0-2 are stdin/stdout/stderr).
const childConfigFD = 3

// childConfig is the JSON wire format the parent writes to childConfigFD.
// It mirrors RunConfig but is a private, stable-enough shape for the
// parent/child handoff (as opposed to RunConfig, which is a public API type
// callers may evolve).
type childConfig struct {
	Argv    []string          `json:"argv"`
	Env     map[string]string `json:"env"`
	Cwd     string            `json:"cwd"`
	TimeMS  int64             `json:"time_ms"`
	MemKB   int64             `json:"mem_kb"`
	FsizeKB int64             `json:"fsize_kb"`
	NoFile  int64             `json:"nofile"`
}

// RunChild is the hidden child entrypoint. It is invoked by re-executing the
// sandboxd binary inside a freshly cloned PID+mount namespace that is
// already chrooted and chdir'd (via syscall.SysProcAttr.Chroot / exec.Cmd.Dir
// on the parent side; see [Run]).
//
// It reads its childConfig from childConfigFD, applies its share of the
// resource limits (the address-space cap is applied by the parent via
// Prlimit; see [Run]), then execs the target argv. It does not return on
// success; on failure it writes a diagnostic to stderr and returns 1 for the
// caller to os.Exit with.
func RunChild() int {
	cfg, err := readChildConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandboxd: child: %v\n", err)

		return 1
	}

	if err := applyRlimits(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "sandboxd: child: applying rlimits: %v\n", err)

		return 1
	}

	envv := buildChildEnv(cfg.Env)

	if err := execSearchPath(cfg.Argv, envv); err != nil {
		fmt.Fprintf(os.Stderr, "sandboxd: child: exec %q: %v\n", cfg.Argv[0], err)

		return 1
	}

	// execSearchPath only returns on error.
	return 1
}

func readChildConfig() (childConfig, error) {
	f := os.NewFile(childConfigFD, "sandboxd-child-config")
	if f == nil {
		return childConfig{}, fmt.Errorf("config fd %d not inherited", childConfigFD)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return childConfig{}, fmt.Errorf("reading config: %w", err)
	}

	var cfg childConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return childConfig{}, fmt.Errorf("decoding config: %w", err)
	}

	if len(cfg.Argv) == 0 {
		return childConfig{}, fmt.Errorf("empty argv")
	}

	return cfg, nil
}
