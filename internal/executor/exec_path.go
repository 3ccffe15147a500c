//go:build linux

package executor

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// execSearchPath execs argv[0] with the given environment, searching PATH
// (taken from envv) the way a shell's execvp would when argv[0] contains no
// "/". It only returns on failure; success replaces the process image.
func execSearchPath(argv, envv []string) error {
	name := argv[0]

	if strings.Contains(name, "/") {
		return unix.Exec(name, argv, envv)
	}

	path := pathFromEnv(envv)
	if path == "" {
		return fmt.Errorf("PATH not set and %q is not a path", name)
	}

	var lastErr error

	for _, dir := range strings.Split(path, ":") {
		if dir == "" {
			dir = "."
		}

		candidate := filepath.Join(dir, name)

		err := unix.Exec(candidate, argv, envv)
		// unix.Exec only returns on error; ENOENT/EACCES/ENOTDIR mean "try the
		// next PATH entry", matching execvp semantics.
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EACCES) || errors.Is(err, unix.ENOTDIR) {
			lastErr = err

			continue
		}

		return err
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%q not found in PATH", name)
	}

	return lastErr
}

func pathFromEnv(envv []string) string {
	for _, kv := range envv {
		if strings.HasPrefix(kv, "PATH=") {
			return strings.TrimPrefix(kv, "PATH=")
		}
	}

	return ""
}
