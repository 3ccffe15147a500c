//go:build linux

package executor

import "sort"

// defaultPath and defaultHome are appended unconditionally to every child
// environment.
const (
	defaultPath = "PATH=/usr/bin:/bin"
	defaultHome = "HOME=/home"
)

// buildChildEnv turns env into a sorted KEY=VALUE slice and appends the
// default PATH/HOME entries.
//
// Sorting keeps the slice deterministic for tests and debug output.
func buildChildEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([]string, 0, len(keys)+2)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}

	out = append(out, defaultPath, defaultHome)

	return out
}
