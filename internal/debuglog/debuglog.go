// Package debuglog provides structured, opt-in debug output for sandboxd:
// mount/unmount steps, rlimits applied, session lifecycle events, and
// reaper sweeps.
//
// Disabled by default via a nil io.Writer, enabled by wiring stderr; every
// method is a no-op when logging is off.
package debuglog

import (
	"fmt"
	"io"
)

// Logger writes structured debug output. It is disabled when output is
// nil and all methods are then no-ops.
type Logger struct {
	output io.Writer
}

// New constructs a Logger. If output is nil, the logger is disabled.
func New(output io.Writer) *Logger {
	return &Logger{output: output}
}

// Enabled returns true if debug logging is enabled.
func (l *Logger) Enabled() bool {
	return l.output != nil
}

// Section outputs a section header.
func (l *Logger) Section(name string) {
	if l.output == nil {
		return
	}

	_, _ = fmt.Fprintf(l.output, "\n=== %s ===\n", name)
}

// Logf outputs a formatted debug message.
func (l *Logger) Logf(format string, args ...any) {
	if l.output == nil {
		return
	}

	_, _ = fmt.Fprintf(l.output, format+"\n", args...)
}

// Bulletf outputs an indented bullet point item.
func (l *Logger) Bulletf(format string, args ...any) {
	if l.output == nil {
		return
	}

	_, _ = fmt.Fprintf(l.output, "  • "+format+"\n", args...)
}

// Printf is an alias for Logf, for call sites that prefer the conventional
// name.
func (l *Logger) Printf(format string, args ...any) {
	l.Logf(format, args...)
}

// Mount reports a filesystem step taken while preparing or tearing down a
// sandbox root.
func (l *Logger) Mount(root, step string) {
	if l.output == nil {
		return
	}

	_, _ = fmt.Fprintf(l.output, "  [%s] %s\n", root, step)
}

// Rlimit reports a resource limit applied to a child before exec.
func (l *Logger) Rlimit(name string, value uint64) {
	if l.output == nil {
		return
	}

	_, _ = fmt.Fprintf(l.output, "  rlimit %s = %d\n", name, value)
}

// SessionEvent reports a session lifecycle transition: created, deleted,
// reaped, env/cwd mutated.
func (l *Logger) SessionEvent(id, event string) {
	if l.output == nil {
		return
	}

	_, _ = fmt.Fprintf(l.output, "  session %s: %s\n", id, event)
}

// ReapSweep reports the outcome of one reaper tick.
func (l *Logger) ReapSweep(reaped int) {
	if l.output == nil || reaped == 0 {
		return
	}

	_, _ = fmt.Fprintf(l.output, "  reaper: destroyed %d idle session(s)\n", reaped)
}

// Listening reports an adapter's bound address.
func (l *Logger) Listening(adapter, addr string) {
	if l.output == nil {
		return
	}

	_, _ = fmt.Fprintf(l.output, "  %s listening on %s\n", adapter, addr)
}
