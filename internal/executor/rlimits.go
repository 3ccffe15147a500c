//go:build linux

package executor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// maxProcs is the fixed RLIMIT_NPROC ceiling applied to every sandboxed
// child.
const maxProcs = 64

// rlimitSpec names a single resource limit applied as both soft and hard.
// parentApplied limits are set from the parent via Prlimit (by pid) rather
// than by the child itself: the re-exec'd child is a full Go runtime, and
// its own allocations would count against a limit like RLIMIT_AS, aborting
// the child before the final exec whenever the cap is below the runtime's
// virtual address-space footprint.
type rlimitSpec struct {
	name          string
	resource      int
	value         uint64
	parentApplied bool
}

// rlimitSpecs computes the resource limits derived from cfg. It is shared by
// [applyRlimits] (child side), [applyParentRlimits] (parent side), and the
// debug preview logged before fork.
func rlimitSpecs(cfg childConfig) []rlimitSpec {
	cpuSeconds := cfg.TimeMS / 1000
	if cpuSeconds < 1 {
		cpuSeconds = 1
	}

	return []rlimitSpec{
		{"RLIMIT_CPU", unix.RLIMIT_CPU, uint64(cpuSeconds), false},
		{"RLIMIT_AS", unix.RLIMIT_AS, uint64(cfg.MemKB) * 1024, true},
		{"RLIMIT_FSIZE", unix.RLIMIT_FSIZE, uint64(cfg.FsizeKB) * 1024, false},
		{"RLIMIT_NOFILE", unix.RLIMIT_NOFILE, uint64(cfg.NoFile), false},
		{"RLIMIT_CORE", unix.RLIMIT_CORE, 0, false},
		{"RLIMIT_NPROC", unix.RLIMIT_NPROC, maxProcs, false},
	}
}

// applyRlimits sets, as both soft and hard, every resource limit from cfg
// that is safe for the child to set on itself. It must run in the child,
// before exec.
func applyRlimits(cfg childConfig) error {
	for _, spec := range rlimitSpecs(cfg) {
		if spec.parentApplied {
			continue
		}

		rlim := unix.Rlimit{Cur: spec.value, Max: spec.value}
		if err := unix.Setrlimit(spec.resource, &rlim); err != nil {
			return err
		}
	}

	return nil
}

// applyParentRlimits sets the parentApplied limits on the child identified
// by pid. The caller must guarantee the child has not exec'd the target
// command yet; [Run] does so by calling this before writing the config
// payload the child blocks on.
func applyParentRlimits(pid int, cfg childConfig) error {
	for _, spec := range rlimitSpecs(cfg) {
		if !spec.parentApplied {
			continue
		}

		rlim := unix.Rlimit{Cur: spec.value, Max: spec.value}
		if err := unix.Prlimit(pid, spec.resource, &rlim, nil); err != nil {
			return fmt.Errorf("prlimit %s: %w", spec.name, err)
		}
	}

	return nil
}
