//go:build linux

package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/cellblock/sandboxd/internal/debuglog"
	"github.com/cellblock/sandboxd/internal/sandboxfs"
)

// ChildEntrypointArg is the hidden argv[1] marker that tells a re-executed
// sandboxd binary to run [RunChild] instead of the normal CLI. cmd/sandboxd
// checks for this before parsing any other flags.
const ChildEntrypointArg = "__sandboxd_exec_child"

// OneshotRoot is the fixed sandbox root used by [RunOneshot]. It is not safe
// against concurrent one-shot invocations, which would share this root.
const OneshotRoot = "/tmp/sandbox-oneshot"

// childExecPath is where the sandboxd binary is bind-mounted inside the
// sandbox root so it can be re-exec'd as argv0 after chroot. Go's
// forkAndExecInChild applies Chroot before the final execve, so argv0 must
// already resolve inside root; a host-absolute path to the real binary
// (which typically lives outside the bind-mounted host directories) would
// not.
const childExecPath = "/.sandboxd-exec"

// Run launches cfg.Argv inside the sandbox rooted at root: a fresh PID+mount
// namespace, chroot to root, chdir to cfg.Cwd (interpreted post-chroot), the
// resource limits from cfg applied as both soft and hard, and stdout/stderr
// captured to completion before the result is returned. log may be nil.
//
// A non-zero child exit code or a signal death is not an error; it is
// reported inside the returned RunResult. Errors returned here indicate
// sandbox setup failure.
func Run(ctx context.Context, root string, cfg RunConfig, log *debuglog.Logger) (RunResult, error) {
	log = ensureLogger(log)

	if len(cfg.Argv) == 0 {
		return RunResult{}, fmt.Errorf("executor: run: empty argv")
	}

	self, err := os.Executable()
	if err != nil {
		return RunResult{}, fmt.Errorf("executor: run: resolving self executable: %w", err)
	}

	boundExec, err := sandboxfs.BindExecutable(root, self, childExecPath)
	if err != nil {
		return RunResult{}, fmt.Errorf("executor: run: binding self executable into root: %w", err)
	}

	log.Mount(root, fmt.Sprintf("bound self executable at %s", childExecPath))

	unmountExec := func() {
		if err := sandboxfs.UnmountPath(boundExec); err != nil {
			log.Mount(root, fmt.Sprintf("failed to unmount self executable: %v", err))
		}
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		unmountExec()

		return RunResult{}, fmt.Errorf("executor: run: creating stdout pipe: %w", err)
	}
	defer outR.Close()

	errR, errW, err := os.Pipe()
	if err != nil {
		unmountExec()
		_ = outW.Close()

		return RunResult{}, fmt.Errorf("executor: run: creating stderr pipe: %w", err)
	}
	defer errR.Close()

	cfgR, cfgW, err := os.Pipe()
	if err != nil {
		unmountExec()
		_ = outW.Close()
		_ = errW.Close()

		return RunResult{}, fmt.Errorf("executor: run: creating config pipe: %w", err)
	}

	cmd := exec.CommandContext(ctx, childExecPath, ChildEntrypointArg)
	cmd.Dir = cfg.Cwd
	cmd.Env = []string{}
	cmd.Stdin = nil // child reads from the null device
	cmd.Stdout = outW
	cmd.Stderr = errW
	cmd.ExtraFiles = []*os.File{cfgR}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWPID | syscall.CLONE_NEWNS,
		Chroot:     root,
		Pdeathsig:  syscall.SIGKILL,
	}

	childCfg := childConfig{
		Argv:    append([]string(nil), cfg.Argv...),
		Env:     cfg.Env,
		Cwd:     cfg.Cwd,
		TimeMS:  cfg.TimeMS,
		MemKB:   cfg.MemKB,
		FsizeKB: cfg.FsizeKB,
		NoFile:  cfg.NoFile,
	}

	for _, spec := range rlimitSpecs(childCfg) {
		log.Rlimit(spec.name, spec.value)
	}

	payload, err := json.Marshal(childCfg)
	if err != nil {
		unmountExec()
		_ = outW.Close()
		_ = errW.Close()
		_ = cfgR.Close()
		_ = cfgW.Close()

		return RunResult{}, fmt.Errorf("executor: run: encoding child config: %w", err)
	}

	if err := cmd.Start(); err != nil {
		unmountExec()
		_ = outW.Close()
		_ = errW.Close()
		_ = cfgR.Close()
		_ = cfgW.Close()

		return RunResult{}, fmt.Errorf("executor: run: fork: %w", err)
	}

	// The child's mount namespace (CLONE_NEWNS) is already a private copy of
	// the parent's once Start returns, so the bind mount can come down on the
	// host side without affecting the child.
	unmountExec()

	// The child holds its own copies of the pipe FDs; the parent must drop
	// its write ends (and the config read end) so the child is the only
	// writer/reader and EOF is observed correctly.
	_ = outW.Close()
	_ = errW.Close()
	_ = cfgR.Close()

	// The address-space cap is applied from here by pid: the child blocks
	// reading its config until the payload below is written, so the limit is
	// in place before it can exec, and the child's own Go runtime never
	// allocates under it.
	if err := applyParentRlimits(cmd.Process.Pid, childCfg); err != nil {
		_ = cfgW.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()

		return RunResult{}, fmt.Errorf("executor: run: rlimit: %w", err)
	}

	if _, err := cfgW.Write(payload); err != nil {
		_ = cfgW.Close()
		_ = cmd.Wait()

		return RunResult{}, fmt.Errorf("executor: run: writing child config: %w", err)
	}

	_ = cfgW.Close()

	// Drain both pipes concurrently with waitpid so a child producing more
	// than one pipe-buffer of output before exiting cannot deadlock.
	var (
		wg             sync.WaitGroup
		stdout, stderr []byte
	)

	wg.Add(2)

	go func() {
		defer wg.Done()

		stdout, _ = readAll(outR)
	}()

	go func() {
		defer wg.Done()

		stderr, _ = readAll(errR)
	}()

	waitErr := cmd.Wait()

	wg.Wait()

	termination, unknownWait := classifyWait(cmd.ProcessState, waitErr)
	if unknownWait != nil {
		return RunResult{}, fmt.Errorf("executor: run: waitpid: %w", unknownWait)
	}

	return RunResult{Stdout: stdout, Stderr: stderr, Termination: termination}, nil
}

// RunOneshot prepares a fixed sandbox root, runs cfg once, and tears the
// root down regardless of success. It is not safe against concurrent
// one-shot invocations. log may be nil.
func RunOneshot(ctx context.Context, cfg RunConfig, log *debuglog.Logger) (RunResult, error) {
	if err := sandboxfs.Prepare(OneshotRoot, log); err != nil {
		return RunResult{}, fmt.Errorf("executor: run_oneshot: preparing root: %w", err)
	}
	defer func() {
		_ = sandboxfs.Destroy(OneshotRoot, log)
	}()

	return Run(ctx, OneshotRoot, cfg, log)
}

func ensureLogger(log *debuglog.Logger) *debuglog.Logger {
	if log == nil {
		return debuglog.New(nil)
	}

	return log
}

func readAll(f *os.File) ([]byte, error) {
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil && err != io.EOF {
		return data, err
	}

	return data, nil
}

// classifyWait translates a wait outcome into a Termination. A non-nil
// returned error here means the wait itself failed in a way that is not a
// normal "child exited/was signaled" outcome.
func classifyWait(state *os.ProcessState, waitErr error) (Termination, error) {
	if state == nil {
		return Termination{}, waitErr
	}

	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return Termination{Kind: TerminationUnknown}, nil
	}

	switch {
	case ws.Exited():
		return Termination{Kind: TerminationExited, Code: int32(ws.ExitStatus())}, nil
	case ws.Signaled():
		return Termination{Kind: TerminationSignaled, Signo: int32(ws.Signal())}, nil
	default:
		return Termination{Kind: TerminationUnknown}, nil
	}
}
