//go:build linux

package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// TestMain gives this test binary the same two hidden re-exec entrypoints
// that cmd/sandboxd's real main wires up:
//
//   - ChildEntrypointArg lets the [Test_RunOneshot_*] tests exercise
//     the real fork/chroot/rlimit/exec path, since [Run] bind-mounts
//     os.Executable() (which, under `go test`, is this test binary) into
//     the sandbox root and re-execs it from there.
//   - SANDBOXD_EXEC_HELPER lets execSearchPath be exercised from a
//     subprocess, since on success it replaces the calling process image.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == ChildEntrypointArg {
		os.Exit(RunChild())
	}

	if os.Getenv("SANDBOXD_EXEC_HELPER") == "1" {
		envv := os.Environ()
		if extra := os.Getenv("SANDBOXD_EXEC_HELPER_ENV"); extra != "" {
			envv = strings.Split(extra, "\x1f")
		}

		err := execSearchPath(os.Args[1:], envv)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// runExecHelper runs argv through execSearchPath in a fresh subprocess,
// since a successful call replaces the process image of the caller.
func runExecHelper(t *testing.T, argv []string, env []string) (stdout, stderr string, err error) {
	t.Helper()

	self, execErr := os.Executable()
	if execErr != nil {
		t.Fatalf("os.Executable() error = %v", execErr)
	}

	cmd := exec.Command(self, argv...)
	cmd.Env = append(os.Environ(), "SANDBOXD_EXEC_HELPER=1")

	if env != nil {
		cmd.Env = append(cmd.Env, "SANDBOXD_EXEC_HELPER_ENV="+strings.Join(env, "\x1f"))
	}

	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err = cmd.Run()

	return outBuf.String(), errBuf.String(), err
}

func requireRoot(t *testing.T) {
	t.Helper()

	if os.Geteuid() != 0 {
		t.Skip("namespace/chroot isolation requires root")
	}
}

func Test_RunConfig_Clone_Deep_Copies_Argv_And_Env(t *testing.T) {
	t.Parallel()

	orig := RunConfig{Argv: []string{"echo", "hi"}, Env: map[string]string{"A": "1"}}
	clone := orig.Clone()

	clone.Argv[0] = "mutated"
	clone.Env["A"] = "mutated"

	if orig.Argv[0] != "echo" {
		t.Errorf("Clone() aliased Argv: original was mutated to %q", orig.Argv[0])
	}

	if orig.Env["A"] != "1" {
		t.Errorf("Clone() aliased Env: original was mutated to %q", orig.Env["A"])
	}
}

func Test_classifyWait_Exited_Returns_Code(t *testing.T) {
	t.Parallel()

	cmd := exec.Command("sh", "-c", "exit 7")
	_ = cmd.Run()

	got, err := classifyWait(cmd.ProcessState, nil)
	if err != nil {
		t.Fatalf("classifyWait() error = %v", err)
	}

	want := Termination{Kind: TerminationExited, Code: 7}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("classifyWait() mismatch (-want +got):\n%s", diff)
	}
}

func Test_classifyWait_Signaled_Returns_Signo(t *testing.T) {
	t.Parallel()

	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("Signal() error = %v", err)
	}

	_ = cmd.Wait()

	got, err := classifyWait(cmd.ProcessState, nil)
	if err != nil {
		t.Fatalf("classifyWait() error = %v", err)
	}

	want := Termination{Kind: TerminationSignaled, Signo: int32(syscall.SIGTERM)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("classifyWait() mismatch (-want +got):\n%s", diff)
	}
}

func Test_classifyWait_Nil_State_Passes_Through_Wait_Error(t *testing.T) {
	t.Parallel()

	waitErr := fmt.Errorf("boom")

	_, err := classifyWait(nil, waitErr)
	if err != waitErr {
		t.Errorf("classifyWait() error = %v, want %v", err, waitErr)
	}
}

// The Test_RunOneshot_* tests are not parallel: RunOneshot shares OneshotRoot.
func Test_RunOneshot_Captures_Stdout_And_Exit_Code(t *testing.T) {
	requireRoot(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := RunOneshot(ctx, RunConfig{
		Argv:    []string{"echo", "hello-sandbox"},
		TimeMS:  5000,
		MemKB:   65536,
		FsizeKB: 4096,
		NoFile:  64,
		Cwd:     "/",
	}, nil)
	if err != nil {
		t.Fatalf("RunOneshot() error = %v", err)
	}

	if string(result.Stdout) != "hello-sandbox\n" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "hello-sandbox\n")
	}

	want := Termination{Kind: TerminationExited, Code: 0}
	if diff := cmp.Diff(want, result.Termination); diff != "" {
		t.Errorf("Termination mismatch (-want +got):\n%s", diff)
	}
}

func Test_RunOneshot_Nonzero_Exit_Is_Not_An_Error(t *testing.T) {
	requireRoot(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := RunOneshot(ctx, RunConfig{
		Argv:    []string{"sh", "-c", "exit 3"},
		TimeMS:  5000,
		MemKB:   65536,
		FsizeKB: 4096,
		NoFile:  64,
		Cwd:     "/",
	}, nil)
	if err != nil {
		t.Fatalf("RunOneshot() error = %v", err)
	}

	if result.Termination.Kind != TerminationExited || result.Termination.Code != 3 {
		t.Errorf("Termination = %+v, want exited(3)", result.Termination)
	}
}

func Test_RunOneshot_CPU_Time_Rlimit_Kills_Busy_Loop(t *testing.T) {
	requireRoot(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := RunOneshot(ctx, RunConfig{
		Argv:    []string{"sh", "-c", "while true; do :; done"},
		TimeMS:  1000,
		MemKB:   65536,
		FsizeKB: 4096,
		NoFile:  64,
		Cwd:     "/",
	}, nil)
	if err != nil {
		t.Fatalf("RunOneshot() error = %v", err)
	}

	if result.Termination.Kind != TerminationSignaled {
		t.Errorf("Termination = %+v, want a signal death from RLIMIT_CPU", result.Termination)
	}
}
