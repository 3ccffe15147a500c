//go:build linux

// Package sandboxfs builds and tears down the per-session chroot-style root
// directory tree: a writable tmpfs overlaid with read-only bind views of
// host system directories.
//
// The package performs raw mount/bind/chroot-adjacent filesystem operations.
// It does not fork or exec anything; that is the job of
// github.com/cellblock/sandboxd/internal/executor.
package sandboxfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cellblock/sandboxd/internal/debuglog"
)

// hostDirs is the ordered list of host directories bind-mounted read-only
// into every sandbox root. A host directory absent on the machine is skipped
// silently.
var hostDirs = []string{"/bin", "/lib", "/lib64", "/usr", "/etc"}

// hostDevices is the ordered list of device nodes bind-mounted into the
// sandbox's dev directory.
var hostDevices = []string{"null", "zero", "urandom", "random"}

const tmpfsSizeBytes = 2 * 1024 * 1024 * 1024 // 2 GiB

func ensureLogger(log *debuglog.Logger) *debuglog.Logger {
	if log == nil {
		return debuglog.New(nil)
	}

	return log
}

// Prepare idempotently constructs a hermetic directory tree at root suitable
// for use as a chroot target.
//
// If root already exists, it is destroyed first (same semantics as
// [Destroy]). Any failure aborts and returns an error identifying the
// failing step; partial state is NOT rolled back here, so callers that no
// longer want the root should call [Destroy] on it. log may be nil.
func Prepare(root string, log *debuglog.Logger) error {
	log = ensureLogger(log)

	if _, err := os.Lstat(root); err == nil {
		log.Mount(root, "already exists, destroying first")

		if err := Destroy(root, log); err != nil {
			return fmt.Errorf("sandboxfs: prepare %s: destroying stale root: %w", root, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("sandboxfs: prepare %s: stat: %w", root, err)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("sandboxfs: prepare %s: mkdir root: %w", root, err)
	}

	opts := fmt.Sprintf("size=%d,mode=0755", tmpfsSizeBytes)
	if err := unix.Mount("tmpfs", root, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, opts); err != nil {
		return fmt.Errorf("sandboxfs: prepare %s: mount tmpfs: %w", root, err)
	}

	log.Mount(root, "mounted tmpfs")

	for _, hostDir := range hostDirs {
		if _, err := os.Stat(hostDir); err != nil {
			log.Mount(root, fmt.Sprintf("skipping absent host dir %s", hostDir))

			continue
		}

		target := filepath.Join(root, hostDir)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("sandboxfs: prepare %s: mkdir %s: %w", root, target, err)
		}

		if err := unix.Mount(hostDir, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("sandboxfs: prepare %s: bind mount %s: %w", root, hostDir, err)
		}

		if err := unix.Mount("", target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("sandboxfs: prepare %s: remount ro %s: %w", root, hostDir, err)
		}

		log.Mount(root, fmt.Sprintf("bind-mounted %s read-only", hostDir))
	}

	tmpDir := filepath.Join(root, "tmp")
	if err := os.MkdirAll(tmpDir, 0o1777); err != nil {
		return fmt.Errorf("sandboxfs: prepare %s: mkdir tmp: %w", root, err)
	}

	if err := os.Chmod(tmpDir, 0o1777); err != nil {
		return fmt.Errorf("sandboxfs: prepare %s: chmod tmp: %w", root, err)
	}

	devDir := filepath.Join(root, "dev")
	if err := os.MkdirAll(devDir, 0o755); err != nil {
		return fmt.Errorf("sandboxfs: prepare %s: mkdir dev: %w", root, err)
	}

	for _, name := range hostDevices {
		hostPath := filepath.Join("/dev", name)
		if _, err := os.Stat(hostPath); err != nil {
			log.Mount(root, fmt.Sprintf("skipping absent host device %s", hostPath))

			continue
		}

		target := filepath.Join(devDir, name)
		if err := touchFile(target); err != nil {
			return fmt.Errorf("sandboxfs: prepare %s: touch %s: %w", root, target, err)
		}

		if err := unix.Mount(hostPath, target, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("sandboxfs: prepare %s: bind mount %s: %w", root, hostPath, err)
		}

		log.Mount(root, fmt.Sprintf("bind-mounted device %s", hostPath))
	}

	procDir := filepath.Join(root, "proc")
	if err := os.MkdirAll(procDir, 0o755); err != nil {
		return fmt.Errorf("sandboxfs: prepare %s: mkdir proc: %w", root, err)
	}

	if err := unix.Mount("proc", procDir, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		return fmt.Errorf("sandboxfs: prepare %s: mount proc: %w", root, err)
	}

	log.Mount(root, "mounted proc")

	homeDir := filepath.Join(root, "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("sandboxfs: prepare %s: mkdir home: %w", root, err)
	}

	return nil
}

// Destroy attempts, without propagating failures for any single step, to
// unmount every mount point created by [Prepare] and then removes root.
//
// Unmounts use MNT_DETACH (lazy unmount) so a straggler reference does not
// block teardown. Errors from individual unmount/remove steps are collected
// and joined so a caller can log them, but a single missing mount point is
// not itself a hard failure: Destroy is expected to run against partially
// prepared or already-torn-down roots. log may be nil.
func Destroy(root string, log *debuglog.Logger) error {
	log = ensureLogger(log)

	var errs []error

	mountPoints := make([]string, 0, len(hostDirs)+1)
	mountPoints = append(mountPoints, filepath.Join(root, "proc"))

	for i := len(hostDirs) - 1; i >= 0; i-- {
		mountPoints = append(mountPoints, filepath.Join(root, hostDirs[i]))
	}

	for _, target := range mountPoints {
		if err := lazyUnmount(target); err != nil {
			errs = append(errs, fmt.Errorf("unmount %s: %w", target, err))
		} else {
			log.Mount(root, fmt.Sprintf("unmounted %s", target))
		}
	}

	devDir := filepath.Join(root, "dev")
	for _, name := range hostDevices {
		target := filepath.Join(devDir, name)
		if err := lazyUnmount(target); err != nil {
			errs = append(errs, fmt.Errorf("unmount %s: %w", target, err))
		} else {
			log.Mount(root, fmt.Sprintf("unmounted device %s", target))
		}
	}

	if err := lazyUnmount(root); err != nil {
		errs = append(errs, fmt.Errorf("unmount %s: %w", root, err))
	} else {
		log.Mount(root, "unmounted root")
	}

	if err := os.RemoveAll(root); err != nil {
		errs = append(errs, fmt.Errorf("remove %s: %w", root, err))
	}

	return errors.Join(errs...)
}

// lazyUnmount unmounts target with MNT_DETACH, ignoring "not mounted" style
// errors since Destroy is routinely called against partially-prepared roots.
func lazyUnmount(target string) error {
	err := unix.Unmount(target, unix.MNT_DETACH)
	if err == nil || errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
		return nil
	}

	return err
}

// UnmountPath lazily unmounts a single mount point that was established
// outside of [Prepare] (see [BindExecutable]), ignoring "not mounted" style
// errors the same way [Destroy] does.
func UnmountPath(target string) error {
	return lazyUnmount(target)
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	return f.Close()
}

// BindExecutable bind-mounts the single host file at hostPath onto relPath
// inside root, creating relPath first if it does not exist, and returns the
// resulting host-side path (suitable for [UnmountPath]).
//
// This lets a caller make an arbitrary host binary reachable by an absolute
// path post-chroot, without requiring that binary to live under one of the
// fixed host directories [Prepare] binds in (see
// github.com/cellblock/sandboxd/internal/executor, which uses this to re-exec
// itself as the sandboxed child's parent process inside the chroot).
func BindExecutable(root, hostPath, relPath string) (string, error) {
	target := filepath.Join(root, strings.TrimLeft(relPath, "/"))

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("sandboxfs: bind executable %s: mkdir parent: %w", relPath, err)
	}

	if err := touchFile(target); err != nil {
		return "", fmt.Errorf("sandboxfs: bind executable %s: touch: %w", relPath, err)
	}

	if err := unix.Mount(hostPath, target, "", unix.MS_BIND, ""); err != nil {
		return "", fmt.Errorf("sandboxfs: bind executable %s: mount: %w", relPath, err)
	}

	return target, nil
}

// WriteFile writes data into path interpreted as rooted at the sandbox: any
// leading path separators are stripped, then joined to root. Parent
// directories are created as needed; an existing file is overwritten; the
// resulting file permissions are normalized to 0644.
//
// WriteFile performs no containment check beyond the strip-and-join; a path
// containing ".." components can address files outside root.
func WriteFile(root, path string, data []byte) error {
	target := joinSandboxPath(root, path)

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("sandboxfs: write %s: mkdir parent: %w", path, err)
	}

	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("sandboxfs: write %s: %w", path, err)
	}

	if err := os.Chmod(target, 0o644); err != nil {
		return fmt.Errorf("sandboxfs: write %s: chmod: %w", path, err)
	}

	return nil
}

// ReadFile returns the raw byte content of path interpreted as rooted at the
// sandbox, per the same join rule as [WriteFile].
func ReadFile(root, path string) ([]byte, error) {
	target := joinSandboxPath(root, path)

	data, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("sandboxfs: read %s: %w", path, err)
	}

	return data, nil
}

func joinSandboxPath(root, path string) string {
	return filepath.Join(root, strings.TrimLeft(path, "/"))
}
