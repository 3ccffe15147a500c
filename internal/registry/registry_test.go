//go:build linux

package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func requireRoot(t *testing.T) {
	t.Helper()

	if os.Geteuid() != 0 {
		t.Skip("session creation/teardown mounts a sandbox root and requires root")
	}
}

// insertFake inserts a session directly, bypassing sandboxfs.Prepare, so
// registry bookkeeping (lookup, mutation, TTL sweeps) can be exercised
// without mounting anything. root is never actually mounted: run as root,
// the eventual sandboxfs.Destroy call made by delete/reap/shutdown finds
// nothing to unmount and removes the plain (or nonexistent) directory.
// Without root the unmount calls fail with EPERM, which Delete and Reap
// only log and Shutdown returns.
func (r *Registry) insertFake(id string, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[id] = s
}

func Test_New_Uses_DefaultTTL_When_Zero_Or_Negative(t *testing.T) {
	t.Parallel()

	for _, ttl := range []time.Duration{0, -time.Second} {
		r := New(ttl, nil)
		if r.ttl != DefaultTTL {
			t.Errorf("New(%v).ttl = %v, want %v", ttl, r.ttl, DefaultTTL)
		}
	}
}

func Test_Get_Unknown_Id_Returns_False(t *testing.T) {
	t.Parallel()

	r := New(time.Minute, nil)

	if _, ok := r.Get("no-such-id"); ok {
		t.Error("Get() on unknown id returned true")
	}
}

func Test_Get_Returns_Snapshot_Without_Refreshing_LastUsed(t *testing.T) {
	t.Parallel()

	r := New(time.Minute, nil)

	createdAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.insertFake("sess-1", &session{
		root:      filepath.Join(t.TempDir(), "unused"),
		env:       map[string]string{"FOO": "bar"},
		cwd:       "/home",
		createdAt: createdAt,
		lastUsed:  createdAt,
	})

	now := createdAt.Add(5 * time.Minute)
	r.now = func() time.Time { return now }

	snap, ok := r.Get("sess-1")
	if !ok {
		t.Fatal("Get() = false, want true")
	}

	want := Snapshot{
		ID:   "sess-1",
		Env:  map[string]string{"FOO": "bar"},
		Cwd:  "/home",
		Age:  5 * time.Minute,
		Idle: 5 * time.Minute,
	}
	if diff := cmp.Diff(want, snap); diff != "" {
		t.Errorf("Get() snapshot mismatch (-want +got):\n%s", diff)
	}

	// Confirm Get() itself never advances lastUsed by checking idle hasn't
	// shrunk on a second read at a later "now".
	r.now = func() time.Time { return now.Add(time.Minute) }

	snap2, _ := r.Get("sess-1")
	if snap2.Idle != 6*time.Minute {
		t.Errorf("second Get() idle = %v, want 6m (lastUsed must not have been refreshed)", snap2.Idle)
	}
}

func Test_Get_Snapshot_Env_Is_A_Copy(t *testing.T) {
	t.Parallel()

	r := New(time.Minute, nil)
	r.insertFake("sess-1", &session{
		root: t.TempDir(),
		env:  map[string]string{"FOO": "bar"},
		cwd:  "/",
	})

	snap, _ := r.Get("sess-1")
	snap.Env["FOO"] = "mutated"

	snap2, _ := r.Get("sess-1")
	if snap2.Env["FOO"] != "bar" {
		t.Errorf("mutating a returned snapshot's Env leaked into the registry: got %q", snap2.Env["FOO"])
	}
}

func Test_List_Returns_Every_Session(t *testing.T) {
	t.Parallel()

	r := New(time.Minute, nil)
	r.insertFake("a", &session{root: t.TempDir(), env: map[string]string{}, cwd: "/"})
	r.insertFake("b", &session{root: t.TempDir(), env: map[string]string{}, cwd: "/"})

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(list))
	}
}

func Test_SetEnv_Merges_Keeping_Existing_Keys_And_Refreshes_LastUsed(t *testing.T) {
	t.Parallel()

	r := New(time.Minute, nil)
	createdAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.insertFake("sess-1", &session{
		root:      t.TempDir(),
		env:       map[string]string{"A": "1", "B": "2"},
		cwd:       "/",
		createdAt: createdAt,
		lastUsed:  createdAt,
	})

	later := createdAt.Add(time.Hour)
	r.now = func() time.Time { return later }

	if !r.SetEnv("sess-1", map[string]string{"B": "overwritten", "C": "3"}) {
		t.Fatal("SetEnv() = false, want true")
	}

	snap, _ := r.Get("sess-1")
	if snap.Env["A"] != "1" || snap.Env["B"] != "overwritten" || snap.Env["C"] != "3" {
		t.Errorf("SetEnv() merge result = %+v, unexpected", snap.Env)
	}

	if snap.Idle != 0 {
		t.Errorf("SetEnv() idle = %v, want 0 (lastUsed should be refreshed)", snap.Idle)
	}
}

func Test_SetEnv_Unknown_Id_Returns_False(t *testing.T) {
	t.Parallel()

	r := New(time.Minute, nil)
	if r.SetEnv("no-such-id", map[string]string{"A": "1"}) {
		t.Error("SetEnv() on unknown id returned true")
	}
}

func Test_SetCwd_Replaces_Verbatim_And_Refreshes_LastUsed(t *testing.T) {
	t.Parallel()

	r := New(time.Minute, nil)
	createdAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.insertFake("sess-1", &session{
		root:      t.TempDir(),
		env:       map[string]string{},
		cwd:       "/",
		createdAt: createdAt,
		lastUsed:  createdAt,
	})

	later := createdAt.Add(time.Hour)
	r.now = func() time.Time { return later }

	if !r.SetCwd("sess-1", "/workdir") {
		t.Fatal("SetCwd() = false, want true")
	}

	snap, _ := r.Get("sess-1")
	if snap.Cwd != "/workdir" {
		t.Errorf("Cwd = %q, want /workdir", snap.Cwd)
	}

	if snap.Idle != 0 {
		t.Errorf("SetCwd() idle = %v, want 0 (lastUsed should be refreshed)", snap.Idle)
	}
}

func Test_SetCwd_Unknown_Id_Returns_False(t *testing.T) {
	t.Parallel()

	r := New(time.Minute, nil)
	if r.SetCwd("no-such-id", "/workdir") {
		t.Error("SetCwd() on unknown id returned true")
	}
}

func Test_Delete_Removes_Session_And_Reports_Found(t *testing.T) {
	t.Parallel()

	r := New(time.Minute, nil)
	r.insertFake("sess-1", &session{root: t.TempDir(), env: map[string]string{}, cwd: "/"})

	if !r.Delete("sess-1") {
		t.Fatal("Delete() = false, want true")
	}

	if _, ok := r.Get("sess-1"); ok {
		t.Error("session still present after Delete()")
	}
}

func Test_Delete_Unknown_Id_Returns_False(t *testing.T) {
	t.Parallel()

	r := New(time.Minute, nil)
	if r.Delete("no-such-id") {
		t.Error("Delete() on unknown id returned true")
	}
}

func Test_Reap_Sweeps_Only_Sessions_Past_TTL(t *testing.T) {
	t.Parallel()

	ttl := 10 * time.Minute
	r := New(ttl, nil)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.insertFake("fresh", &session{root: t.TempDir(), env: map[string]string{}, lastUsed: now.Add(-time.Minute)})
	r.insertFake("stale", &session{root: t.TempDir(), env: map[string]string{}, lastUsed: now.Add(-time.Hour)})

	n := r.Reap()
	if n != 1 {
		t.Fatalf("Reap() reaped %d sessions, want 1", n)
	}

	if _, ok := r.Get("fresh"); !ok {
		t.Error("Reap() removed the fresh session")
	}

	if _, ok := r.Get("stale"); ok {
		t.Error("Reap() left the stale session in place")
	}
}

func Test_Reap_Empty_Registry_Returns_Zero(t *testing.T) {
	t.Parallel()

	r := New(time.Minute, nil)
	if n := r.Reap(); n != 0 {
		t.Errorf("Reap() on empty registry = %d, want 0", n)
	}
}

func Test_RunReaper_Sweeps_On_Its_Interval_And_Stops_On_Cancel(t *testing.T) {
	t.Parallel()

	r := New(time.Minute, nil)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	r.insertFake("stale", &session{root: t.TempDir(), env: map[string]string{}, lastUsed: now.Add(-time.Hour)})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		r.RunReaper(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Get("stale"); !ok {
			break
		}

		time.Sleep(5 * time.Millisecond)
	}

	if _, ok := r.Get("stale"); ok {
		t.Error("reaper never swept the stale session")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunReaper did not return after context cancellation")
	}
}

func Test_Shutdown_Empties_The_Registry(t *testing.T) {
	t.Parallel()

	r := New(time.Minute, nil)
	r.insertFake("a", &session{root: t.TempDir(), env: map[string]string{}, cwd: "/"})
	r.insertFake("b", &session{root: t.TempDir(), env: map[string]string{}, cwd: "/"})

	if err := r.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if len(r.List()) != 0 {
		t.Error("Shutdown() left sessions behind")
	}
}

func Test_Create_Then_Delete_Round_Trip(t *testing.T) {
	requireRoot(t)
	t.Parallel()

	r := New(time.Minute, nil)

	id, err := r.Create(map[string]string{"GREETING": "hi"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	snap, ok := r.Get(id)
	if !ok {
		t.Fatal("Get() after Create() = false")
	}

	if snap.Cwd != "/" || snap.Env["GREETING"] != "hi" {
		t.Errorf("Create() snapshot = %+v, unexpected", snap)
	}

	if !r.Delete(id) {
		t.Fatal("Delete() = false, want true")
	}
}
