// Package registry manages the set of live sandbox sessions: creation
// (delegating root construction to sandboxfs), lookup, mutation of
// per-session environment and working directory, run dispatch, and
// idle-based reclamation.
//
// The map is guarded by a single sync.RWMutex; session mutation and reaping
// are linearizable with respect to each other.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cellblock/sandboxd/internal/debuglog"
	"github.com/cellblock/sandboxd/internal/executor"
	"github.com/cellblock/sandboxd/internal/sandboxfs"
)

// DefaultTTL is the idle time after which a session is reaped.
const DefaultTTL = 300 * time.Second

// ReapInterval is how often the reaper sweeps for idle sessions.
const ReapInterval = 60 * time.Second

// Sessions live at sessionRootPrefix+<uuid>.
const sessionRootPrefix = "/tmp/sandbox-"

// session is the internal, mutable record behind a session id. Access must
// hold Registry.mu.
type session struct {
	root      string
	env       map[string]string
	cwd       string
	createdAt time.Time
	lastUsed  time.Time
}

// Snapshot is the read-only view of a session returned by Get/List.
type Snapshot struct {
	ID   string
	Env  map[string]string
	Cwd  string
	Age  time.Duration
	Idle time.Duration
}

// Registry is a process-wide, concurrency-safe keyed store of live sessions.
//
// The zero value is not usable; construct with [New].
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	log      *debuglog.Logger
	ttl      time.Duration
	now      func() time.Time
}

// New constructs an empty Registry. ttl of zero uses [DefaultTTL]. log may
// be nil.
func New(ttl time.Duration, log *debuglog.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if log == nil {
		log = debuglog.New(nil)
	}

	return &Registry{
		sessions: make(map[string]*session),
		log:      log,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Create generates a fresh session id, prepares its sandbox root via
// sandboxfs, and inserts it with the given initial environment, cwd "/",
// and creation/last-used timestamps set to now.
func (r *Registry) Create(initialEnv map[string]string) (string, error) {
	id := uuid.NewString()
	root := sessionRootPrefix + id

	if err := sandboxfs.Prepare(root, r.log); err != nil {
		return "", fmt.Errorf("registry: create: preparing root: %w", err)
	}

	env := make(map[string]string, len(initialEnv))
	for k, v := range initialEnv {
		env[k] = v
	}

	now := r.now()

	r.mu.Lock()
	r.sessions[id] = &session{
		root:      root,
		env:       env,
		cwd:       "/",
		createdAt: now,
		lastUsed:  now,
	}
	r.mu.Unlock()

	r.log.SessionEvent(id, "created")

	return id, nil
}

// Get returns a snapshot of {env, cwd, age, idle} without refreshing
// last_used. The second return value is false if id is unknown.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, false
	}

	return r.snapshotLocked(id, s), true
}

// List returns a snapshot of every live session.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.sessions))
	for id, s := range r.sessions {
		out = append(out, r.snapshotLocked(id, s))
	}

	return out
}

func (r *Registry) snapshotLocked(id string, s *session) Snapshot {
	now := r.now()

	env := make(map[string]string, len(s.env))
	for k, v := range s.env {
		env[k] = v
	}

	return Snapshot{
		ID:   id,
		Env:  env,
		Cwd:  s.cwd,
		Age:  now.Sub(s.createdAt),
		Idle: now.Sub(s.lastUsed),
	}
}

// Delete removes id and destroys its sandbox root. It returns whether an
// entry was found.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.log.SessionEvent(id, "deleted")
	r.destroy(id, s.root)

	return true
}

// SetEnv merges env into the session's environment (new keys inserted,
// existing keys overwritten, keys present only in the session preserved)
// and refreshes last_used.
func (r *Registry) SetEnv(id string, env map[string]string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false
	}

	for k, v := range env {
		s.env[k] = v
	}

	s.lastUsed = r.now()

	r.log.SessionEvent(id, "env updated")

	return true
}

// SetCwd replaces the session's cwd verbatim and refreshes last_used.
func (r *Registry) SetCwd(id, cwd string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false
	}

	s.cwd = cwd
	s.lastUsed = r.now()

	r.log.SessionEvent(id, "cwd updated")

	return true
}

// unsetCwd is the sentinel meaning "use the session cwd" in a run request.
const unsetCwd = "/"

// Run refreshes last_used and clones (root, env, cwd) under the exclusive
// lock, releases it, then invokes the Executor. The request's env is merged
// on top of the session env (request wins on collision); the request's cwd
// overrides the session cwd only when non-empty and not "/".
func (r *Registry) Run(ctx context.Context, id string, req executor.RunConfig) (executor.RunResult, bool, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()

		return executor.RunResult{}, false, nil
	}

	s.lastUsed = r.now()

	root := s.root
	cwd := s.cwd

	mergedEnv := make(map[string]string, len(s.env)+len(req.Env))
	for k, v := range s.env {
		mergedEnv[k] = v
	}
	for k, v := range req.Env {
		mergedEnv[k] = v
	}
	r.mu.Unlock()

	if req.Cwd != "" && req.Cwd != unsetCwd {
		cwd = req.Cwd
	}

	runCfg := req
	runCfg.Env = mergedEnv
	runCfg.Cwd = cwd

	result, err := executor.Run(ctx, root, runCfg, r.log)
	if err != nil {
		return executor.RunResult{}, true, err
	}

	return result, true, nil
}

// WriteFile writes data into the session's sandbox root, bypassing the
// Executor. It does not refresh last_used (only run/set-env/set-cwd do).
func (r *Registry) WriteFile(id, path string, data []byte) (bool, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok {
		return false, nil
	}

	return true, sandboxfs.WriteFile(s.root, path, data)
}

// ReadFile reads path from the session's sandbox root, bypassing the
// Executor.
func (r *Registry) ReadFile(id, path string) ([]byte, bool, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}

	data, err := sandboxfs.ReadFile(s.root, path)

	return data, true, err
}

// Reap sweeps for sessions whose idle time exceeds the registry TTL, removes
// each, and destroys its root. It is safe to call concurrently with any
// other Registry method; it never interleaves mid-operation with them.
func (r *Registry) Reap() int {
	now := r.now()

	r.mu.Lock()
	var expired []string
	for id, s := range r.sessions {
		if now.Sub(s.lastUsed) > r.ttl {
			expired = append(expired, id)
		}
	}

	roots := make(map[string]string, len(expired))
	for _, id := range expired {
		roots[id] = r.sessions[id].root
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for id, root := range roots {
		r.log.SessionEvent(id, "reaped")
		r.destroy(id, root)
	}

	return len(expired)
}

// RunReaper blocks, sweeping every interval until ctx is done. An interval
// of zero or less uses [ReapInterval].
func (r *Registry) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = ReapInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.log.ReapSweep(r.Reap())
		}
	}
}

// Shutdown destroys every live session's sandbox root. It is intended for
// graceful server shutdown; individual teardown errors are joined and
// returned but do not stop the sweep.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	roots := make(map[string]string, len(r.sessions))
	for id, s := range r.sessions {
		roots[id] = s.root
	}
	r.sessions = make(map[string]*session)
	r.mu.Unlock()

	var errs []error
	for id, root := range roots {
		if err := sandboxfs.Destroy(root, r.log); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}

	return errors.Join(errs...)
}

func (r *Registry) destroy(id, root string) {
	if err := sandboxfs.Destroy(root, r.log); err != nil {
		r.log.Mount(root, fmt.Sprintf("destroying session %s: %v", id, err))
	}
}
