// Package httpapi implements the JSON-over-HTTP adapter: it translates
// HTTP requests into internal/registry and internal/executor operations
// and marshals results back to JSON.
//
// This package performs no isolation logic of its own; it is a thin
// translation layer over the registry and executor.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cellblock/sandboxd/internal/debuglog"
	"github.com/cellblock/sandboxd/internal/executor"
	"github.com/cellblock/sandboxd/internal/registry"
)

// Defaults holds the RunRequest limits substituted for any field the caller
// leaves unset. Callers typically build this from the loaded config's
// RunDefaults rather than [DefaultDefaults].
type Defaults struct {
	TimeMS  int64
	MemKB   int64
	FsizeKB int64
	NoFile  int64
}

// DefaultDefaults returns the built-in RunRequest defaults.
func DefaultDefaults() Defaults {
	return Defaults{TimeMS: 300000, MemKB: 2097152, FsizeKB: 1048576, NoFile: 256}
}

// Handler implements http.Handler over a shared Registry.
type Handler struct {
	mux      *http.ServeMux
	registry *registry.Registry
	defaults Defaults
	log      *debuglog.Logger
}

// NewHandler builds the HTTP surface, dispatching every operation against
// reg. log may be nil.
func NewHandler(reg *registry.Registry, defaults Defaults, log *debuglog.Logger) *Handler {
	if log == nil {
		log = debuglog.New(nil)
	}

	h := &Handler{mux: http.NewServeMux(), registry: reg, defaults: defaults, log: log}

	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("POST /run", h.handleOneshotRun)
	h.mux.HandleFunc("POST /sessions", h.handleCreateSession)
	h.mux.HandleFunc("GET /sessions", h.handleListSessions)
	h.mux.HandleFunc("GET /sessions/{id}", h.handleGetSession)
	h.mux.HandleFunc("DELETE /sessions/{id}", h.handleDeleteSession)
	h.mux.HandleFunc("POST /sessions/{id}/env", h.handleSetEnv)
	h.mux.HandleFunc("POST /sessions/{id}/cwd", h.handleSetCwd)
	h.mux.HandleFunc("POST /sessions/{id}/run", h.handleSessionRun)

	return h
}

// ServeHTTP dispatches to the registered routes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("OK"))
}

// runRequest is the wire shape of both POST /run and POST /sessions/{id}/run.
type runRequest struct {
	Argv   []string          `json:"argv"`
	TimeMS int64             `json:"time"`
	MemKB  int64             `json:"mem"`
	Fsize  int64             `json:"fsize"`
	NoFile int64             `json:"nofile"`
	Env    map[string]string `json:"env"`
	Cwd    string            `json:"cwd"`
}

// runResponse is the wire shape of RunResult.
type runResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode *int32 `json:"exit_code,omitempty"`
	Signal   *int32 `json:"signal,omitempty"`
}

func (h *Handler) decodeRunRequest(r *http.Request) (executor.RunConfig, error) {
	var req runRequest

	req.TimeMS = h.defaults.TimeMS
	req.MemKB = h.defaults.MemKB
	req.Fsize = h.defaults.FsizeKB
	req.NoFile = h.defaults.NoFile
	req.Cwd = "/"

	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return executor.RunConfig{}, err
		}
	}

	if len(req.Argv) == 0 {
		return executor.RunConfig{}, errors.New("argv must be non-empty")
	}

	return executor.RunConfig{
		Argv:    req.Argv,
		TimeMS:  req.TimeMS,
		MemKB:   req.MemKB,
		FsizeKB: req.Fsize,
		NoFile:  req.NoFile,
		Env:     req.Env,
		Cwd:     req.Cwd,
	}, nil
}

func toRunResponse(result executor.RunResult) runResponse {
	resp := runResponse{Stdout: string(result.Stdout), Stderr: string(result.Stderr)}

	switch result.Termination.Kind {
	case executor.TerminationExited:
		code := result.Termination.Code
		resp.ExitCode = &code
	case executor.TerminationSignaled:
		sig := result.Termination.Signo
		resp.Signal = &sig
	}

	return resp
}

func (h *Handler) handleOneshotRun(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.decodeRunRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	result, err := executor.RunOneshot(r.Context(), cfg, h.log)
	if err != nil {
		h.log.Logf("httpapi: oneshot run setup error: %v", err)
		writeError(w, http.StatusInternalServerError, err)

		return
	}

	writeJSON(w, http.StatusOK, toRunResponse(result))
}

type createSessionRequest struct {
	Env map[string]string `json:"env"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest

	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)

			return
		}
	}

	id, err := h.registry.Create(req.Env)
	if err != nil {
		h.log.Logf("httpapi: create session error: %v", err)
		writeError(w, http.StatusInternalServerError, err)

		return
	}

	writeJSON(w, http.StatusOK, createSessionResponse{SessionID: id})
}

type sessionInfo struct {
	ID       string            `json:"id"`
	Env      map[string]string `json:"env"`
	Cwd      string            `json:"cwd"`
	AgeSecs  float64           `json:"age_secs"`
	IdleSecs float64           `json:"idle_secs"`
}

func toSessionInfo(s registry.Snapshot) sessionInfo {
	return sessionInfo{
		ID:       s.ID,
		Env:      s.Env,
		Cwd:      s.Cwd,
		AgeSecs:  s.Age.Seconds(),
		IdleSecs: s.Idle.Seconds(),
	}
}

func (h *Handler) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	snapshots := h.registry.List()

	out := make([]sessionInfo, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, toSessionInfo(s))
	}

	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	snap, ok := h.registry.Get(id)
	if !ok {
		writeNotFound(w, id)

		return
	}

	writeJSON(w, http.StatusOK, toSessionInfo(snap))
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if !h.registry.Delete(id) {
		writeNotFound(w, id)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type setEnvRequest struct {
	Env map[string]string `json:"env"`
}

func (h *Handler) handleSetEnv(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req setEnvRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	if !h.registry.SetEnv(id, req.Env) {
		writeNotFound(w, id)

		return
	}

	w.WriteHeader(http.StatusOK)
}

type setCwdRequest struct {
	Cwd string `json:"cwd"`
}

func (h *Handler) handleSetCwd(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req setCwdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	if !h.registry.SetCwd(id, req.Cwd) {
		writeNotFound(w, id)

		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleSessionRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	cfg, err := h.decodeRunRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), runTimeout(cfg))
	defer cancel()

	result, found, err := h.registry.Run(ctx, id, cfg)
	if !found {
		writeNotFound(w, id)

		return
	}

	if err != nil {
		h.log.Logf("httpapi: session %s run setup error: %v", id, err)
		writeError(w, http.StatusInternalServerError, err)

		return
	}

	writeJSON(w, http.StatusOK, toRunResponse(result))
}

// runTimeout gives the context a grace window past the child's own CPU-time
// rlimit, so the HTTP request does not get cancelled first.
func runTimeout(cfg executor.RunConfig) time.Duration {
	return time.Duration(cfg.TimeMS)*time.Millisecond + 30*time.Second
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeNotFound(w http.ResponseWriter, id string) {
	writeError(w, http.StatusNotFound, errors.New("no such session: "+id))
}
