package rpcapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cellblock/sandboxd/internal/debuglog"
	"github.com/cellblock/sandboxd/internal/executor"
	"github.com/cellblock/sandboxd/internal/registry"
)

// serviceName is used both as the grpc.ServiceDesc name and the RPC method
// prefix, mirroring how a protoc-generated "Sandbox" service would be
// named.
const serviceName = "sandboxd.Sandbox"

// Defaults holds the RunCommandRequest limits substituted for any field the
// caller leaves unset (zero). Callers typically build this from the loaded
// config's RunDefaults rather than [DefaultDefaults].
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

// Server implements the five session-scoped RPCs against a shared
// Registry: RunCommand, WriteFile, ReadFile, SetEnv, SetCwd.
type Server struct {
	registry *registry.Registry
	defaults Defaults
	log      *debuglog.Logger
}

// NewServer constructs a Server bound to reg. log may be nil.
func NewServer(reg *registry.Registry, defaults Defaults, log *debuglog.Logger) *Server {
	if log == nil {
		log = debuglog.New(nil)
	}

	return &Server{registry: reg, defaults: defaults, log: log}
}

// Register attaches the service to s using the hand-written ServiceDesc in
// place of protoc-gen-go-grpc output.
func (srv *Server) Register(s *grpc.Server) {
	s.RegisterService(&serviceDesc, srv)
}

// RunCommand executes req.Argv in the named session (or as a one-shot when
// SessionID is empty).
func (srv *Server) RunCommand(ctx context.Context, req *RunCommandRequest) (*RunCommandResponse, error) {
	if len(req.Argv) == 0 {
		return nil, status.Error(codes.InvalidArgument, "argv must be non-empty")
	}

	cfg := executor.RunConfig{
		Argv:    req.Argv,
		TimeMS:  applyDefault(req.TimeMS, srv.defaults.TimeMS),
		MemKB:   applyDefault(req.MemKB, srv.defaults.MemKB),
		FsizeKB: applyDefault(req.FsizeKB, srv.defaults.FsizeKB),
		NoFile:  applyDefault(req.NoFile, srv.defaults.NoFile),
		Env:     req.Env,
		Cwd:     req.Cwd,
	}

	if cfg.Cwd == "" {
		cfg.Cwd = "/"
	}

	if req.SessionID == "" {
		runCtx, cancel := context.WithTimeout(ctx, runTimeout(cfg))
		defer cancel()

		result, err := executor.RunOneshot(runCtx, cfg, srv.log)
		if err != nil {
			srv.log.Logf("rpcapi: oneshot run setup error: %v", err)

			return nil, status.Errorf(codes.Internal, "run: %v", err)
		}

		return toRunCommandResponse(result), nil
	}

	runCtx, cancel := context.WithTimeout(ctx, runTimeout(cfg))
	defer cancel()

	result, found, err := srv.registry.Run(runCtx, req.SessionID, cfg)
	if !found {
		return nil, status.Errorf(codes.NotFound, "no such session: %s", req.SessionID)
	}

	if err != nil {
		srv.log.Logf("rpcapi: session %s run setup error: %v", req.SessionID, err)

		return nil, status.Errorf(codes.Internal, "run: %v", err)
	}

	return toRunCommandResponse(result), nil
}

// WriteFile pokes data into path under the named session's sandbox root.
func (srv *Server) WriteFile(_ context.Context, req *WriteFileRequest) (*WriteFileResponse, error) {
	found, err := srv.registry.WriteFile(req.SessionID, req.Path, req.Data)
	if !found {
		return nil, status.Errorf(codes.NotFound, "no such session: %s", req.SessionID)
	}

	if err != nil {
		return nil, status.Errorf(codes.Internal, "write_file: %v", err)
	}

	return &WriteFileResponse{}, nil
}

// ReadFile peeks path from under the named session's sandbox root.
func (srv *Server) ReadFile(_ context.Context, req *ReadFileRequest) (*ReadFileResponse, error) {
	data, found, err := srv.registry.ReadFile(req.SessionID, req.Path)
	if !found {
		return nil, status.Errorf(codes.NotFound, "no such session: %s", req.SessionID)
	}

	if err != nil {
		return nil, status.Errorf(codes.Internal, "read_file: %v", err)
	}

	return &ReadFileResponse{Data: data}, nil
}

// SetEnv merges req.Env into the named session's persistent environment.
func (srv *Server) SetEnv(_ context.Context, req *SetEnvRequest) (*SetEnvResponse, error) {
	if !srv.registry.SetEnv(req.SessionID, req.Env) {
		return nil, status.Errorf(codes.NotFound, "no such session: %s", req.SessionID)
	}

	return &SetEnvResponse{}, nil
}

// SetCwd replaces the named session's persistent working directory.
func (srv *Server) SetCwd(_ context.Context, req *SetCwdRequest) (*SetCwdResponse, error) {
	if !srv.registry.SetCwd(req.SessionID, req.Cwd) {
		return nil, status.Errorf(codes.NotFound, "no such session: %s", req.SessionID)
	}

	return &SetCwdResponse{}, nil
}

func applyDefault(v, def int64) int64 {
	if v == 0 {
		return def
	}

	return v
}

func runTimeout(cfg executor.RunConfig) time.Duration {
	return time.Duration(cfg.TimeMS)*time.Millisecond + 30*time.Second
}

func toRunCommandResponse(result executor.RunResult) *RunCommandResponse {
	resp := &RunCommandResponse{Stdout: result.Stdout, Stderr: result.Stderr}

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

// --- hand-written service descriptor, replacing protoc-gen-go-grpc output ---

func runCommandHandler(s any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RunCommandRequest)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return s.(*Server).RunCommand(ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/" + serviceName + "/RunCommand"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.(*Server).RunCommand(ctx, req.(*RunCommandRequest))
	}

	return interceptor(ctx, in, info, handler)
}

func writeFileHandler(s any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(WriteFileRequest)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return s.(*Server).WriteFile(ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/" + serviceName + "/WriteFile"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.(*Server).WriteFile(ctx, req.(*WriteFileRequest))
	}

	return interceptor(ctx, in, info, handler)
}

func readFileHandler(s any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReadFileRequest)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return s.(*Server).ReadFile(ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/" + serviceName + "/ReadFile"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.(*Server).ReadFile(ctx, req.(*ReadFileRequest))
	}

	return interceptor(ctx, in, info, handler)
}

func setEnvHandler(s any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SetEnvRequest)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return s.(*Server).SetEnv(ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/" + serviceName + "/SetEnv"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.(*Server).SetEnv(ctx, req.(*SetEnvRequest))
	}

	return interceptor(ctx, in, info, handler)
}

func setCwdHandler(s any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SetCwdRequest)
	if err := dec(in); err != nil {
		return nil, err
	}

	if interceptor == nil {
		return s.(*Server).SetCwd(ctx, in)
	}

	info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/" + serviceName + "/SetCwd"}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.(*Server).SetCwd(ctx, req.(*SetCwdRequest))
	}

	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RunCommand", Handler: runCommandHandler},
		{MethodName: "WriteFile", Handler: writeFileHandler},
		{MethodName: "ReadFile", Handler: readFileHandler},
		{MethodName: "SetEnv", Handler: setEnvHandler},
		{MethodName: "SetCwd", Handler: setCwdHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sandboxd/rpcapi.proto",
}
