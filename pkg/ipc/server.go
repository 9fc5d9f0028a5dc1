// Package ipc carries the cellular data service over gRPC. The service is
// described at runtime, every method exchanges google.protobuf.Struct
// messages and reflection lets generic clients discover it.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/markus-lassfolk/celldata/pkg/logx"
	"github.com/markus-lassfolk/celldata/pkg/service"
)

// AuthHeader carries the API key of a caller
const AuthHeader = "x-api-key"

// Config configures the gRPC server
type Config struct {
	Listen string
	// AuthKey grants write access. Callers without it may only read. An
	// empty key trusts every caller.
	AuthKey string
}

type cellularDataServer interface {
	isCellularDataServer()
}

// Server serves the cellular data service over gRPC
type Server struct {
	cfg    Config
	svc    *service.Service
	logger *logx.Logger
	grpc   *grpc.Server
}

// NewServer creates the gRPC server and registers the service and reflection
func NewServer(cfg Config, svc *service.Service, logger *logx.Logger) (*Server, error) {
	if err := registerDescriptor(); err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, svc: svc, logger: logger}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.authInterceptor))
	s.grpc.RegisterService(s.serviceDesc(), s)
	reflection.Register(s.grpc)
	return s, nil
}

func (s *Server) isCellularDataServer() {}

func (s *Server) serviceDesc() *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*cellularDataServer)(nil),
		Streams:     []grpc.StreamDesc{},
		Metadata:    fileName,
	}
	for _, m := range methodTable {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: m.name,
			Handler:    s.methodHandler(m),
		})
	}
	return desc
}

func (s *Server) methodHandler(m method) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		handle := func(ctx context.Context, req interface{}) (interface{}, error) {
			return s.invoke(ctx, m, req.(*structpb.Struct)), nil
		}
		if interceptor == nil {
			return handle(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + m.name}
		return interceptor(ctx, in, info, handle)
	}
}

// invoke runs m and folds its error into the code and message fields of
// the response
func (s *Server) invoke(ctx context.Context, m method, in *structpb.Struct) *structpb.Struct {
	reqID := uuid.New().String()
	start := time.Now()

	res, err := m.call(ctx, s.svc, newArgs(in))
	code := service.CodeOf(err)

	fields := map[string]interface{}{}
	for k, v := range res {
		fields[k] = v
	}
	fields["code"] = int(code)
	if err != nil {
		fields["message"] = err.Error()
	}
	out, convErr := structpb.NewStruct(fields)
	if convErr != nil {
		s.logger.Error("failed to encode response", "method", m.name, "request_id", reqID, "error", convErr)
		out, _ = structpb.NewStruct(map[string]interface{}{
			"code":    int(service.CodeFailed),
			"message": convErr.Error(),
		})
	}

	s.logger.Debug("ipc call", "method", m.name, "request_id", reqID, "code", code.String(),
		"duration_ms", time.Since(start).Milliseconds())
	return out
}

// authInterceptor attaches the permissions of the caller to the context
func (s *Server) authInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if s.cfg.AuthKey == "" {
		return handler(ctx, req)
	}
	perm := service.PermGetNetworkInfo
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for _, key := range md.Get(AuthHeader) {
			if key == s.cfg.AuthKey {
				perm = service.PermAll
				break
			}
		}
	}
	return handler(service.WithPermissions(ctx, perm), req)
}

// Serve serves on lis until Stop
func (s *Server) Serve(lis net.Listener) error {
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc server failed: %w", err)
	}
	return nil
}

// Run listens on the configured address and serves until ctx is done
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	s.logger.Info("grpc server listening", "address", lis.Addr().String())

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return s.Serve(lis)
}

// Stop drains in-flight calls and stops the server
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}
