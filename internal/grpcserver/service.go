package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tokenpay.admin.v1.LedgerAdmin"

const (
	methodGetBalance    = "GetBalance"
	methodVerifyLedger  = "VerifyLedger"
	methodCreatePackage = "CreatePackage"
	methodGrantBonus    = "GrantBonus"
	methodSweepPending  = "SweepPending"
)

// LedgerAdminServer is the server contract of the admin service. Messages are structpb.Struct.
type LedgerAdminServer interface {
	GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	VerifyLedger(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	CreatePackage(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GrantBonus(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	SweepPending(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(server LedgerAdminServer, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)

var ledgerAdminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodGetBalance, Handler: unaryHandler(methodGetBalance, LedgerAdminServer.GetBalance)},
		{MethodName: methodVerifyLedger, Handler: unaryHandler(methodVerifyLedger, LedgerAdminServer.VerifyLedger)},
		{MethodName: methodCreatePackage, Handler: unaryHandler(methodCreatePackage, LedgerAdminServer.CreatePackage)},
		{MethodName: methodGrantBonus, Handler: unaryHandler(methodGrantBonus, LedgerAdminServer.GrantBonus)},
		{MethodName: methodSweepPending, Handler: unaryHandler(methodSweepPending, LedgerAdminServer.SweepPending)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tokenpay/admin/v1/ledger_admin.proto",
}

// RegisterLedgerAdminServer registers server on registrar.
func RegisterLedgerAdminServer(registrar grpc.ServiceRegistrar, server LedgerAdminServer) {
	registrar.RegisterService(&ledgerAdminServiceDesc, server)
}

// Serve runs the admin service on addr until ctx is canceled. A non-empty token is required from callers.
func Serve(ctx context.Context, addr string, server LedgerAdminServer, token string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}
	options := []grpc.ServerOption{}
	if token != "" {
		options = append(options, grpc.UnaryInterceptor(TokenInterceptor(token)))
	} else {
		logger.Warn("admin grpc running without token authentication")
	}
	grpcServer := grpc.NewServer(options...)
	RegisterLedgerAdminServer(grpcServer, server)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin grpc listening", zap.String("addr", addr))
		errCh <- grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

func unaryHandler(method string, call unaryCall) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := fullMethodName(method)
	return func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := &structpb.Struct{}
		if err := decode(request); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(server.(LedgerAdminServer), ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: server, FullMethod: fullMethod}
		return interceptor(ctx, request, info, func(ctx context.Context, request any) (any, error) {
			return call(server.(LedgerAdminServer), ctx, request.(*structpb.Struct))
		})
	}
}

func fullMethodName(method string) string {
	return "/" + ServiceName + "/" + method
}

// LedgerAdminClient calls the admin service.
type LedgerAdminClient struct {
	conn grpc.ClientConnInterface
}

// NewLedgerAdminClient wraps conn.
func NewLedgerAdminClient(conn grpc.ClientConnInterface) *LedgerAdminClient {
	return &LedgerAdminClient{conn: conn}
}

func (client *LedgerAdminClient) invoke(ctx context.Context, method string, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	response := &structpb.Struct{}
	if err := client.conn.Invoke(ctx, fullMethodName(method), request, response, options...); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *LedgerAdminClient) GetBalance(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodGetBalance, request, options...)
}

func (client *LedgerAdminClient) VerifyLedger(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodVerifyLedger, request, options...)
}

func (client *LedgerAdminClient) CreatePackage(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodCreatePackage, request, options...)
}

func (client *LedgerAdminClient) GrantBonus(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodGrantBonus, request, options...)
}

func (client *LedgerAdminClient) SweepPending(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodSweepPending, request, options...)
}
