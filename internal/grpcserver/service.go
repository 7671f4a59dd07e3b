package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	ServiceName = "credits.v1.LedgerService"

	MethodGetAccount     = "/" + ServiceName + "/GetAccount"
	MethodGrant          = "/" + ServiceName + "/Grant"
	MethodDeduct         = "/" + ServiceName + "/Deduct"
	MethodRefund         = "/" + ServiceName + "/Refund"
	MethodExpireAccounts = "/" + ServiceName + "/ExpireAccounts"
)

// LedgerServiceServer is the back-office ledger API.
type LedgerServiceServer interface {
	GetAccount(ctx context.Context, request *AccountRequest) (*AccountResponse, error)
	Grant(ctx context.Context, request *GrantRequest) (*GrantResponse, error)
	Deduct(ctx context.Context, request *AdjustRequest) (*Empty, error)
	Refund(ctx context.Context, request *AdjustRequest) (*Empty, error)
	ExpireAccounts(ctx context.Context, request *ExpireAccountsRequest) (*ExpireAccountsResponse, error)
}

// UnimplementedLedgerServiceServer can be embedded for forward compatibility.
type UnimplementedLedgerServiceServer struct{}

func (UnimplementedLedgerServiceServer) GetAccount(context.Context, *AccountRequest) (*AccountResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetAccount not implemented")
}

func (UnimplementedLedgerServiceServer) Grant(context.Context, *GrantRequest) (*GrantResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Grant not implemented")
}

func (UnimplementedLedgerServiceServer) Deduct(context.Context, *AdjustRequest) (*Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method Deduct not implemented")
}

func (UnimplementedLedgerServiceServer) Refund(context.Context, *AdjustRequest) (*Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method Refund not implemented")
}

func (UnimplementedLedgerServiceServer) ExpireAccounts(context.Context, *ExpireAccountsRequest) (*ExpireAccountsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ExpireAccounts not implemented")
}

// RegisterLedgerServiceServer attaches the implementation to a gRPC server.
func RegisterLedgerServiceServer(registrar grpc.ServiceRegistrar, server LedgerServiceServer) {
	registrar.RegisterService(&ledgerServiceDesc, server)
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetAccount", Handler: unaryHandler(MethodGetAccount, func(server LedgerServiceServer, ctx context.Context, request *AccountRequest) (any, error) {
			return server.GetAccount(ctx, request)
		})},
		{MethodName: "Grant", Handler: unaryHandler(MethodGrant, func(server LedgerServiceServer, ctx context.Context, request *GrantRequest) (any, error) {
			return server.Grant(ctx, request)
		})},
		{MethodName: "Deduct", Handler: unaryHandler(MethodDeduct, func(server LedgerServiceServer, ctx context.Context, request *AdjustRequest) (any, error) {
			return server.Deduct(ctx, request)
		})},
		{MethodName: "Refund", Handler: unaryHandler(MethodRefund, func(server LedgerServiceServer, ctx context.Context, request *AdjustRequest) (any, error) {
			return server.Refund(ctx, request)
		})},
		{MethodName: "ExpireAccounts", Handler: unaryHandler(MethodExpireAccounts, func(server LedgerServiceServer, ctx context.Context, request *ExpireAccountsRequest) (any, error) {
			return server.ExpireAccounts(ctx, request)
		})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "credits/v1/ledger.json",
}

// unaryHandler adapts a typed method to grpc.MethodHandler, decoding into a fresh Request.
func unaryHandler[Request any](fullMethod string, call func(LedgerServiceServer, context.Context, *Request) (any, error)) grpc.MethodHandler {
	return func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(Request)
		if err := decode(request); err != nil {
			return nil, err
		}
		ledgerServer := server.(LedgerServiceServer)
		if interceptor == nil {
			return call(ledgerServer, ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: server, FullMethod: fullMethod}
		handler := func(ctx context.Context, request any) (any, error) {
			return call(ledgerServer, ctx, request.(*Request))
		}
		return interceptor(ctx, request, info, handler)
	}
}
