package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

// LedgerServiceClient calls the back-office ledger API.
type LedgerServiceClient struct {
	conn grpc.ClientConnInterface
}

// NewLedgerServiceClient wraps a connection; calls negotiate the JSON codec.
func NewLedgerServiceClient(conn grpc.ClientConnInterface) *LedgerServiceClient {
	return &LedgerServiceClient{conn: conn}
}

func (client *LedgerServiceClient) GetAccount(ctx context.Context, request *AccountRequest, options ...grpc.CallOption) (*AccountResponse, error) {
	response := new(AccountResponse)
	if err := client.invoke(ctx, MethodGetAccount, request, response, options); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *LedgerServiceClient) Grant(ctx context.Context, request *GrantRequest, options ...grpc.CallOption) (*GrantResponse, error) {
	response := new(GrantResponse)
	if err := client.invoke(ctx, MethodGrant, request, response, options); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *LedgerServiceClient) Deduct(ctx context.Context, request *AdjustRequest, options ...grpc.CallOption) (*Empty, error) {
	response := new(Empty)
	if err := client.invoke(ctx, MethodDeduct, request, response, options); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *LedgerServiceClient) Refund(ctx context.Context, request *AdjustRequest, options ...grpc.CallOption) (*Empty, error) {
	response := new(Empty)
	if err := client.invoke(ctx, MethodRefund, request, response, options); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *LedgerServiceClient) ExpireAccounts(ctx context.Context, request *ExpireAccountsRequest, options ...grpc.CallOption) (*ExpireAccountsResponse, error) {
	response := new(ExpireAccountsResponse)
	if err := client.invoke(ctx, MethodExpireAccounts, request, response, options); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *LedgerServiceClient) invoke(ctx context.Context, method string, request any, response any, options []grpc.CallOption) error {
	callOptions := append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, options...)
	return client.conn.Invoke(ctx, method, request, response, callOptions...)
}
