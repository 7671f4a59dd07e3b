// Package grpcserver exposes the ledger to back-office tooling over gRPC with a JSON codec.
package grpcserver

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const (
	errorInsufficientFunds     = "insufficient_funds"
	errorAccountNotFound       = "account_not_found"
	errorAccountExists         = "account_exists"
	errorInvalidAccount        = "invalid_account"
	errorInvalidIdempotencyKey = "invalid_idempotency_key"
	errorInvalidAmount         = "invalid_amount"
	errorInvalidMetadata       = "invalid_metadata_json"
	errorStoreUnavailable      = "store_unavailable"

	backOfficeKeyPrefix = "backoffice:"
)

// Ledger is the ledger engine surface exposed to back-office callers.
type Ledger interface {
	GetAccount(ctx context.Context, key ledger.AccountKey) (ledger.Account, error)
	Grant(ctx context.Context, key ledger.AccountKey, amount ledger.Credits, idempotencyKey ledger.IdempotencyKey, metadata ledger.MetadataJSON) (bool, error)
	Deduct(ctx context.Context, key ledger.AccountKey, amount ledger.Credits, metadata ledger.MetadataJSON) error
	Refund(ctx context.Context, key ledger.AccountKey, amount ledger.Credits, metadata ledger.MetadataJSON) error
	ExpireAccounts(ctx context.Context) (int64, error)
}

// LedgerServer implements LedgerServiceServer on top of the ledger engine.
type LedgerServer struct {
	UnimplementedLedgerServiceServer
	ledgerService Ledger
}

// NewLedgerServer constructs the gRPC implementation.
func NewLedgerServer(ledgerService Ledger) *LedgerServer {
	return &LedgerServer{ledgerService: ledgerService}
}

func (server *LedgerServer) GetAccount(ctx context.Context, request *AccountRequest) (*AccountResponse, error) {
	key, err := ledger.NewAccountKey(request.Email)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	account, err := server.ledgerService.GetAccount(ctx, key)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	response := &AccountResponse{
		Email:            account.Key.String(),
		Balance:          account.Balance.Int64(),
		Status:           account.Status.String(),
		ExpiresAtUnixUTC: account.ExpiresAtUnixUTC,
		CreatedUnixUTC:   account.CreatedUnixUTC,
	}
	if account.PendingPlan != nil {
		response.PendingOrderID = account.PendingPlan.OrderID
	}
	return response, nil
}

func (server *LedgerServer) Grant(ctx context.Context, request *GrantRequest) (*GrantResponse, error) {
	key, err := ledger.NewAccountKey(request.Email)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := ledger.NewCredits(request.Amount)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	idempotencyKey, err := backOfficeIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	metadata, err := ledger.NewMetadataJSON(request.MetadataJSON)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	applied, err := server.ledgerService.Grant(ctx, key, amount, idempotencyKey, metadata)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &GrantResponse{Applied: applied}, nil
}

// backOfficeIdempotencyKey keeps manual grant keys apart from order ids and topup keys.
func backOfficeIdempotencyKey(raw string) (ledger.IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ledger.NewIdempotencyKey(trimmed)
	}
	return ledger.NewIdempotencyKey(backOfficeKeyPrefix + trimmed)
}

func (server *LedgerServer) Deduct(ctx context.Context, request *AdjustRequest) (*Empty, error) {
	key, amount, metadata, err := parseAdjustment(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if err := server.ledgerService.Deduct(ctx, key, amount, metadata); err != nil {
		return nil, mapToGRPCError(err)
	}
	return &Empty{}, nil
}

func (server *LedgerServer) Refund(ctx context.Context, request *AdjustRequest) (*Empty, error) {
	key, amount, metadata, err := parseAdjustment(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if err := server.ledgerService.Refund(ctx, key, amount, metadata); err != nil {
		return nil, mapToGRPCError(err)
	}
	return &Empty{}, nil
}

func (server *LedgerServer) ExpireAccounts(ctx context.Context, _ *ExpireAccountsRequest) (*ExpireAccountsResponse, error) {
	expired, err := server.ledgerService.ExpireAccounts(ctx)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return &ExpireAccountsResponse{Expired: expired}, nil
}

func parseAdjustment(request *AdjustRequest) (ledger.AccountKey, ledger.Credits, ledger.MetadataJSON, error) {
	key, err := ledger.NewAccountKey(request.Email)
	if err != nil {
		return ledger.AccountKey{}, 0, ledger.MetadataJSON{}, err
	}
	amount, err := ledger.NewCredits(request.Amount)
	if err != nil {
		return ledger.AccountKey{}, 0, ledger.MetadataJSON{}, err
	}
	metadata, err := ledger.NewMetadataJSON(request.MetadataJSON)
	if err != nil {
		return ledger.AccountKey{}, 0, ledger.MetadataJSON{}, err
	}
	return key, amount, metadata, nil
}

func mapToGRPCError(source error) error {
	if errors.Is(source, ledger.ErrInvalidAccountKey) {
		return status.Error(codes.InvalidArgument, errorInvalidAccount)
	}
	if errors.Is(source, ledger.ErrInvalidIdempotencyKey) {
		return status.Error(codes.InvalidArgument, errorInvalidIdempotencyKey)
	}
	if errors.Is(source, ledger.ErrInvalidCredits) {
		return status.Error(codes.InvalidArgument, errorInvalidAmount)
	}
	if errors.Is(source, ledger.ErrInvalidMetadataJSON) {
		return status.Error(codes.InvalidArgument, errorInvalidMetadata)
	}
	if errors.Is(source, ledger.ErrInsufficientFunds) {
		return status.Error(codes.FailedPrecondition, errorInsufficientFunds)
	}
	if errors.Is(source, ledger.ErrAccountNotFound) {
		return status.Error(codes.NotFound, errorAccountNotFound)
	}
	if errors.Is(source, ledger.ErrAccountExists) {
		return status.Error(codes.AlreadyExists, errorAccountExists)
	}
	if errors.Is(source, ledger.ErrStoreUnavailable) {
		return status.Error(codes.Unavailable, errorStoreUnavailable)
	}
	if errors.Is(source, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, source.Error())
	}
	return status.Error(codes.Internal, source.Error())
}
