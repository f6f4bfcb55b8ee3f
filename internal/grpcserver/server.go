// Package grpcserver exposes ledger administration over gRPC.
package grpcserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/tokenpay/pkg/ledger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	errorInvalidArgument   = "invalid_argument"
	errorUnknownAccount    = "unknown_account"
	errorUnknownPayment    = "unknown_payment"
	errorInsufficientFunds = "insufficient_funds"
	errorDuplicateEntry    = "duplicate_entry"
	errorGateway           = "gateway_unavailable"
	errorUnauthenticated   = "unauthenticated"

	defaultSweepAge   = 15 * time.Minute
	defaultSweepLimit = 100
	maxSweepLimit     = 1000

	authorizationMetadataKey = "authorization"
	bearerPrefix             = "Bearer "
)

// AdminServer exposes operator actions on the ledger.
type AdminServer struct {
	payments *ledger.PaymentService
	ledger   *ledger.Service
}

// NewAdminServer constructs the admin service over payments and its ledger.
func NewAdminServer(payments *ledger.PaymentService) (*AdminServer, error) {
	if payments == nil {
		return nil, fmt.Errorf("%w: payment service is nil", ledger.ErrInvalidServiceConfig)
	}
	return &AdminServer{payments: payments, ledger: payments.Ledger()}, nil
}

// GetBalance returns the stored balance of an account.
func (server *AdminServer) GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := ledger.NewAccountID(stringField(request, "account_id"))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	account, err := server.ledger.Account(ctx, accountID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newResponse(map[string]any{
		"account_id": account.ID.String(),
		"email":      account.Email,
		"balance":    account.Balance.StringFixed(2),
		"is_active":  account.IsActive,
	})
}

// VerifyLedger compares the stored balance with the sum of the account's entries.
func (server *AdminServer) VerifyLedger(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := ledger.NewAccountID(stringField(request, "account_id"))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	check, err := server.ledger.VerifyLedger(ctx, accountID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newResponse(map[string]any{
		"account_id":    check.AccountID.String(),
		"balance":       check.Balance.StringFixed(2),
		"entries_total": check.EntriesTotal.StringFixed(2),
		"consistent":    check.Consistent(),
	})
}

// CreatePackage adds a package to the catalog.
func (server *AdminServer) CreatePackage(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	tokens, err := ledger.ParsePositiveAmount(stringField(request, "tokens"))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	price, err := ledger.ParsePositiveAmount(stringField(request, "price"))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	currency, err := ledger.NewCurrency(stringField(request, "currency"))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	tokenPackage, err := server.ledger.CreatePackage(ctx, ledger.PackageSpec{
		Name:        stringField(request, "name"),
		TokenAmount: tokens,
		Price:       price,
		Currency:    currency,
	})
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newResponse(map[string]any{
		"package_id": tokenPackage.ID.String(),
		"name":       tokenPackage.Name,
		"tokens":     tokenPackage.TokenAmount.String(),
		"price":      tokenPackage.Price.String(),
		"currency":   tokenPackage.Currency.String(),
	})
}

// GrantBonus credits unpaid tokens. The reference makes the grant idempotent per account.
func (server *AdminServer) GrantBonus(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := ledger.NewAccountID(stringField(request, "account_id"))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := ledger.ParsePositiveAmount(stringField(request, "amount"))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	entry, err := server.ledger.GrantBonus(ctx, accountID, amount, stringField(request, "reference"), stringField(request, "description"))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newResponse(map[string]any{
		"entry_id": entry.ID.String(),
		"amount":   entry.Amount.String(),
		"balance":  entry.BalanceAfter.StringFixed(2),
	})
}

// SweepPending reconciles stale pending payments with the gateway.
func (server *AdminServer) SweepPending(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	olderThan := defaultSweepAge
	if seconds := numberField(request, "older_than_seconds"); seconds > 0 {
		olderThan = time.Duration(seconds) * time.Second
	}
	limit, err := normalizeSweepLimit(int(numberField(request, "limit")))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidArgument+": "+err.Error())
	}
	report, err := server.payments.ReconcilePending(ctx, olderThan, limit)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newResponse(map[string]any{
		"checked":        report.Checked,
		"settled":        report.Settled,
		"failed":         report.Failed,
		"still_pending":  report.StillPending,
		"gateway_errors": report.GatewayErrors,
	})
}

// TokenInterceptor rejects calls whose authorization metadata does not carry the bearer token.
func TokenInterceptor(token string) grpc.UnaryServerInterceptor {
	expected := []byte(bearerPrefix + token)
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		incoming, _ := metadata.FromIncomingContext(ctx)
		values := incoming.Get(authorizationMetadataKey)
		if len(values) != 1 || subtle.ConstantTimeCompare([]byte(values[0]), expected) != 1 {
			return nil, status.Error(codes.Unauthenticated, errorUnauthenticated)
		}
		return handler(ctx, request)
	}
}

func normalizeSweepLimit(limit int) (int, error) {
	if limit <= 0 {
		return defaultSweepLimit, nil
	}
	if limit > maxSweepLimit {
		return 0, fmt.Errorf("limit exceeds maximum: %d > %d", limit, maxSweepLimit)
	}
	return limit, nil
}

func stringField(request *structpb.Struct, key string) string {
	value, ok := request.GetFields()[key]
	if !ok {
		return ""
	}
	return strings.TrimSpace(value.GetStringValue())
}

func numberField(request *structpb.Struct, key string) float64 {
	value, ok := request.GetFields()[key]
	if !ok {
		return 0
	}
	return value.GetNumberValue()
}

func newResponse(fields map[string]any) (*structpb.Struct, error) {
	response, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return response, nil
}

func mapToGRPCError(source error) error {
	if errors.Is(source, ledger.ErrValidation) {
		return status.Error(codes.InvalidArgument, errorInvalidArgument+": "+source.Error())
	}
	if errors.Is(source, ledger.ErrUnknownAccount) {
		return status.Error(codes.NotFound, errorUnknownAccount)
	}
	if errors.Is(source, ledger.ErrUnknownPayment) {
		return status.Error(codes.NotFound, errorUnknownPayment)
	}
	if errors.Is(source, ledger.ErrInsufficientFunds) {
		return status.Error(codes.FailedPrecondition, errorInsufficientFunds)
	}
	if errors.Is(source, ledger.ErrDuplicateEntry) {
		return status.Error(codes.AlreadyExists, errorDuplicateEntry)
	}
	if errors.Is(source, ledger.ErrGateway) {
		return status.Error(codes.Unavailable, errorGateway)
	}
	return status.Error(codes.Internal, source.Error())
}
