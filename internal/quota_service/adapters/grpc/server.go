package grpc

import (
	"context"
	"errors"
	"log/slog"

	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aradsms/wa_gateway/api/quotaapi"
	"github.com/aradsms/wa_gateway/internal/quota_service/app"
	"github.com/aradsms/wa_gateway/internal/quota_service/domain"
)

type QuotaGRPCServer struct {
	ledger *app.LedgerService
	logger *slog.Logger
}

func NewQuotaGRPCServer(ledger *app.LedgerService, logger *slog.Logger) *QuotaGRPCServer {
	return &QuotaGRPCServer{
		ledger: ledger,
		logger: logger.With("component", "quota_grpc_server"),
	}
}

// NewServer builds a grpc.Server with the ledger registered behind the Prometheus interceptors.
// metrics may be nil when the caller does not export gRPC metrics.
func NewServer(ledger *app.LedgerService, metrics *grpcprom.ServerMetrics, logger *slog.Logger) *grpc.Server {
	var opts []grpc.ServerOption
	if metrics != nil {
		opts = append(opts,
			grpc.ChainUnaryInterceptor(metrics.UnaryServerInterceptor()),
			grpc.ChainStreamInterceptor(metrics.StreamServerInterceptor()),
		)
	}
	srv := grpc.NewServer(opts...)
	quotaapi.RegisterQuotaLedgerServer(srv, NewQuotaGRPCServer(ledger, logger))
	if metrics != nil {
		metrics.InitializeMetrics(srv)
	}
	return srv
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrMissingIdempotency):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrInsufficientQuota):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Errorf(codes.Internal, "quota operation failed: %v", err)
	}
}

func (s *QuotaGRPCServer) Estimate(ctx context.Context, req *quotaapi.EstimateRequest) (*quotaapi.EstimateResponse, error) {
	if req.TenantID == "" {
		return nil, status.Error(codes.InvalidArgument, "tenant_id is required")
	}
	est, err := s.ledger.Estimate(ctx, req.TenantID, req.Amount)
	if err != nil {
		s.logger.ErrorContext(ctx, "Estimate failed", "error", err, "tenant_id", req.TenantID)
		return nil, toStatus(err)
	}
	return &quotaapi.EstimateResponse{Sufficient: est.Sufficient, Available: est.Available}, nil
}

func (s *QuotaGRPCServer) TryConsume(ctx context.Context, req *quotaapi.TryConsumeRequest) (*quotaapi.TryConsumeResponse, error) {
	s.logger.DebugContext(ctx, "TryConsume RPC called", "tenant_id", req.TenantID, "amount", req.Amount, "idempotency_key", req.IdempotencyKey)
	if req.TenantID == "" {
		return nil, status.Error(codes.InvalidArgument, "tenant_id is required")
	}
	res, err := s.ledger.TryConsume(ctx, req.TenantID, req.Amount, req.IdempotencyKey, req.Metadata)
	if err != nil {
		s.logger.ErrorContext(ctx, "TryConsume failed in app layer", "error", err, "tenant_id", req.TenantID)
		return nil, toStatus(err)
	}
	resp := &quotaapi.TryConsumeResponse{Status: string(res.Status), BalanceAfter: res.BalanceAfter}
	if res.Status != domain.ConsumeStatusInsufficient {
		resp.TransactionID = res.TransactionID.String()
	}
	return resp, nil
}

func (s *QuotaGRPCServer) TopUp(ctx context.Context, req *quotaapi.TopUpRequest) (*quotaapi.TopUpResponse, error) {
	if req.TenantID == "" {
		return nil, status.Error(codes.InvalidArgument, "tenant_id is required")
	}
	balance, applied, err := s.ledger.TopUp(ctx, req.TenantID, req.Amount, req.IdempotencyKey, req.Metadata)
	if err != nil {
		s.logger.ErrorContext(ctx, "TopUp failed in app layer", "error", err, "tenant_id", req.TenantID)
		return nil, toStatus(err)
	}
	return &quotaapi.TopUpResponse{BalanceAfter: balance, Applied: applied}, nil
}
