// Package quota adapts the quota service to the delivery pipeline's QuotaLedger,
// either in process or over gRPC.
package quota

import (
	"context"
	"fmt"

	"github.com/aradsms/wa_gateway/api/quotaapi"
	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
	quotaapp "github.com/aradsms/wa_gateway/internal/quota_service/app"
)

// LocalLedger calls the ledger service in the same process.
type LocalLedger struct {
	svc *quotaapp.LedgerService
}

func NewLocalLedger(svc *quotaapp.LedgerService) *LocalLedger {
	return &LocalLedger{svc: svc}
}

func (l *LocalLedger) Estimate(ctx context.Context, tenantID string, amount int64) (domain.QuotaEstimate, error) {
	est, err := l.svc.Estimate(ctx, tenantID, amount)
	if err != nil {
		return domain.QuotaEstimate{}, err
	}
	return domain.QuotaEstimate{Sufficient: est.Sufficient, Available: est.Available}, nil
}

func (l *LocalLedger) TryConsume(ctx context.Context, tenantID string, amount int64, idempotencyKey string, metadata map[string]string) (domain.ConsumeResult, error) {
	res, err := l.svc.TryConsume(ctx, tenantID, amount, idempotencyKey, metadata)
	if err != nil {
		return domain.ConsumeResult{}, err
	}
	return domain.ConsumeResult{Status: domain.ConsumeStatus(res.Status), BalanceAfter: res.BalanceAfter}, nil
}

// GRPCLedger calls a remote quota service.
type GRPCLedger struct {
	client *quotaapi.Client
}

func NewGRPCLedger(client *quotaapi.Client) *GRPCLedger {
	return &GRPCLedger{client: client}
}

func (g *GRPCLedger) Estimate(ctx context.Context, tenantID string, amount int64) (domain.QuotaEstimate, error) {
	resp, err := g.client.Estimate(ctx, &quotaapi.EstimateRequest{TenantID: tenantID, Amount: amount})
	if err != nil {
		return domain.QuotaEstimate{}, fmt.Errorf("quota estimate rpc: %w", err)
	}
	return domain.QuotaEstimate{Sufficient: resp.Sufficient, Available: resp.Available}, nil
}

func (g *GRPCLedger) TryConsume(ctx context.Context, tenantID string, amount int64, idempotencyKey string, metadata map[string]string) (domain.ConsumeResult, error) {
	resp, err := g.client.TryConsume(ctx, &quotaapi.TryConsumeRequest{
		TenantID:       tenantID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
	})
	if err != nil {
		return domain.ConsumeResult{}, fmt.Errorf("quota consume rpc: %w", err)
	}
	status := domain.ConsumeStatus(resp.Status)
	switch status {
	case domain.QuotaConsumed, domain.QuotaAlreadyConsumed, domain.QuotaInsufficient:
	default:
		return domain.ConsumeResult{}, fmt.Errorf("quota consume rpc: unexpected status %q", resp.Status)
	}
	return domain.ConsumeResult{Status: status, BalanceAfter: resp.BalanceAfter}, nil
}
