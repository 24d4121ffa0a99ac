package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aradsms/wa_gateway/internal/platform/clock"
	"github.com/aradsms/wa_gateway/internal/quota_service/domain"
)

// LedgerService is the quota authority. Every debit is keyed, so a replayed
// TryConsume reports already_consumed instead of charging twice.
type LedgerService struct {
	repo   domain.LedgerRepository
	clock  clock.Clock
	logger *slog.Logger
}

func NewLedgerService(repo domain.LedgerRepository, clk clock.Clock, logger *slog.Logger) *LedgerService {
	return &LedgerService{
		repo:   repo,
		clock:  clk,
		logger: logger.With("service", "quota_ledger"),
	}
}

// Estimate is read-only. A tenant without an account has nothing available.
func (s *LedgerService) Estimate(ctx context.Context, tenantID string, amount int64) (domain.Estimate, error) {
	if amount < 0 {
		return domain.Estimate{}, domain.ErrInvalidAmount
	}
	acc, err := s.repo.GetAccount(ctx, tenantID)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return domain.Estimate{Sufficient: amount == 0}, nil
		}
		return domain.Estimate{}, fmt.Errorf("estimate quota for %s: %w", tenantID, err)
	}
	return domain.Estimate{Sufficient: acc.Balance >= amount, Available: acc.Balance}, nil
}

// TryConsume debits amount once per idempotencyKey.
func (s *LedgerService) TryConsume(ctx context.Context, tenantID string, amount int64, idempotencyKey string, metadata map[string]string) (domain.ConsumeResult, error) {
	if amount < 0 {
		return domain.ConsumeResult{}, domain.ErrInvalidAmount
	}
	if idempotencyKey == "" {
		return domain.ConsumeResult{}, domain.ErrMissingIdempotency
	}

	txn := domain.NewTransaction(tenantID, domain.TransactionKindConsume, -amount, idempotencyKey, metadata, s.clock.Now())
	stored, err := s.repo.Consume(ctx, txn)
	switch {
	case err == nil:
		consumeAttemptsCounter.WithLabelValues(string(domain.ConsumeStatusConsumed)).Inc()
		consumedUnitsCounter.Add(float64(amount))
		s.logger.InfoContext(ctx, "Quota consumed", "tenant_id", tenantID, "amount", amount, "idempotency_key", idempotencyKey, "balance_after", stored.BalanceAfter)
		return domain.ConsumeResult{Status: domain.ConsumeStatusConsumed, BalanceAfter: stored.BalanceAfter, TransactionID: stored.ID}, nil
	case errors.Is(err, domain.ErrTransactionExists):
		consumeAttemptsCounter.WithLabelValues(string(domain.ConsumeStatusAlreadyConsumed)).Inc()
		if stored.TenantID != tenantID || stored.Amount != -amount {
			s.logger.WarnContext(ctx, "Idempotency key replayed with different parameters",
				"idempotency_key", idempotencyKey, "tenant_id", tenantID, "stored_tenant_id", stored.TenantID, "amount", amount, "stored_amount", -stored.Amount)
		}
		return domain.ConsumeResult{Status: domain.ConsumeStatusAlreadyConsumed, BalanceAfter: stored.BalanceAfter, TransactionID: stored.ID}, nil
	case errors.Is(err, domain.ErrInsufficientQuota):
		consumeAttemptsCounter.WithLabelValues(string(domain.ConsumeStatusInsufficient)).Inc()
		s.logger.WarnContext(ctx, "Quota insufficient", "tenant_id", tenantID, "amount", amount, "idempotency_key", idempotencyKey)
		return domain.ConsumeResult{Status: domain.ConsumeStatusInsufficient}, nil
	default:
		consumeAttemptsCounter.WithLabelValues("error").Inc()
		s.logger.ErrorContext(ctx, "Quota consumption failed", "error", err, "tenant_id", tenantID, "idempotency_key", idempotencyKey)
		return domain.ConsumeResult{}, err
	}
}

// TopUp credits amount once per idempotencyKey and reports whether this call applied it.
func (s *LedgerService) TopUp(ctx context.Context, tenantID string, amount int64, idempotencyKey string, metadata map[string]string) (balance int64, applied bool, err error) {
	if amount <= 0 {
		return 0, false, domain.ErrInvalidAmount
	}
	if idempotencyKey == "" {
		return 0, false, domain.ErrMissingIdempotency
	}

	txn := domain.NewTransaction(tenantID, domain.TransactionKindTopUp, amount, idempotencyKey, metadata, s.clock.Now())
	stored, err := s.repo.Credit(ctx, txn)
	switch {
	case err == nil:
		topUpsCounter.WithLabelValues("applied").Inc()
		s.logger.InfoContext(ctx, "Quota topped up", "tenant_id", tenantID, "amount", amount, "balance_after", stored.BalanceAfter)
		return stored.BalanceAfter, true, nil
	case errors.Is(err, domain.ErrTransactionExists):
		topUpsCounter.WithLabelValues("replayed").Inc()
		return stored.BalanceAfter, false, nil
	default:
		topUpsCounter.WithLabelValues("error").Inc()
		return 0, false, fmt.Errorf("top up %s: %w", tenantID, err)
	}
}

// Balance returns the current balance, zero for unknown tenants.
func (s *LedgerService) Balance(ctx context.Context, tenantID string) (int64, error) {
	acc, err := s.repo.GetAccount(ctx, tenantID)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return acc.Balance, nil
}
