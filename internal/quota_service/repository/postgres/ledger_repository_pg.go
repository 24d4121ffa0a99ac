package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/aradsms/wa_gateway/internal/platform/database"
	"github.com/aradsms/wa_gateway/internal/quota_service/domain"
)

const transactionColumns = `id, tenant_id, kind, amount, idempotency_key, balance_after, metadata, created_at`

// errLostRace marks an insert that hit a journal row committed by a concurrent caller.
var errLostRace = errors.New("idempotency key journaled concurrently")

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgLedgerRepository struct {
	db     database.DBTX
	logger *slog.Logger
}

// NewPgLedgerRepository creates the Postgres-backed LedgerRepository.
func NewPgLedgerRepository(db database.DBTX, logger *slog.Logger) domain.LedgerRepository {
	return &pgLedgerRepository{db: db, logger: logger.With("component", "ledger_repository_pg")}
}

func (r *pgLedgerRepository) GetAccount(ctx context.Context, tenantID string) (*domain.Account, error) {
	acc := &domain.Account{}
	err := r.db.QueryRow(ctx,
		`SELECT tenant_id, balance, updated_at FROM quota_accounts WHERE tenant_id = $1`, tenantID,
	).Scan(&acc.TenantID, &acc.Balance, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get quota account %s: %w", tenantID, err)
	}
	return acc, nil
}

func (r *pgLedgerRepository) GetTransaction(ctx context.Context, idempotencyKey string) (*domain.Transaction, error) {
	return getTransaction(ctx, r.db, idempotencyKey)
}

// Consume debits -txn.Amount from the tenant balance and journals txn in one transaction.
// The conditional UPDATE is the only place the balance decreases, so it never goes negative.
func (r *pgLedgerRepository) Consume(ctx context.Context, txn *domain.Transaction) (*domain.Transaction, error) {
	cost := -txn.Amount
	return r.apply(ctx, txn, func(tx pgx.Tx) (int64, error) {
		var balance int64
		err := tx.QueryRow(ctx, `
			UPDATE quota_accounts SET balance = balance - $2, updated_at = $3
			WHERE tenant_id = $1 AND balance >= $2
			RETURNING balance`,
			txn.TenantID, cost, txn.CreatedAt,
		).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrInsufficientQuota
		}
		return balance, err
	})
}

// Credit adds txn.Amount to the tenant balance, opening the account when needed.
func (r *pgLedgerRepository) Credit(ctx context.Context, txn *domain.Transaction) (*domain.Transaction, error) {
	return r.apply(ctx, txn, func(tx pgx.Tx) (int64, error) {
		var balance int64
		err := tx.QueryRow(ctx, `
			INSERT INTO quota_accounts (tenant_id, balance, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (tenant_id) DO UPDATE
			SET balance = quota_accounts.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at
			RETURNING balance`,
			txn.TenantID, txn.Amount, txn.CreatedAt,
		).Scan(&balance)
		return balance, err
	})
}

// apply runs the shared idempotent journal flow around a balance mutation.
func (r *pgLedgerRepository) apply(ctx context.Context, txn *domain.Transaction, mutate func(pgx.Tx) (int64, error)) (*domain.Transaction, error) {
	metadata, err := encodeMetadata(txn.Metadata)
	if err != nil {
		return nil, err
	}

	var existing *domain.Transaction
	err = pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		found, err := getTransaction(ctx, tx, txn.IdempotencyKey)
		if err == nil {
			existing = found
			return domain.ErrTransactionExists
		}
		if !errors.Is(err, domain.ErrTransactionMissing) {
			return err
		}

		balance, err := mutate(tx)
		if err != nil {
			return err
		}
		txn.BalanceAfter = balance

		tag, err := tx.Exec(ctx, `
			INSERT INTO quota_transactions (`+transactionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (idempotency_key) DO NOTHING`,
			txn.ID, txn.TenantID, string(txn.Kind), txn.Amount, txn.IdempotencyKey, txn.BalanceAfter, metadata, txn.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert quota transaction: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return errLostRace
		}
		return nil
	})

	switch {
	case err == nil:
		return txn, nil
	case errors.Is(err, domain.ErrTransactionExists):
		return existing, domain.ErrTransactionExists
	case errors.Is(err, errLostRace):
		r.logger.InfoContext(ctx, "Concurrent caller journaled the same key first", "idempotency_key", txn.IdempotencyKey)
		found, getErr := getTransaction(ctx, r.db, txn.IdempotencyKey)
		if getErr != nil {
			return nil, fmt.Errorf("reload raced quota transaction: %w", getErr)
		}
		return found, domain.ErrTransactionExists
	case errors.Is(err, domain.ErrInsufficientQuota):
		return nil, err
	default:
		return nil, fmt.Errorf("apply quota transaction %s: %w", txn.IdempotencyKey, err)
	}
}

func getTransaction(ctx context.Context, q queryRower, idempotencyKey string) (*domain.Transaction, error) {
	var (
		txn      domain.Transaction
		kind     string
		metadata []byte
	)
	err := q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM quota_transactions WHERE idempotency_key = $1`, idempotencyKey,
	).Scan(&txn.ID, &txn.TenantID, &kind, &txn.Amount, &txn.IdempotencyKey, &txn.BalanceAfter, &metadata, &txn.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionMissing
		}
		return nil, fmt.Errorf("get quota transaction %s: %w", idempotencyKey, err)
	}
	txn.Kind = domain.TransactionKind(kind)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &txn.Metadata); err != nil {
			return nil, fmt.Errorf("decode quota transaction metadata: %w", err)
		}
	}
	return &txn, nil
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode quota transaction metadata: %w", err)
	}
	return b, nil
}
