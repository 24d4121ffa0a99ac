package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInsufficientQuota  = errors.New("insufficient quota")
	ErrAccountNotFound    = errors.New("quota account not found")
	ErrTransactionExists  = errors.New("quota transaction already recorded")
	ErrTransactionMissing = errors.New("quota transaction not found")
	ErrInvalidAmount      = errors.New("amount must not be negative")
	ErrMissingIdempotency = errors.New("idempotency key is required")
)

// ConsumeStatus is the ledger's answer to TryConsume.
type ConsumeStatus string

const (
	ConsumeStatusConsumed        ConsumeStatus = "consumed"
	ConsumeStatusAlreadyConsumed ConsumeStatus = "already_consumed"
	ConsumeStatusInsufficient    ConsumeStatus = "insufficient"
)

// TransactionKind separates consumption from top-ups in the journal.
type TransactionKind string

const (
	TransactionKindConsume TransactionKind = "consume"
	TransactionKindTopUp   TransactionKind = "top_up"
)

type Account struct {
	TenantID  string
	Balance   int64
	UpdatedAt time.Time
}

// Transaction is one journal row. Amount is negative for consumption.
type Transaction struct {
	ID             uuid.UUID
	TenantID       string
	Kind           TransactionKind
	Amount         int64
	IdempotencyKey string
	BalanceAfter   int64
	Metadata       map[string]string
	CreatedAt      time.Time
}

type ConsumeResult struct {
	Status        ConsumeStatus
	BalanceAfter  int64
	TransactionID uuid.UUID
}

type Estimate struct {
	Sufficient bool
	Available  int64
}

// LedgerRepository applies balance changes and their journal rows atomically.
// Consume and Credit return ErrTransactionExists (with the stored row) when the
// idempotency key was already journaled, and Consume returns ErrInsufficientQuota
// without changing anything when the balance cannot cover amount.
type LedgerRepository interface {
	GetAccount(ctx context.Context, tenantID string) (*Account, error)
	Consume(ctx context.Context, txn *Transaction) (*Transaction, error)
	Credit(ctx context.Context, txn *Transaction) (*Transaction, error)
	GetTransaction(ctx context.Context, idempotencyKey string) (*Transaction, error)
}

// NewTransaction fills the identity fields of a journal row.
func NewTransaction(tenantID string, kind TransactionKind, amount int64, key string, metadata map[string]string, now time.Time) *Transaction {
	return &Transaction{
		ID:             uuid.New(),
		TenantID:       tenantID,
		Kind:           kind,
		Amount:         amount,
		IdempotencyKey: key,
		Metadata:       metadata,
		CreatedAt:      now,
	}
}
