// Package memory keeps quota accounts in process for local runs and tests.
package memory

import (
	"context"
	"sync"

	"github.com/aradsms/wa_gateway/internal/quota_service/domain"
)

type Ledger struct {
	mu           sync.Mutex
	accounts     map[string]*domain.Account
	transactions map[string]*domain.Transaction
}

func NewLedger() *Ledger {
	return &Ledger{
		accounts:     make(map[string]*domain.Account),
		transactions: make(map[string]*domain.Transaction),
	}
}

func (l *Ledger) GetAccount(_ context.Context, tenantID string) (*domain.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[tenantID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (l *Ledger) GetTransaction(_ context.Context, idempotencyKey string) (*domain.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	txn, ok := l.transactions[idempotencyKey]
	if !ok {
		return nil, domain.ErrTransactionMissing
	}
	cp := *txn
	return &cp, nil
}

func (l *Ledger) Consume(_ context.Context, txn *domain.Transaction) (*domain.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.transactions[txn.IdempotencyKey]; ok {
		cp := *existing
		return &cp, domain.ErrTransactionExists
	}
	acc, ok := l.accounts[txn.TenantID]
	if !ok || acc.Balance < -txn.Amount {
		return nil, domain.ErrInsufficientQuota
	}
	acc.Balance += txn.Amount
	acc.UpdatedAt = txn.CreatedAt
	return l.journal(txn, acc.Balance), nil
}

func (l *Ledger) Credit(_ context.Context, txn *domain.Transaction) (*domain.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.transactions[txn.IdempotencyKey]; ok {
		cp := *existing
		return &cp, domain.ErrTransactionExists
	}
	acc, ok := l.accounts[txn.TenantID]
	if !ok {
		acc = &domain.Account{TenantID: txn.TenantID}
		l.accounts[txn.TenantID] = acc
	}
	acc.Balance += txn.Amount
	acc.UpdatedAt = txn.CreatedAt
	return l.journal(txn, acc.Balance), nil
}

// journal must be called with mu held.
func (l *Ledger) journal(txn *domain.Transaction, balance int64) *domain.Transaction {
	txn.BalanceAfter = balance
	cp := *txn
	l.transactions[txn.IdempotencyKey] = &cp
	return txn
}
