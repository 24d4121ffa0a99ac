package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
	"github.com/aradsms/wa_gateway/internal/delivery_service/provider"
	"github.com/aradsms/wa_gateway/internal/delivery_service/repository/memory"
	"github.com/aradsms/wa_gateway/internal/platform/clock"
)

var testStart = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLedger is an in-process ledger with the same per-key idempotency as the real one.
type fakeLedger struct {
	mu          sync.Mutex
	balances    map[string]int64
	consumed    map[string]int64
	estimateErr error
	consumeErr  error
}

func newFakeLedger(balances map[string]int64) *fakeLedger {
	return &fakeLedger{balances: balances, consumed: map[string]int64{}}
}

func (l *fakeLedger) Estimate(_ context.Context, tenantID string, amount int64) (domain.QuotaEstimate, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.estimateErr != nil {
		return domain.QuotaEstimate{}, l.estimateErr
	}
	bal := l.balances[tenantID]
	return domain.QuotaEstimate{Sufficient: bal >= amount, Available: bal}, nil
}

func (l *fakeLedger) TryConsume(_ context.Context, tenantID string, amount int64, key string, _ map[string]string) (domain.ConsumeResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.consumeErr != nil {
		return domain.ConsumeResult{}, l.consumeErr
	}
	if _, ok := l.consumed[key]; ok {
		return domain.ConsumeResult{Status: domain.QuotaAlreadyConsumed, BalanceAfter: l.balances[tenantID]}, nil
	}
	if l.balances[tenantID] < amount {
		return domain.ConsumeResult{Status: domain.QuotaInsufficient, BalanceAfter: l.balances[tenantID]}, nil
	}
	l.balances[tenantID] -= amount
	l.consumed[key] = amount
	return domain.ConsumeResult{Status: domain.QuotaConsumed, BalanceAfter: l.balances[tenantID]}, nil
}

func (l *fakeLedger) setConsumeErr(err error) {
	l.mu.Lock()
	l.consumeErr = err
	l.mu.Unlock()
}

func (l *fakeLedger) balance(tenantID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[tenantID]
}

func (l *fakeLedger) consumptions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.consumed)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.StatusChanged
}

func (n *recordingNotifier) NotifyStatusChanged(_ context.Context, evt domain.StatusChanged) error {
	n.mu.Lock()
	n.events = append(n.events, evt)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) all() []domain.StatusChanged {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.StatusChanged(nil), n.events...)
}

// countingCall returns a ProviderCall that answers with providerMessageID and counts invocations.
func countingCall(providerMessageID string, calls *atomic.Int32, delay time.Duration) ProviderCall {
	return func(ctx context.Context, rec *domain.MessageRecord) (*provider.SendResult, error) {
		calls.Add(1)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &provider.SendResult{Accepted: true, ProviderMessageID: providerMessageID, HTTPStatus: 200}, nil
	}
}

type fixture struct {
	store        *memory.Store
	clock        *clock.Fake
	ledger       *fakeLedger
	notifier     *recordingNotifier
	rules        *RuleSnapshot
	orchestrator *SendOrchestrator
	registry     *provider.Registry
	mockProvider *provider.MockProvider
	pipeline     *IngestionPipeline
	reconciler   *Reconciler
}

func newFixture() *fixture {
	f := &fixture{
		store:    memory.NewStore(),
		clock:    clock.NewFake(testStart),
		ledger:   newFakeLedger(map[string]int64{"tenant-1": 100}),
		notifier: &recordingNotifier{},
	}
	logger := testLogger()
	f.rules = NewRuleSnapshot(f.store, f.clock, logger)
	cfg := DefaultOrchestratorConfig()
	cfg.ProviderTimeout = 50 * time.Millisecond
	f.orchestrator = NewSendOrchestrator(f.store.MessageRecords(), f.ledger, f.rules, f.notifier, f.clock, cfg, logger)

	f.mockProvider = provider.NewMockProvider(logger, 0)
	f.registry = provider.NewRegistry(f.mockProvider)
	f.pipeline = NewIngestionPipeline(f.registry, f.store.DeliveryEvents(), f.store, f.notifier, nil, f.clock,
		IngestionConfig{FreshnessHorizon: 7 * 24 * time.Hour}, logger)
	f.reconciler = NewReconciler(f.store.MessageRecords(), f.store.DeliveryEvents(), f.store, f.notifier, f.clock,
		ReconcilerConfig{Window: 24 * time.Hour, BatchSize: 100}, logger)
	return f
}

func attrs() domain.MessageAttributes {
	return domain.MessageAttributes{
		TenantID:     "tenant-1",
		Recipient:    "+15550001",
		MessageType:  "text",
		Content:      "hello",
		ProviderName: provider.MockProviderName,
		Link:         domain.Link{Type: domain.LinkCampaignTarget, ID: "target-1"},
		QuotaCost:    1,
		MaxRetries:   3,
	}
}

func (f *fixture) record(key string) *domain.MessageRecord {
	rec, err := f.store.MessageRecords().GetByIdempotencyKey(context.Background(), key)
	if err != nil {
		panic(err)
	}
	return rec
}
