package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
	"github.com/aradsms/wa_gateway/internal/delivery_service/provider"
	"github.com/aradsms/wa_gateway/internal/platform/clock"
)

// DedupCache remembers recently processed idempotency keys so redeliveries skip the store lookup.
type DedupCache = expirable.LRU[string, struct{}]

func NewDedupCache(size int, ttl time.Duration) *DedupCache {
	return expirable.NewLRU[string, struct{}](size, nil, ttl)
}

type IngestionConfig struct {
	FreshnessHorizon time.Duration
}

// IngestionPipeline turns provider callbacks into delivery events and record transitions.
type IngestionPipeline struct {
	registry *provider.Registry
	events   domain.DeliveryEventRepository
	seen     *DedupCache
	clock    clock.Clock
	cfg      IngestionConfig
	logger   *slog.Logger
	after    statusPropagator
}

// NewIngestionPipeline wires the pipeline. seen, linked and notifier may be nil.
func NewIngestionPipeline(
	registry *provider.Registry,
	events domain.DeliveryEventRepository,
	linked domain.LinkedStatusUpdater,
	notifier domain.StatusNotifier,
	seen *DedupCache,
	clk clock.Clock,
	cfg IngestionConfig,
	logger *slog.Logger,
) *IngestionPipeline {
	log := logger.With("component", "ingestion_pipeline")
	return &IngestionPipeline{
		registry: registry,
		events:   events,
		seen:     seen,
		clock:    clk,
		cfg:      cfg,
		logger:   log,
		after:    statusPropagator{linked: linked, notifier: notifier, logger: log},
	}
}

// Ingest verifies and normalizes one callback and processes every status event in it.
// ErrUnknownProvider, ErrInvalidSignature and ErrMalformedPayload come back wrapped for
// the caller to map; any other error means a storage failure and the provider should retry.
func (p *IngestionPipeline) Ingest(ctx context.Context, raw []byte, providerName, signature string) ([]domain.IngestionResult, error) {
	adapter, err := p.registry.Get(providerName)
	if err != nil {
		return nil, err
	}
	if err := adapter.VerifySignature(raw, signature); err != nil {
		p.logger.WarnContext(ctx, "Rejected callback signature", "provider", providerName)
		return nil, fmt.Errorf("%s callback: %w", providerName, err)
	}
	normalized, err := adapter.Normalize(raw)
	if err != nil {
		p.logger.WarnContext(ctx, "Malformed callback payload", "provider", providerName, "error", err)
		return nil, err
	}

	receivedAt := p.clock.Now()
	results := make([]domain.IngestionResult, 0, len(normalized))
	for _, n := range normalized {
		if n.Provider == "" {
			n.Provider = adapter.Name()
		}
		res, err := p.ingestOne(ctx, n, raw, receivedAt)
		if err != nil {
			ingestionResultsCounter.WithLabelValues(n.Provider, "error", "").Inc()
			p.logger.ErrorContext(ctx, "Failed to ingest status event",
				"provider", n.Provider, "provider_message_id", n.ProviderMessageID, "event_type", n.EventType, "error", err)
			return results, fmt.Errorf("ingest %s event for %s: %w", n.EventType, n.ProviderMessageID, err)
		}
		ingestionResultsCounter.WithLabelValues(n.Provider, string(res.Result), res.Reason).Inc()
		results = append(results, res)
	}
	return results, nil
}

func (p *IngestionPipeline) ingestOne(ctx context.Context, n domain.NormalizedEvent, raw []byte, receivedAt time.Time) (domain.IngestionResult, error) {
	if n.EventTimestamp.IsZero() {
		n.EventTimestamp = receivedAt
	}
	evt := domain.NewDeliveryEvent(n, raw, receivedAt)

	if p.cfg.FreshnessHorizon > 0 && receivedAt.Sub(n.EventTimestamp) > p.cfg.FreshnessHorizon {
		return p.append(ctx, evt, func(*domain.MessageRecord) domain.EventDecision {
			return domain.EventDecision{Result: domain.ResultIgnored, IgnoreReason: domain.ReasonTooOld}
		})
	}

	if p.seen != nil && p.seen.Contains(evt.IdempotencyKey) {
		return p.storeDuplicate(ctx, evt)
	}
	exists, err := p.events.ExistsByIdempotencyKey(ctx, evt.IdempotencyKey)
	if err != nil {
		return domain.IngestionResult{}, err
	}
	if exists {
		p.markSeen(evt.IdempotencyKey)
		return p.storeDuplicate(ctx, evt)
	}

	target := n.EventType.TargetStatus()
	return p.append(ctx, evt, func(rec *domain.MessageRecord) domain.EventDecision {
		return decideTransition(rec, target)
	})
}

// append writes evt; losing the first-seen race turns it into a duplicate row.
func (p *IngestionPipeline) append(ctx context.Context, evt *domain.DeliveryEvent, decide domain.DecideFunc) (domain.IngestionResult, error) {
	res, err := p.events.Append(ctx, evt, decide)
	if errors.Is(err, domain.ErrDuplicateEvent) {
		p.markSeen(evt.IdempotencyKey)
		return p.storeDuplicate(ctx, evt)
	}
	if err != nil {
		return domain.IngestionResult{}, err
	}
	p.markSeen(evt.IdempotencyKey)

	if res.Event.IsOutOfOrder {
		p.logger.InfoContext(ctx, "Out-of-order status event ignored",
			"provider_message_id", evt.ProviderMessageID, "event_type", evt.EventType,
			"status", res.Event.StatusBefore, "reason", res.Event.IgnoreReason)
	}
	p.after.afterCommit(ctx, res, "webhook")
	return toIngestionResult(res.Event), nil
}

func (p *IngestionPipeline) storeDuplicate(ctx context.Context, evt *domain.DeliveryEvent) (domain.IngestionResult, error) {
	evt.MessageRecordID, evt.StatusBefore, evt.StatusAfter, evt.IsOutOfOrder = nil, "", "", false
	if err := p.events.InsertDuplicate(ctx, evt); err != nil {
		return domain.IngestionResult{}, err
	}
	return toIngestionResult(evt), nil
}

func (p *IngestionPipeline) markSeen(key string) {
	if p.seen != nil {
		p.seen.Add(key, struct{}{})
	}
}
