package app

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
)

// BatchItem is one message of a batch send.
type BatchItem struct {
	IdempotencyKey string
	Attributes     domain.MessageAttributes
}

// BatchResult pairs an item with its outcome. Err is set only for pre-claim storage failures.
type BatchResult struct {
	IdempotencyKey string
	Outcome        domain.SendOutcome
	Err            error
}

// BatchSender paces a batch through the orchestrator. The caller supplies a throttle factor
// in (0, 1] that scales the base rate; it is computed upstream and applied as given.
// The base rate caps all batches of one sender together; the factor only slows a single batch.
type BatchSender struct {
	orchestrator *SendOrchestrator
	call         ProviderCall
	baseRate     float64
	shared       *rate.Limiter
	logger       *slog.Logger
}

func NewBatchSender(orchestrator *SendOrchestrator, call ProviderCall, ratePerSecond float64, logger *slog.Logger) *BatchSender {
	shared := rate.NewLimiter(rate.Inf, 1)
	if ratePerSecond > 0 {
		shared = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	return &BatchSender{
		orchestrator: orchestrator,
		call:         call,
		baseRate:     ratePerSecond,
		shared:       shared,
		logger:       logger.With("component", "batch_sender"),
	}
}

// requestLimiter paces one batch at the scaled rate. It returns nil when the shared limiter
// alone is enough.
func (b *BatchSender) requestLimiter(throttleFactor float64) *rate.Limiter {
	if b.baseRate <= 0 || throttleFactor <= 0 || throttleFactor >= 1 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(b.baseRate*throttleFactor), 1)
}

func (b *BatchSender) wait(ctx context.Context, lim *rate.Limiter) error {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	return b.shared.Wait(ctx)
}

// SendBatch sends items in order. When ctx ends mid-batch the results so far are returned with ctx's error.
func (b *BatchSender) SendBatch(ctx context.Context, items []BatchItem, throttleFactor float64) ([]BatchResult, error) {
	lim := b.requestLimiter(throttleFactor)
	results := make([]BatchResult, 0, len(items))
	for _, item := range items {
		if err := b.wait(ctx, lim); err != nil {
			b.logger.WarnContext(ctx, "Batch interrupted", "sent", len(results), "total", len(items), "error", err)
			return results, err
		}
		out, err := b.orchestrator.Send(ctx, item.IdempotencyKey, item.Attributes, b.call)
		results = append(results, BatchResult{IdempotencyKey: item.IdempotencyKey, Outcome: out, Err: err})
	}
	return results, nil
}
