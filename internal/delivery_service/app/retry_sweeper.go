package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
	"github.com/aradsms/wa_gateway/internal/platform/clock"
)

// RetrySweeper re-drives failed records whose retry_after has passed and sending records whose
// claim went stale. It only schedules; the orchestrator's claim still decides whether an
// attempt happens.
type RetrySweeper struct {
	records      domain.MessageRecordRepository
	orchestrator *SendOrchestrator
	call         ProviderCall
	clock        clock.Clock
	batchSize    int
	logger       *slog.Logger
}

func NewRetrySweeper(
	records domain.MessageRecordRepository,
	orchestrator *SendOrchestrator,
	call ProviderCall,
	clk clock.Clock,
	batchSize int,
	logger *slog.Logger,
) *RetrySweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &RetrySweeper{
		records:      records,
		orchestrator: orchestrator,
		call:         call,
		clock:        clk,
		batchSize:    batchSize,
		logger:       logger.With("component", "retry_sweeper"),
	}
}

// SweepOnce returns the outcome of every record it picked up.
func (s *RetrySweeper) SweepOnce(ctx context.Context) ([]domain.SendOutcome, error) {
	now := s.clock.Now()
	due, err := s.records.ListDueRetries(ctx, now, s.orchestrator.staleBefore(now), s.batchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list due retries", "error", err)
		return nil, fmt.Errorf("list due retries: %w", err)
	}
	if len(due) == 0 {
		return nil, nil
	}
	s.logger.InfoContext(ctx, "Retrying failed messages", "count", len(due))

	outcomes := make([]domain.SendOutcome, 0, len(due))
	for _, rec := range due {
		if ctx.Err() != nil {
			return outcomes, ctx.Err()
		}
		out, err := s.orchestrator.Send(ctx, rec.IdempotencyKey, AttributesOf(rec), s.call)
		if err != nil {
			retrySweepCounter.WithLabelValues("error").Inc()
			s.logger.ErrorContext(ctx, "Retry attempt failed before claim", "message_record_id", rec.ID, "error", err)
			continue
		}
		retrySweepCounter.WithLabelValues(string(out.Kind)).Inc()
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// Run sweeps on every tick until ctx is done.
func (s *RetrySweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = s.SweepOnce(ctx)
		}
	}
}

// AttributesOf rebuilds the creation attributes of an existing record.
func AttributesOf(rec *domain.MessageRecord) domain.MessageAttributes {
	return domain.MessageAttributes{
		TenantID:     rec.TenantID,
		Recipient:    rec.Recipient,
		MessageType:  rec.MessageType,
		Content:      rec.Content,
		ProviderName: rec.ProviderName,
		Link:         rec.Link,
		QuotaCost:    rec.QuotaCost,
		MaxRetries:   rec.MaxRetries,
	}
}
