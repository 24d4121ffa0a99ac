package app

import (
	"context"
	"log/slog"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
)

// decideTransition is the ingestion rule applied under the record lock, shared by
// live callbacks and orphan reconciliation.
func decideTransition(rec *domain.MessageRecord, target domain.Status) domain.EventDecision {
	if rec == nil {
		return domain.EventDecision{Result: domain.ResultStoredOrphan}
	}
	if ok, reason := domain.ValidateTransition(rec.Status, target); !ok {
		return domain.EventDecision{Result: domain.ResultIgnored, IgnoreReason: reason, IsOutOfOrder: true}
	}
	return domain.EventDecision{Result: domain.ResultProcessed, ApplyStatus: true, NewStatus: target}
}

// statusPropagator runs the side effects of a committed transition. None of them can
// undo the transition, so failures are only logged.
type statusPropagator struct {
	linked   domain.LinkedStatusUpdater
	notifier domain.StatusNotifier
	logger   *slog.Logger
}

func (p statusPropagator) afterCommit(ctx context.Context, res *domain.AppendResult, source string) {
	if res == nil || !res.Inserted || res.Record == nil || res.Event.ProcessResult != domain.ResultProcessed {
		return
	}
	evt, rec := res.Event, res.Record

	if rec.SentAt != nil {
		switch rec.Status {
		case domain.StatusDelivered:
			if rec.DeliveredAt != nil {
				deliveryLatencyHist.WithLabelValues(rec.ProviderName, "delivered").Observe(rec.DeliveredAt.Sub(*rec.SentAt).Seconds())
			}
		case domain.StatusRead:
			if rec.ReadAt != nil {
				deliveryLatencyHist.WithLabelValues(rec.ProviderName, "read").Observe(rec.ReadAt.Sub(*rec.SentAt).Seconds())
			}
		}
	}

	if p.linked != nil && !rec.Link.IsZero() {
		if err := p.linked.UpdateLinkedStatus(ctx, rec.Link, rec.Status, evt.EventTimestamp); err != nil {
			p.logger.WarnContext(ctx, "Linked status propagation failed",
				"message_record_id", rec.ID, "link_type", rec.Link.Type, "link_id", rec.Link.ID, "error", err)
		}
	}

	if p.notifier != nil {
		err := p.notifier.NotifyStatusChanged(ctx, domain.StatusChanged{
			MessageRecordID:   rec.ID,
			IdempotencyKey:    rec.IdempotencyKey,
			TenantID:          rec.TenantID,
			Provider:          evt.Provider,
			ProviderMessageID: evt.ProviderMessageID,
			StatusBefore:      evt.StatusBefore,
			StatusAfter:       evt.StatusAfter,
			Source:            source,
			OccurredAt:        evt.EventTimestamp,
		})
		if err != nil {
			p.logger.WarnContext(ctx, "Status notification failed", "message_record_id", rec.ID, "error", err)
		}
	}
}

func toIngestionResult(evt *domain.DeliveryEvent) domain.IngestionResult {
	return domain.IngestionResult{
		EventID:         evt.ID,
		IdempotencyKey:  evt.IdempotencyKey,
		Result:          evt.ProcessResult,
		Reason:          evt.IgnoreReason,
		MessageRecordID: evt.MessageRecordID,
		StatusBefore:    evt.StatusBefore,
		StatusAfter:     evt.StatusAfter,
		IsOutOfOrder:    evt.IsOutOfOrder,
	}
}
