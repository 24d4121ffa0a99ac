package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
	"github.com/aradsms/wa_gateway/internal/platform/clock"
)

type ReconcilerConfig struct {
	Window    time.Duration
	BatchSize int
}

// ReconcileReport counts what one sweep did with the orphans it examined.
type ReconcileReport struct {
	Scanned           int `json:"scanned"`
	Processed         int `json:"processed"`
	Ignored           int `json:"ignored"`
	StillOrphaned     int `json:"still_orphaned"`
	AlreadyReconciled int `json:"already_reconciled"`
	Errors            int `json:"errors"`
}

// Reconciler replays stored orphans once their record exists. The orphan row stays as it was;
// the replay is a new row pointing back at it, so each orphan is reconciled at most once.
type Reconciler struct {
	records domain.MessageRecordRepository
	events  domain.DeliveryEventRepository
	clock   clock.Clock
	cfg     ReconcilerConfig
	logger  *slog.Logger
	after   statusPropagator
}

func NewReconciler(
	records domain.MessageRecordRepository,
	events domain.DeliveryEventRepository,
	linked domain.LinkedStatusUpdater,
	notifier domain.StatusNotifier,
	clk clock.Clock,
	cfg ReconcilerConfig,
	logger *slog.Logger,
) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	log := logger.With("component", "reconciler")
	return &Reconciler{
		records: records,
		events:  events,
		clock:   clk,
		cfg:     cfg,
		logger:  log,
		after:   statusPropagator{linked: linked, notifier: notifier, logger: log},
	}
}

// RunOnce processes one batch of orphans, oldest event first.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	now := r.clock.Now()
	orphans, err := r.events.ListUnreconciledOrphans(ctx, now.Add(-r.cfg.Window), r.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list orphans: %w", err)
	}
	report.Scanned = len(orphans)

	for _, orphan := range orphans {
		result := r.reconcile(ctx, orphan, now)
		orphanReconciliationsCounter.WithLabelValues(result).Inc()
		switch result {
		case string(domain.ResultProcessed):
			report.Processed++
		case string(domain.ResultIgnored):
			report.Ignored++
		case "still_orphan":
			report.StillOrphaned++
		case "already_reconciled":
			report.AlreadyReconciled++
		default:
			report.Errors++
		}
	}

	if report.Scanned > 0 {
		r.logger.InfoContext(ctx, "Reconciliation sweep finished",
			"scanned", report.Scanned, "processed", report.Processed, "ignored", report.Ignored,
			"still_orphaned", report.StillOrphaned, "errors", report.Errors)
	}
	return report, nil
}

func (r *Reconciler) reconcile(ctx context.Context, orphan *domain.DeliveryEvent, now time.Time) string {
	if _, err := r.records.GetByProviderMessageID(ctx, orphan.Provider, orphan.ProviderMessageID); err != nil {
		if errors.Is(err, domain.ErrMessageRecordNotFound) {
			return "still_orphan"
		}
		r.logger.ErrorContext(ctx, "Record lookup failed", "orphan_event_id", orphan.ID, "error", err)
		return "error"
	}

	target := orphan.EventType.TargetStatus()
	res, err := r.events.Append(ctx, orphan.FollowUp(now), func(rec *domain.MessageRecord) domain.EventDecision {
		if rec == nil {
			return domain.EventDecision{Discard: true}
		}
		return decideTransition(rec, target)
	})
	switch {
	case errors.Is(err, domain.ErrDuplicateEvent):
		return "already_reconciled"
	case err != nil:
		r.logger.ErrorContext(ctx, "Failed to append follow-up event", "orphan_event_id", orphan.ID, "error", err)
		return "error"
	case !res.Inserted:
		return "still_orphan"
	}

	r.logger.InfoContext(ctx, "Orphan event reconciled",
		"orphan_event_id", orphan.ID, "follow_up_event_id", res.Event.ID,
		"message_record_id", res.Event.MessageRecordID, "result", res.Event.ProcessResult, "reason", res.Event.IgnoreReason)
	r.after.afterCommit(ctx, res, "reconciliation")
	return string(res.Event.ProcessResult)
}

// Run sweeps on every tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.ErrorContext(ctx, "Reconciliation sweep failed", "error", err)
			}
		}
	}
}
