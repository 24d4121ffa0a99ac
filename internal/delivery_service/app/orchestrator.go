package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
	"github.com/aradsms/wa_gateway/internal/delivery_service/provider"
	"github.com/aradsms/wa_gateway/internal/platform/clock"
)

// ProviderCall performs the outbound send for a claimed record.
type ProviderCall func(ctx context.Context, rec *domain.MessageRecord) (*provider.SendResult, error)

// AdapterCall resolves the record's provider from registry on every call.
func AdapterCall(registry *provider.Registry) ProviderCall {
	return func(ctx context.Context, rec *domain.MessageRecord) (*provider.SendResult, error) {
		adapter, err := registry.Get(rec.ProviderName)
		if err != nil {
			return nil, err
		}
		return adapter.Send(ctx, provider.SendRequest{
			MessageRecordID: rec.ID,
			IdempotencyKey:  rec.IdempotencyKey,
			TenantID:        rec.TenantID,
			Recipient:       rec.Recipient,
			MessageType:     rec.MessageType,
			Content:         rec.Content,
		})
	}
}

// OrchestratorConfig holds the send-path timings.
type OrchestratorConfig struct {
	ClaimStaleAfter time.Duration
	ProviderTimeout time.Duration
	StorageTimeout  time.Duration
	Backoff         domain.Backoff
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		ClaimStaleAfter: 5 * time.Minute,
		ProviderTimeout: 15 * time.Second,
		StorageTimeout:  10 * time.Second,
		Backoff:         domain.Backoff{Base: 30 * time.Second, Max: 30 * time.Minute},
	}
}

// SendOrchestrator drives one logical message through find-or-create, claim, provider call
// and finalization. The message_records row is the only lock.
type SendOrchestrator struct {
	records  domain.MessageRecordRepository
	ledger   domain.QuotaLedger
	rules    *RuleSnapshot
	notifier domain.StatusNotifier
	clock    clock.Clock
	cfg      OrchestratorConfig
	logger   *slog.Logger
}

// NewSendOrchestrator wires the orchestrator. rules and notifier may be nil.
func NewSendOrchestrator(
	records domain.MessageRecordRepository,
	ledger domain.QuotaLedger,
	rules *RuleSnapshot,
	notifier domain.StatusNotifier,
	clk clock.Clock,
	cfg OrchestratorConfig,
	logger *slog.Logger,
) *SendOrchestrator {
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = 10 * time.Second
	}
	if cfg.ClaimStaleAfter <= 0 {
		cfg.ClaimStaleAfter = 5 * time.Minute
	}
	return &SendOrchestrator{
		records:  records,
		ledger:   ledger,
		rules:    rules,
		notifier: notifier,
		clock:    clk,
		cfg:      cfg,
		logger:   logger.With("component", "send_orchestrator"),
	}
}

// Send delivers the message identified by idempotencyKey at most once. An error is returned
// only when storage fails before a claim is taken; everything after the claim is reported
// through the outcome.
func (o *SendOrchestrator) Send(ctx context.Context, idempotencyKey string, attrs domain.MessageAttributes, call ProviderCall) (domain.SendOutcome, error) {
	now := o.clock.Now()
	rec, created, err := o.records.FindOrCreate(ctx, domain.NewMessageRecord(idempotencyKey, attrs, now))
	if err != nil {
		return domain.SendOutcome{}, fmt.Errorf("find or create message record: %w", err)
	}
	log := o.logger.With("idempotency_key", idempotencyKey, "message_record_id", rec.ID, "provider", rec.ProviderName)
	if created {
		log.DebugContext(ctx, "New message record")
	}
	if rec.TenantID != attrs.TenantID {
		// The key belongs to another tenant; nothing about that record is reported back.
		log.WarnContext(ctx, "Idempotency key owned by another tenant", "tenant_id", attrs.TenantID)
		return o.record(domain.SendOutcome{Kind: domain.OutcomeSkipped, SkipReason: domain.SkipKeyConflict},
			attrs.ProviderName, string(domain.SkipKeyConflict)), nil
	}

	if rec.Status.IsTerminalSuccess() {
		if rec.QuotaCost > 0 && !rec.QuotaConsumed {
			// A previous finalization could not reach the ledger; the key makes this safe to repeat.
			o.consumeQuota(ctx, rec)
		}
		return o.record(domain.SendOutcome{
			Kind:              domain.OutcomeAlreadySent,
			MessageRecordID:   rec.ID,
			ProviderMessageID: rec.ProviderMessageID,
			Status:            rec.Status,
		}, rec.ProviderName, ""), nil
	}

	if rec.IsClaimed(now, o.cfg.ClaimStaleAfter) {
		return o.skip(rec, domain.SkipProcessing), nil
	}
	switch rec.Status {
	case domain.StatusFailed:
		if rec.RetriesExhausted() {
			return o.skip(rec, domain.SkipMaxRetriesReached), nil
		}
		if !rec.Retryable {
			return o.skip(rec, domain.SkipNonRetryable), nil
		}
	case domain.StatusExpired:
		return o.skip(rec, domain.SkipNonRetryable), nil
	}

	if o.rules != nil {
		if reason, blocked := o.rules.IsBlocked(rec.TenantID, rec.Recipient); blocked {
			if reason == "" {
				reason = "recipient is blocked"
			}
			f := domain.NewFailure(domain.CategoryBlocked, "blocked_recipient", reason)
			return o.failUnclaimed(ctx, rec, f, domain.SkipBlockedRecipient)
		}
	}

	if rec.QuotaCost > 0 {
		est, err := o.ledger.Estimate(ctx, rec.TenantID, rec.QuotaCost)
		switch {
		case err != nil:
			// The estimate is advisory; consumption after the send is authoritative.
			log.WarnContext(ctx, "Quota estimate unavailable, continuing", "error", err)
		case !est.Sufficient:
			f := domain.NewFailure(domain.CategoryQuotaExceeded, "quota_exceeded",
				fmt.Sprintf("insufficient quota: need %d, available %d", rec.QuotaCost, est.Available))
			return o.failUnclaimed(ctx, rec, f, domain.SkipQuotaExceeded)
		}
	}

	claimID := uuid.New()
	now = o.clock.Now()
	won, err := o.records.Claim(ctx, rec.ID, claimID, now, o.staleBefore(now))
	if err != nil {
		return domain.SendOutcome{}, fmt.Errorf("claim message record: %w", err)
	}
	if !won {
		log.InfoContext(ctx, "Claim lost to another worker")
		return o.skip(rec, domain.SkipClaimFailed), nil
	}

	return o.dispatch(ctx, rec, claimID, call), nil
}

// dispatch runs with the claim held. It never returns an error: every exit writes the
// record and reports an outcome.
func (o *SendOrchestrator) dispatch(ctx context.Context, rec *domain.MessageRecord, claimID uuid.UUID, call ProviderCall) (out domain.SendOutcome) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorContext(ctx, "Send panicked after claim",
				"message_record_id", rec.ID, "claim_id", claimID, "panic", r)
			out = o.fail(ctx, rec, claimID, domain.NewFailure(domain.CategoryNetwork, "internal_panic", fmt.Sprint(r)))
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ProviderTimeout)
	start := time.Now()
	res, err := call(callCtx, rec)
	cancel()
	providerRequestDurationHist.WithLabelValues(rec.ProviderName).Observe(time.Since(start).Seconds())

	if err == nil {
		switch {
		case res == nil || !res.Accepted:
			pe := &domain.ProviderError{Provider: rec.ProviderName, Category: domain.CategoryUnknown, Message: "provider did not accept the message"}
			if res != nil {
				pe.Code, pe.HTTPStatus = res.ErrorCode, res.HTTPStatus
				if res.ErrorMessage != "" {
					pe.Message = res.ErrorMessage
				}
			}
			err = pe
		case res.ProviderMessageID == "":
			err = &domain.ProviderError{Provider: rec.ProviderName, Category: domain.CategoryUnknown, HTTPStatus: res.HTTPStatus,
				Message: "accepted without a provider message id"}
		}
	}
	if err != nil {
		f := domain.ClassifyError(err)
		o.logger.WarnContext(ctx, "Provider send failed",
			"message_record_id", rec.ID, "provider", rec.ProviderName,
			"category", f.Category, "code", f.Code, "retryable", f.Retryable, "error", err)
		return o.fail(ctx, rec, claimID, f)
	}
	return o.finalizeSent(ctx, rec, claimID, res.ProviderMessageID)
}

// storageContext keeps finalization writes alive when the caller's context is gone.
func (o *SendOrchestrator) storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StorageTimeout)
}

func (o *SendOrchestrator) finalizeSent(ctx context.Context, rec *domain.MessageRecord, claimID uuid.UUID, providerMessageID string) domain.SendOutcome {
	sctx, cancel := o.storageContext(ctx)
	defer cancel()

	stored, applied, err := o.records.MarkSent(sctx, rec.ID, claimID, rec.ProviderName, providerMessageID, o.clock.Now())
	if err != nil {
		// The provider has the message but we could not record it. The id is logged so
		// the eventual callbacks can be matched by hand.
		o.logger.ErrorContext(ctx, "Provider accepted but finalization failed",
			"message_record_id", rec.ID, "provider_message_id", providerMessageID, "error", err)
		return o.fail(ctx, rec, claimID, domain.NewFailure(domain.CategoryNetwork, "finalize_failed", err.Error()))
	}
	if !applied {
		o.logger.WarnContext(ctx, "Record reached a terminal status while the send was in flight",
			"message_record_id", rec.ID, "status", stored.Status, "provider_message_id", providerMessageID)
		return o.record(domain.SendOutcome{
			Kind:              domain.OutcomeAlreadySent,
			MessageRecordID:   stored.ID,
			ProviderMessageID: stored.ProviderMessageID,
			Status:            stored.Status,
		}, rec.ProviderName, "")
	}

	o.logger.InfoContext(ctx, "Message sent",
		"message_record_id", stored.ID, "provider", stored.ProviderName, "provider_message_id", providerMessageID)
	o.consumeQuota(sctx, stored)
	o.notify(sctx, stored, rec.Status)

	return o.record(domain.SendOutcome{
		Kind:              domain.OutcomeSent,
		MessageRecordID:   stored.ID,
		ProviderMessageID: providerMessageID,
		Status:            stored.Status,
	}, stored.ProviderName, "")
}

// consumeQuota charges the ledger once per record. Ledger problems are logged and never
// turn a delivered message into a failure.
func (o *SendOrchestrator) consumeQuota(ctx context.Context, rec *domain.MessageRecord) {
	if rec.QuotaCost <= 0 {
		return
	}
	res, err := o.ledger.TryConsume(ctx, rec.TenantID, rec.QuotaCost, rec.QuotaIdempotencyKey, map[string]string{
		"message_record_id":   rec.ID.String(),
		"idempotency_key":     rec.IdempotencyKey,
		"provider":            rec.ProviderName,
		"provider_message_id": rec.ProviderMessageID,
	})
	if err != nil {
		quotaConsumeCounter.WithLabelValues("error").Inc()
		o.logger.ErrorContext(ctx, "Quota consumption failed after send",
			"message_record_id", rec.ID, "quota_idempotency_key", rec.QuotaIdempotencyKey, "error", err)
		return
	}
	quotaConsumeCounter.WithLabelValues(string(res.Status)).Inc()

	switch res.Status {
	case domain.QuotaConsumed, domain.QuotaAlreadyConsumed:
		if _, err := o.records.MarkQuotaConsumed(ctx, rec.ID, o.clock.Now()); err != nil {
			o.logger.ErrorContext(ctx, "Failed to flag quota as consumed", "message_record_id", rec.ID, "error", err)
		}
	case domain.QuotaInsufficient:
		o.logger.WarnContext(ctx, "Quota exhausted after the message was sent",
			"message_record_id", rec.ID, "tenant_id", rec.TenantID, "amount", rec.QuotaCost)
	}
}

// fail records a failed attempt under claimID and schedules the next one when allowed.
func (o *SendOrchestrator) fail(ctx context.Context, rec *domain.MessageRecord, claimID uuid.UUID, f domain.Failure) domain.SendOutcome {
	sctx, cancel := o.storageContext(ctx)
	defer cancel()

	now := o.clock.Now()
	attempt := rec.RetryCount + 1
	var retryAfter *time.Time
	if attempt < rec.MaxRetries {
		retryAfter = o.cfg.Backoff.RetryAfter(f, attempt, now)
	}

	ok, err := o.records.MarkFailed(sctx, rec.ID, claimID, f, retryAfter, now)
	switch {
	case err != nil:
		o.logger.ErrorContext(ctx, "Failed to record failed attempt", "message_record_id", rec.ID, "error", err)
	case !ok:
		o.logger.WarnContext(ctx, "Could not record failed attempt",
			"message_record_id", rec.ID, "claim_id", claimID, "error", domain.ErrClaimLost)
	default:
		o.notify(sctx, &domain.MessageRecord{
			ID: rec.ID, IdempotencyKey: rec.IdempotencyKey, TenantID: rec.TenantID,
			ProviderName: rec.ProviderName, Status: domain.StatusFailed,
		}, rec.Status)
	}

	return o.record(domain.SendOutcome{
		Kind:            domain.OutcomeFailed,
		MessageRecordID: rec.ID,
		Status:          domain.StatusFailed,
		Failure:         &f,
		RetryAfter:      retryAfter,
	}, rec.ProviderName, string(f.Category))
}

// failUnclaimed marks a pre-flight rejection without spending a retry.
func (o *SendOrchestrator) failUnclaimed(ctx context.Context, rec *domain.MessageRecord, f domain.Failure, reason domain.SkipReason) (domain.SendOutcome, error) {
	now := o.clock.Now()
	ok, err := o.records.FailBeforeClaim(ctx, rec.ID, f, now, o.staleBefore(now))
	if err != nil {
		return domain.SendOutcome{}, fmt.Errorf("record pre-flight failure: %w", err)
	}
	if !ok {
		// Someone claimed or finished the record in the meantime.
		return o.skip(rec, domain.SkipClaimFailed), nil
	}
	o.logger.InfoContext(ctx, "Send rejected before claim",
		"message_record_id", rec.ID, "reason", reason, "category", f.Category)
	out := o.skip(rec, reason)
	out.Status = domain.StatusFailed
	out.Failure = &f
	return out, nil
}

// staleBefore is the claim time before which a sending record counts as abandoned.
func (o *SendOrchestrator) staleBefore(now time.Time) time.Time {
	return now.Add(-o.cfg.ClaimStaleAfter)
}

func (o *SendOrchestrator) skip(rec *domain.MessageRecord, reason domain.SkipReason) domain.SendOutcome {
	return o.record(domain.SendOutcome{
		Kind:            domain.OutcomeSkipped,
		SkipReason:      reason,
		MessageRecordID: rec.ID,
		Status:          rec.Status,
	}, rec.ProviderName, string(reason))
}

func (o *SendOrchestrator) record(out domain.SendOutcome, providerName, reason string) domain.SendOutcome {
	sendOutcomesCounter.WithLabelValues(providerName, string(out.Kind), reason).Inc()
	return out
}

func (o *SendOrchestrator) notify(ctx context.Context, rec *domain.MessageRecord, before domain.Status) {
	if o.notifier == nil {
		return
	}
	err := o.notifier.NotifyStatusChanged(ctx, domain.StatusChanged{
		MessageRecordID:   rec.ID,
		IdempotencyKey:    rec.IdempotencyKey,
		TenantID:          rec.TenantID,
		Provider:          rec.ProviderName,
		ProviderMessageID: rec.ProviderMessageID,
		StatusBefore:      before,
		StatusAfter:       rec.Status,
		Source:            "send",
		OccurredAt:        o.clock.Now(),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		o.logger.WarnContext(ctx, "Status notification failed", "message_record_id", rec.ID, "error", err)
	}
}
