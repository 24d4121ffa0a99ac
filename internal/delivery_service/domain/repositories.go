package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MessageRecordRepository is the durable store of logical messages. Every mutating method
// is a single conditional update and reports whether it won.
type MessageRecordRepository interface {
	// FindOrCreate inserts rec unless its idempotency key exists, and returns the stored row.
	FindOrCreate(ctx context.Context, rec *MessageRecord) (stored *MessageRecord, created bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*MessageRecord, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*MessageRecord, error)
	GetByProviderMessageID(ctx context.Context, provider, providerMessageID string) (*MessageRecord, error)

	// Claim moves the record to sending under claimID when it is pending, failed with retries
	// left, or stuck in sending since before staleBefore.
	Claim(ctx context.Context, id, claimID uuid.UUID, now, staleBefore time.Time) (bool, error)
	// MarkSent locks the row and records provider acceptance unless it is already terminal-success.
	MarkSent(ctx context.Context, id, claimID uuid.UUID, providerName, providerMessageID string, sentAt time.Time) (*MessageRecord, bool, error)
	// MarkFailed records a failed attempt, only while claimID still holds the claim.
	MarkFailed(ctx context.Context, id, claimID uuid.UUID, f Failure, retryAfter *time.Time, now time.Time) (bool, error)
	// FailBeforeClaim fails a pending, failed, or stale sending record without spending a retry.
	// A stale claim is released in the same update.
	FailBeforeClaim(ctx context.Context, id uuid.UUID, f Failure, now, staleBefore time.Time) (bool, error)
	// MarkQuotaConsumed flips quota_consumed exactly once.
	MarkQuotaConsumed(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)

	// ListDueRetries returns failed, retryable records whose retry_after has passed, and
	// sending records whose claim is older than staleBefore.
	ListDueRetries(ctx context.Context, now, staleBefore time.Time, limit int) ([]*MessageRecord, error)
}

// EventDecision is what the ingestion logic decides after seeing the locked record (or its absence).
type EventDecision struct {
	Result       ProcessResult
	IgnoreReason string
	IsOutOfOrder bool
	// ApplyStatus moves the record to NewStatus and stamps the matching timestamp.
	ApplyStatus bool
	NewStatus   Status
	// Discard drops the event without writing anything.
	Discard bool
}

// DecideFunc is called inside the storage transaction with the row lock held.
// rec is nil when no record matches the event's provider message id.
type DecideFunc func(rec *MessageRecord) EventDecision

// AppendResult describes what an Append wrote.
type AppendResult struct {
	Event    *DeliveryEvent
	Record   *MessageRecord // state after the event; nil for orphans
	Inserted bool
}

// DeliveryEventRepository is the append-only event log plus the record mutation that goes with it.
type DeliveryEventRepository interface {
	// Append looks up and locks the record for evt, asks decide what to do, applies the status
	// change and inserts evt in one transaction. A first-seen idempotency key that already
	// exists yields ErrDuplicateEvent and nothing is written.
	Append(ctx context.Context, evt *DeliveryEvent, decide DecideFunc) (*AppendResult, error)
	// InsertDuplicate stores a redelivery for audit without touching any record.
	InsertDuplicate(ctx context.Context, evt *DeliveryEvent) error
	ExistsByIdempotencyKey(ctx context.Context, key string) (bool, error)
	// ListUnreconciledOrphans returns stored orphans received since, oldest event first,
	// that have no follow-up row yet.
	ListUnreconciledOrphans(ctx context.Context, since time.Time, limit int) ([]*DeliveryEvent, error)
	ListByMessageRecord(ctx context.Context, recordID uuid.UUID) ([]*DeliveryEvent, error)
}

// BlockedRecipientSource loads the rule set behind the blocked-recipient snapshot.
type BlockedRecipientSource interface {
	// LoadBlockedRecipients returns tenant-scoped entries keyed "tenant|recipient" and
	// global entries keyed "*|recipient", plus the rule set version.
	LoadBlockedRecipients(ctx context.Context) (entries map[string]string, version int64, err error)
}

// LinkedStatusUpdater propagates applied transitions to the owning business object.
type LinkedStatusUpdater interface {
	UpdateLinkedStatus(ctx context.Context, link Link, status Status, at time.Time) error
}

// StatusChanged is published after a transition is committed.
type StatusChanged struct {
	MessageRecordID   uuid.UUID `json:"message_record_id"`
	IdempotencyKey    string    `json:"idempotency_key"`
	TenantID          string    `json:"tenant_id"`
	Provider          string    `json:"provider"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	StatusBefore      Status    `json:"status_before"`
	StatusAfter       Status    `json:"status_after"`
	Source            string    `json:"source"` // send | webhook | reconciliation
	OccurredAt        time.Time `json:"occurred_at"`
}

// StatusNotifier fans status changes out to downstream consumers. Failures are logged by callers.
type StatusNotifier interface {
	NotifyStatusChanged(ctx context.Context, evt StatusChanged) error
}

// ConsumeStatus is the ledger's answer to a consumption attempt.
type ConsumeStatus string

const (
	QuotaConsumed        ConsumeStatus = "consumed"
	QuotaAlreadyConsumed ConsumeStatus = "already_consumed"
	QuotaInsufficient    ConsumeStatus = "insufficient"
)

type ConsumeResult struct {
	Status       ConsumeStatus
	BalanceAfter int64
}

type QuotaEstimate struct {
	Sufficient bool
	Available  int64
}

// QuotaLedger is the external balance keeper. TryConsume is atomic and idempotent per key.
type QuotaLedger interface {
	Estimate(ctx context.Context, tenantID string, amount int64) (QuotaEstimate, error)
	TryConsume(ctx context.Context, tenantID string, amount int64, idempotencyKey string, metadata map[string]string) (ConsumeResult, error)
}
