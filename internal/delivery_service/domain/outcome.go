package domain

import (
	"time"

	"github.com/google/uuid"
)

type OutcomeKind string

const (
	OutcomeAlreadySent OutcomeKind = "already_sent"
	OutcomeSkipped     OutcomeKind = "skipped"
	OutcomeSent        OutcomeKind = "sent"
	OutcomeFailed      OutcomeKind = "failed"
)

type SkipReason string

const (
	SkipProcessing        SkipReason = "processing"
	SkipMaxRetriesReached SkipReason = "max_retries_reached"
	SkipNonRetryable      SkipReason = "non_retryable"
	SkipQuotaExceeded     SkipReason = "quota_exceeded"
	SkipClaimFailed       SkipReason = "claim_failed"
	SkipBlockedRecipient  SkipReason = "blocked_recipient"
	// SkipKeyConflict means the idempotency key is already used by another tenant.
	SkipKeyConflict SkipReason = "idempotency_key_conflict"
)

// SendOutcome is the only thing a caller of Send ever gets back.
type SendOutcome struct {
	Kind              OutcomeKind
	SkipReason        SkipReason
	MessageRecordID   uuid.UUID
	ProviderMessageID string
	Status            Status
	Failure           *Failure
	RetryAfter        *time.Time
}

// ShouldRetryLater tells batch senders whether another attempt may change the outcome.
func (o SendOutcome) ShouldRetryLater() bool {
	switch o.Kind {
	case OutcomeFailed:
		return o.Failure != nil && o.Failure.Retryable
	case OutcomeSkipped:
		return o.SkipReason == SkipProcessing || o.SkipReason == SkipClaimFailed
	}
	return false
}

// IngestionResult is returned for each normalized event in a callback.
type IngestionResult struct {
	EventID         uuid.UUID
	IdempotencyKey  string
	Result          ProcessResult
	Reason          string
	MessageRecordID *uuid.UUID
	StatusBefore    Status
	StatusAfter     Status
	IsOutOfOrder    bool
}
