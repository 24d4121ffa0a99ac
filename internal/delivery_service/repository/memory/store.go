// Package memory is an in-process implementation of the delivery repositories.
// A single mutex stands in for the row locks and unique indexes of the Postgres schema.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
)

type Store struct {
	mu sync.Mutex

	records      map[uuid.UUID]*domain.MessageRecord
	byKey        map[string]uuid.UUID
	byProviderID map[string]uuid.UUID // provider|provider_message_id

	events          []*domain.DeliveryEvent
	firstSeenKeys   map[string]uuid.UUID
	reconciledFrom  map[uuid.UUID]uuid.UUID
	blocked         map[string]string
	blockedVersion  int64
	linkedUpdates   []LinkedUpdate
	LinkedUpdateErr error
}

// LinkedUpdate is one recorded business-object propagation.
type LinkedUpdate struct {
	Link   domain.Link
	Status domain.Status
	At     time.Time
}

func NewStore() *Store {
	return &Store{
		records:        make(map[uuid.UUID]*domain.MessageRecord),
		byKey:          make(map[string]uuid.UUID),
		byProviderID:   make(map[string]uuid.UUID),
		firstSeenKeys:  make(map[string]uuid.UUID),
		reconciledFrom: make(map[uuid.UUID]uuid.UUID),
		blocked:        make(map[string]string),
	}
}

func providerKey(provider, providerMessageID string) string {
	return provider + "|" + providerMessageID
}

func clone(rec *domain.MessageRecord) *domain.MessageRecord {
	cp := *rec
	return &cp
}

func timePtr(t time.Time) *time.Time { return &t }

// MessageRecords returns the store as a domain.MessageRecordRepository.
func (s *Store) MessageRecords() domain.MessageRecordRepository { return (*recordRepo)(s) }

// DeliveryEvents returns the store as a domain.DeliveryEventRepository.
func (s *Store) DeliveryEvents() domain.DeliveryEventRepository { return (*eventRepo)(s) }

type recordRepo Store

func (r *recordRepo) FindOrCreate(_ context.Context, rec *domain.MessageRecord) (*domain.MessageRecord, bool, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[rec.IdempotencyKey]; ok {
		return clone(s.records[id]), false, nil
	}
	stored := clone(rec)
	s.records[stored.ID] = stored
	s.byKey[stored.IdempotencyKey] = stored.ID
	return clone(stored), true, nil
}

func (r *recordRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.MessageRecord, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, domain.ErrMessageRecordNotFound
	}
	return clone(rec), nil
}

func (r *recordRepo) GetByIdempotencyKey(_ context.Context, key string) (*domain.MessageRecord, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, domain.ErrMessageRecordNotFound
	}
	return clone(s.records[id]), nil
}

func (r *recordRepo) GetByProviderMessageID(_ context.Context, provider, providerMessageID string) (*domain.MessageRecord, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byProviderID[providerKey(provider, providerMessageID)]
	if !ok {
		return nil, domain.ErrMessageRecordNotFound
	}
	return clone(s.records[id]), nil
}

func (r *recordRepo) Claim(_ context.Context, id, claimID uuid.UUID, now, staleBefore time.Time) (bool, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return false, nil
	}
	eligible := false
	switch rec.Status {
	case domain.StatusPending:
		eligible = true
	case domain.StatusFailed:
		eligible = rec.Retryable && rec.RetryCount < rec.MaxRetries
	case domain.StatusSending:
		eligible = claimIsStale(rec, staleBefore)
	}
	if !eligible {
		return false, nil
	}
	rec.Status = domain.StatusSending
	rec.ProcessingClaimID = &claimID
	rec.ProcessingClaimedAt = timePtr(now)
	rec.UpdatedAt = now
	return true, nil
}

func (r *recordRepo) MarkSent(_ context.Context, id, _ uuid.UUID, providerName, providerMessageID string, sentAt time.Time) (*domain.MessageRecord, bool, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false, domain.ErrMessageRecordNotFound
	}
	if rec.Status.IsTerminalSuccess() {
		return clone(rec), false, nil
	}
	rec.Status = domain.StatusSent
	rec.ProviderName = providerName
	rec.ProviderMessageID = providerMessageID
	if rec.SentAt == nil {
		rec.SentAt = timePtr(sentAt)
	}
	rec.ErrorCode, rec.ErrorMessage, rec.ErrorCategory = "", "", domain.CategoryNone
	rec.RetryAfter = nil
	rec.ProcessingClaimID = nil
	rec.ProcessingClaimedAt = nil
	rec.UpdatedAt = sentAt
	s.byProviderID[providerKey(providerName, providerMessageID)] = rec.ID
	return clone(rec), true, nil
}

func (r *recordRepo) MarkFailed(_ context.Context, id, claimID uuid.UUID, f domain.Failure, retryAfter *time.Time, now time.Time) (bool, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.Status != domain.StatusSending || rec.ProcessingClaimID == nil || *rec.ProcessingClaimID != claimID {
		return false, nil
	}
	rec.Status = domain.StatusFailed
	applyFailure(rec, f, now)
	rec.RetryCount++
	rec.RetryAfter = retryAfter
	rec.ProcessingClaimID = nil
	rec.ProcessingClaimedAt = nil
	return true, nil
}

func (r *recordRepo) FailBeforeClaim(_ context.Context, id uuid.UUID, f domain.Failure, now, staleBefore time.Time) (bool, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return false, nil
	}
	switch rec.Status {
	case domain.StatusPending, domain.StatusFailed:
	case domain.StatusSending:
		if !claimIsStale(rec, staleBefore) {
			return false, nil
		}
	default:
		return false, nil
	}
	rec.Status = domain.StatusFailed
	applyFailure(rec, f, now)
	rec.RetryAfter = nil
	rec.ProcessingClaimID = nil
	rec.ProcessingClaimedAt = nil
	return true, nil
}

func claimIsStale(rec *domain.MessageRecord, staleBefore time.Time) bool {
	return rec.ProcessingClaimedAt == nil || rec.ProcessingClaimedAt.Before(staleBefore)
}

func applyFailure(rec *domain.MessageRecord, f domain.Failure, now time.Time) {
	rec.ErrorCategory = f.Category
	rec.ErrorCode = f.Code
	rec.ErrorMessage = f.Message
	rec.Retryable = f.Retryable
	rec.FailedAt = timePtr(now)
	rec.UpdatedAt = now
}

func (r *recordRepo) MarkQuotaConsumed(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.QuotaConsumed {
		return false, nil
	}
	rec.QuotaConsumed = true
	rec.UpdatedAt = now
	return true, nil
}

func (r *recordRepo) ListDueRetries(_ context.Context, now, staleBefore time.Time, limit int) ([]*domain.MessageRecord, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*domain.MessageRecord
	for _, rec := range s.records {
		switch rec.Status {
		case domain.StatusFailed:
			if !rec.Retryable || rec.RetryCount >= rec.MaxRetries {
				continue
			}
			if rec.RetryAfter != nil && rec.RetryAfter.After(now) {
				continue
			}
		case domain.StatusSending:
			if !claimIsStale(rec, staleBefore) {
				continue
			}
		default:
			continue
		}
		due = append(due, clone(rec))
	}
	sort.Slice(due, func(i, j int) bool { return retryTime(due[i]).Before(retryTime(due[j])) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func retryTime(rec *domain.MessageRecord) time.Time {
	if rec.RetryAfter != nil {
		return *rec.RetryAfter
	}
	if rec.Status == domain.StatusSending && rec.ProcessingClaimedAt != nil {
		return *rec.ProcessingClaimedAt
	}
	return rec.UpdatedAt
}
