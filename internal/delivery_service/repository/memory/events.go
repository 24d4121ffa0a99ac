package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
)

type eventRepo Store

func cloneEvent(e *domain.DeliveryEvent) *domain.DeliveryEvent {
	cp := *e
	return &cp
}

func (r *eventRepo) Append(_ context.Context, evt *domain.DeliveryEvent, decide domain.DecideFunc) (*domain.AppendResult, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec *domain.MessageRecord
	if id, ok := s.byProviderID[providerKey(evt.Provider, evt.ProviderMessageID)]; ok {
		rec = s.records[id]
	}

	var view *domain.MessageRecord
	if rec != nil {
		view = clone(rec)
	}
	d := decide(view)
	if d.Discard {
		return &domain.AppendResult{Event: evt}, nil
	}

	// Uniqueness is checked before anything is mutated, which is what the rolled-back
	// transaction gives the Postgres implementation.
	if evt.ReconciledFromEventID != nil {
		if _, dup := s.reconciledFrom[*evt.ReconciledFromEventID]; dup {
			return nil, domain.ErrDuplicateEvent
		}
	} else if _, dup := s.firstSeenKeys[evt.IdempotencyKey]; dup {
		return nil, domain.ErrDuplicateEvent
	}

	evt.ProcessResult = d.Result
	evt.IgnoreReason = d.IgnoreReason
	evt.IsOutOfOrder = d.IsOutOfOrder
	if rec != nil {
		id := rec.ID
		evt.MessageRecordID = &id
		evt.StatusBefore = rec.Status
		evt.StatusAfter = rec.Status
		if d.ApplyStatus {
			applyEventStatus(rec, d.NewStatus, evt.EventTimestamp, evt.ReceivedAt)
			evt.StatusAfter = rec.Status
		}
	}

	stored := cloneEvent(evt)
	s.events = append(s.events, stored)
	if evt.ReconciledFromEventID != nil {
		s.reconciledFrom[*evt.ReconciledFromEventID] = evt.ID
	} else {
		s.firstSeenKeys[evt.IdempotencyKey] = evt.ID
	}

	res := &domain.AppendResult{Event: cloneEvent(evt), Inserted: true}
	if rec != nil {
		res.Record = clone(rec)
	}
	return res, nil
}

func applyEventStatus(rec *domain.MessageRecord, status domain.Status, at, now time.Time) {
	rec.Status = status
	switch status {
	case domain.StatusSent:
		if rec.SentAt == nil {
			rec.SentAt = timePtr(at)
		}
	case domain.StatusDelivered:
		if rec.DeliveredAt == nil {
			rec.DeliveredAt = timePtr(at)
		}
	case domain.StatusRead:
		if rec.ReadAt == nil {
			rec.ReadAt = timePtr(at)
		}
	case domain.StatusFailed:
		if rec.FailedAt == nil {
			rec.FailedAt = timePtr(at)
		}
	}
	rec.UpdatedAt = now
}

func (r *eventRepo) InsertDuplicate(_ context.Context, evt *domain.DeliveryEvent) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	evt.ProcessResult = domain.ResultDuplicate
	evt.IgnoreReason = domain.ReasonDuplicate
	s.events = append(s.events, cloneEvent(evt))
	return nil
}

func (r *eventRepo) ExistsByIdempotencyKey(_ context.Context, key string) (bool, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.firstSeenKeys[key]
	return ok, nil
}

func (r *eventRepo) ListUnreconciledOrphans(_ context.Context, since time.Time, limit int) ([]*domain.DeliveryEvent, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.DeliveryEvent
	for _, e := range s.events {
		if e.ProcessResult != domain.ResultStoredOrphan || e.ReconciledFromEventID != nil || e.ReceivedAt.Before(since) {
			continue
		}
		if _, done := s.reconciledFrom[e.ID]; done {
			continue
		}
		out = append(out, cloneEvent(e))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EventTimestamp.Before(out[j].EventTimestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *eventRepo) ListByMessageRecord(_ context.Context, recordID uuid.UUID) ([]*domain.DeliveryEvent, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.DeliveryEvent
	for _, e := range s.events {
		if e.MessageRecordID != nil && *e.MessageRecordID == recordID {
			out = append(out, cloneEvent(e))
		}
	}
	return out, nil
}

// Events returns every stored event in insertion order.
func (s *Store) Events() []*domain.DeliveryEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.DeliveryEvent, len(s.events))
	for i, e := range s.events {
		out[i] = cloneEvent(e)
	}
	return out
}
