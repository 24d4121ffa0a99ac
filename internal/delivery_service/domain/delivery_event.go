package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType is the normalized vocabulary for inbound status callbacks.
type EventType string

const (
	EventSent      EventType = "sent"
	EventDelivered EventType = "delivered"
	EventRead      EventType = "read"
	EventFailed    EventType = "failed"
	EventRejected  EventType = "rejected"
	EventExpired   EventType = "expired"
)

// ParseEventType maps a provider status onto the vocabulary. Unknown values become failed.
func ParseEventType(raw string) EventType {
	switch EventType(strings.ToLower(strings.TrimSpace(raw))) {
	case EventSent:
		return EventSent
	case EventDelivered:
		return EventDelivered
	case EventRead:
		return EventRead
	case EventRejected:
		return EventRejected
	case EventExpired:
		return EventExpired
	default:
		return EventFailed
	}
}

// TargetStatus is the record status an event of this type asks for.
func (e EventType) TargetStatus() Status {
	switch e {
	case EventSent:
		return StatusSent
	case EventDelivered:
		return StatusDelivered
	case EventRead:
		return StatusRead
	case EventExpired:
		return StatusExpired
	default:
		return StatusFailed
	}
}

type ProcessResult string

const (
	ResultProcessed    ProcessResult = "processed"
	ResultIgnored      ProcessResult = "ignored"
	ResultStoredOrphan ProcessResult = "stored_orphan"
	ResultDuplicate    ProcessResult = "duplicate"
)

// Ignore reasons recorded on events that did not change a record.
const (
	ReasonTooOld             = "too_old"
	ReasonSameStatus         = "same_status"
	ReasonBackwardTransition = "backward_transition"
	ReasonInvalidTransition  = "invalid_transition"
	ReasonDuplicate          = "duplicate"
)

// NormalizedEvent is what a provider adapter extracts from one callback.
type NormalizedEvent struct {
	Provider          string
	ProviderMessageID string
	EventType         EventType
	EventID           string
	EventTimestamp    time.Time
	Recipient         string
	ErrorCode         string
	ErrorMessage      string
	RawStatus         string
}

// IdempotencyKey prefers the provider's event id and falls back to (message id, event type).
func (e NormalizedEvent) IdempotencyKey() string {
	if e.EventID != "" {
		return "evt:" + e.Provider + ":" + e.EventID
	}
	return "msg:" + e.Provider + ":" + e.ProviderMessageID + ":" + string(e.EventType)
}

// DeliveryEvent is one row of the append-only inbound audit log.
type DeliveryEvent struct {
	ID                    uuid.UUID
	Provider              string
	ProviderEventID       string
	IdempotencyKey        string
	MessageRecordID       *uuid.UUID
	ProviderMessageID     string
	EventType             EventType
	EventTimestamp        time.Time
	ReceivedAt            time.Time
	Recipient             string
	ErrorCode             string
	ErrorMessage          string
	RawPayload            json.RawMessage
	StatusBefore          Status
	StatusAfter           Status
	IsOutOfOrder          bool
	ProcessResult         ProcessResult
	IgnoreReason          string
	ReconciledFromEventID *uuid.UUID
}

// NewDeliveryEvent starts an event row from a normalized callback. Result fields are
// filled in once the record has been examined.
func NewDeliveryEvent(n NormalizedEvent, raw []byte, receivedAt time.Time) *DeliveryEvent {
	payload := json.RawMessage(raw)
	if !json.Valid(raw) {
		quoted, _ := json.Marshal(string(raw))
		payload = quoted
	}
	return &DeliveryEvent{
		ID:                uuid.New(),
		Provider:          n.Provider,
		ProviderEventID:   n.EventID,
		IdempotencyKey:    n.IdempotencyKey(),
		ProviderMessageID: n.ProviderMessageID,
		EventType:         n.EventType,
		EventTimestamp:    n.EventTimestamp,
		ReceivedAt:        receivedAt,
		Recipient:         n.Recipient,
		ErrorCode:         n.ErrorCode,
		ErrorMessage:      n.ErrorMessage,
		RawPayload:        payload,
	}
}

// FollowUp copies an orphan into a new row that points back at it.
func (e *DeliveryEvent) FollowUp(receivedAt time.Time) *DeliveryEvent {
	from := e.ID
	cp := *e
	cp.ID = uuid.New()
	cp.ReceivedAt = receivedAt
	cp.MessageRecordID = nil
	cp.StatusBefore = ""
	cp.StatusAfter = ""
	cp.IsOutOfOrder = false
	cp.ProcessResult = ""
	cp.IgnoreReason = ""
	cp.ReconciledFromEventID = &from
	return &cp
}

// Normalized rebuilds the callback tuple from a stored row.
func (e *DeliveryEvent) Normalized() NormalizedEvent {
	return NormalizedEvent{
		Provider:          e.Provider,
		ProviderMessageID: e.ProviderMessageID,
		EventType:         e.EventType,
		EventID:           e.ProviderEventID,
		EventTimestamp:    e.EventTimestamp,
		Recipient:         e.Recipient,
		ErrorCode:         e.ErrorCode,
		ErrorMessage:      e.ErrorMessage,
	}
}
