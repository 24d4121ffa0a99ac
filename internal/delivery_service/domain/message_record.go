package domain

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// MaxContentPreview bounds the stored body in bytes. It covers the 4096-character WhatsApp
// text limit at four bytes per rune, so a retry resends exactly what the caller submitted.
const MaxContentPreview = 16384

// Status is the provider-agnostic state of a MessageRecord.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

func (s Status) String() string { return string(s) }

// IsTerminalSuccess is true once the provider has accepted the message.
func (s Status) IsTerminalSuccess() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusRead
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// LinkType names the business object a message belongs to.
type LinkType string

const (
	LinkNone           LinkType = "none"
	LinkCampaignTarget LinkType = "campaign_target"
	LinkInboxMessage   LinkType = "inbox_message"
)

type Link struct {
	Type LinkType
	ID   string
}

func (l Link) IsZero() bool { return l.Type == "" || l.Type == LinkNone || l.ID == "" }

// MessageRecord is one logical outbound message, keyed by IdempotencyKey.
type MessageRecord struct {
	ID             uuid.UUID
	IdempotencyKey string
	TenantID       string
	Recipient      string
	MessageType    string
	Content        string
	ContentHash    string
	Link           Link

	Status       Status
	StatusDetail string

	ProviderName      string
	ProviderMessageID string

	ErrorCode     string
	ErrorMessage  string
	ErrorCategory ErrorCategory
	Retryable     bool
	RetryCount    int
	MaxRetries    int
	RetryAfter    *time.Time

	ProcessingClaimID   *uuid.UUID
	ProcessingClaimedAt *time.Time

	QuotaConsumed       bool
	QuotaIdempotencyKey string
	QuotaCost           int64

	SentAt      *time.Time
	DeliveredAt *time.Time
	ReadAt      *time.Time
	FailedAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MessageAttributes are the caller-supplied fields used when a record is first created.
type MessageAttributes struct {
	TenantID     string
	Recipient    string
	MessageType  string
	Content      string
	ProviderName string
	Link         Link
	QuotaCost    int64
	MaxRetries   int
}

// QuotaKeyFor derives the ledger idempotency key from the message key.
func QuotaKeyFor(idempotencyKey string) string {
	return "quota:" + idempotencyKey
}

// ContentHash is the hex SHA3-256 of the full message body.
func ContentHash(content string) string {
	sum := sha3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func previewOf(content string) string {
	if len(content) <= MaxContentPreview {
		return content
	}
	// Cut on a rune boundary.
	cut := MaxContentPreview
	for cut > 0 && !isRuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// NewMessageRecord builds a pending record for key. maxRetries below 1 is raised to 1
// so the first failed attempt never exceeds the budget.
func NewMessageRecord(key string, attrs MessageAttributes, now time.Time) *MessageRecord {
	maxRetries := attrs.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	link := attrs.Link
	if link.Type == "" {
		link.Type = LinkNone
	}
	return &MessageRecord{
		ID:                  uuid.New(),
		IdempotencyKey:      key,
		TenantID:            attrs.TenantID,
		Recipient:           attrs.Recipient,
		MessageType:         attrs.MessageType,
		Content:             previewOf(attrs.Content),
		ContentHash:         ContentHash(attrs.Content),
		Link:                link,
		Status:              StatusPending,
		ProviderName:        attrs.ProviderName,
		MaxRetries:          maxRetries,
		QuotaIdempotencyKey: QuotaKeyFor(key),
		QuotaCost:           attrs.QuotaCost,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// IsClaimed reports whether some worker holds a non-stale claim at now.
func (m *MessageRecord) IsClaimed(now time.Time, staleAfter time.Duration) bool {
	if m.Status != StatusSending || m.ProcessingClaimID == nil || m.ProcessingClaimedAt == nil {
		return false
	}
	return now.Sub(*m.ProcessingClaimedAt) < staleAfter
}

// RetriesExhausted is true for failed records that used their whole budget.
func (m *MessageRecord) RetriesExhausted() bool {
	return m.RetryCount >= m.MaxRetries
}

// Claimable mirrors the conditional claim update: a worker may take the record when it is
// pending, failed with retries left, or stuck in sending past the staleness window.
func (m *MessageRecord) Claimable(now time.Time, staleAfter time.Duration) bool {
	switch m.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return m.Retryable && m.RetryCount < m.MaxRetries
	case StatusSending:
		return m.ProcessingClaimedAt == nil || now.Sub(*m.ProcessingClaimedAt) >= staleAfter
	}
	return false
}
