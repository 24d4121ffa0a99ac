package provider

import (
	"context"
	"net/url"

	"github.com/google/uuid"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
)

// SendRequest is what an adapter needs to deliver one message.
type SendRequest struct {
	MessageRecordID uuid.UUID
	IdempotencyKey  string
	TenantID        string
	Recipient       string
	MessageType     string // text | template
	Content         string
}

// SendResult is the provider's answer. Adapters return rejections as *domain.ProviderError;
// a result with Accepted=false carries whatever code the provider gave instead.
type SendResult struct {
	Accepted          bool
	ProviderMessageID string
	ErrorCode         string
	ErrorMessage      string
	HTTPStatus        int
}

// Adapter is one messaging provider: outbound send plus inbound callback handling.
type Adapter interface {
	Name() string
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
	// SignatureHeader names the HTTP header that carries the callback signature.
	SignatureHeader() string
	VerifySignature(payload []byte, signature string) error
	// Normalize extracts every status event in a callback. A payload without status
	// events returns an empty slice; an unparseable one returns ErrMalformedPayload.
	Normalize(payload []byte) ([]domain.NormalizedEvent, error)
}

// SubscriptionVerifier is implemented by adapters whose webhook registration needs a GET handshake.
type SubscriptionVerifier interface {
	VerifySubscription(query url.Values) (challenge string, ok bool)
}
