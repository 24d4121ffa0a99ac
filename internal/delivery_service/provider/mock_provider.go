package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
)

const MockProviderName = "mock"

// MockProvider accepts everything locally. Used for development and load tests.
type MockProvider struct {
	logger         *slog.Logger
	SimulatedDelay time.Duration
	// FailWith, when set, is returned from every Send.
	FailWith error

	mu    sync.Mutex
	sends int
}

func NewMockProvider(logger *slog.Logger, delay time.Duration) *MockProvider {
	return &MockProvider{logger: logger.With("provider", MockProviderName), SimulatedDelay: delay}
}

func (p *MockProvider) Name() string { return MockProviderName }

func (p *MockProvider) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	p.mu.Lock()
	p.sends++
	p.mu.Unlock()

	if p.SimulatedDelay > 0 {
		select {
		case <-time.After(p.SimulatedDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("mock send: %w", ctx.Err())
		}
	}
	if p.FailWith != nil {
		return nil, p.FailWith
	}
	id := "mock-" + uuid.NewString()
	p.logger.DebugContext(ctx, "Mock send accepted", "idempotency_key", req.IdempotencyKey, "provider_message_id", id)
	return &SendResult{Accepted: true, ProviderMessageID: id, HTTPStatus: 200}, nil
}

// Sends reports how many Send calls were made.
func (p *MockProvider) Sends() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sends
}

func (p *MockProvider) SignatureHeader() string { return "X-Mock-Signature" }

func (p *MockProvider) VerifySignature([]byte, string) error { return nil }

type mockCallback struct {
	EventID           string    `json:"event_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	Status            string    `json:"status"`
	Timestamp         time.Time `json:"timestamp"`
}

func (p *MockProvider) Normalize(payload []byte) ([]domain.NormalizedEvent, error) {
	var cb mockCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if cb.ProviderMessageID == "" || cb.Status == "" {
		return nil, fmt.Errorf("%w: provider_message_id and status are required", domain.ErrMalformedPayload)
	}
	return []domain.NormalizedEvent{{
		Provider:          MockProviderName,
		ProviderMessageID: cb.ProviderMessageID,
		EventType:         domain.ParseEventType(cb.Status),
		EventID:           cb.EventID,
		EventTimestamp:    cb.Timestamp.UTC(),
		RawStatus:         cb.Status,
	}}, nil
}
