package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
)

func TestGenericProvider_Send(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "api-key", r.Header.Get("X-API-Key"))
		assert.Equal(t, "camp-1:tgt-2", r.Header.Get("Idempotency-Key"))

		var body genericSendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "camp-1:tgt-2", body.ClientReference)
		assert.Equal(t, "text", body.Type)

		_, _ = w.Write([]byte(`{"message_id":"gw-77"}`))
	}))
	defer server.Close()

	p := NewGenericProvider(testLogger(), server.URL, "api-key", "", server.Client())
	res, err := p.Send(context.Background(), SendRequest{IdempotencyKey: "camp-1:tgt-2", Recipient: "+1555", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "gw-77", res.ProviderMessageID)
}

func TestGenericProvider_Send_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error_code":"OPTED_OUT","error_message":"recipient opted out"}`))
	}))
	defer server.Close()

	p := NewGenericProvider(testLogger(), server.URL, "k", "", server.Client())
	_, err := p.Send(context.Background(), SendRequest{Recipient: "+1555"})

	var perr *domain.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, domain.CategoryBlocked, perr.Category)
	assert.Equal(t, "recipient opted out", perr.Message)
	assert.False(t, domain.ClassifyError(err).Retryable)
}

func TestClassifyGenericError(t *testing.T) {
	assert.Equal(t, domain.CategoryRateLimit, ClassifyGenericError("throttled", 400))
	assert.Equal(t, domain.CategoryTimeout, ClassifyGenericError("", http.StatusGatewayTimeout))
	assert.Equal(t, domain.CategoryNetwork, ClassifyGenericError("", http.StatusServiceUnavailable))
	assert.Equal(t, domain.CategoryUnknown, ClassifyGenericError("", http.StatusBadRequest))
}

func TestGenericProvider_Normalize(t *testing.T) {
	p := NewGenericProvider(testLogger(), "", "", "", nil)
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	t.Run("single object", func(t *testing.T) {
		payload := `{"event_id":"e-1","provider_message_id":"gw-1","status":"DELIVERED","timestamp":"2024-05-01T10:00:00Z"}`
		events, err := p.Normalize([]byte(payload))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, domain.EventDelivered, events[0].EventType)
		assert.Equal(t, ts, events[0].EventTimestamp)
		assert.Equal(t, "evt:generic:e-1", events[0].IdempotencyKey())
	})

	t.Run("array", func(t *testing.T) {
		payload := `[{"provider_message_id":"gw-1","status":"sent","timestamp":"2024-05-01T10:00:00Z"},
		             {"provider_message_id":"gw-1","status":"undeliverable","timestamp":"2024-05-01T10:00:05Z","error_code":"E1"}]`
		events, err := p.Normalize([]byte(payload))
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, domain.EventSent, events[0].EventType)
		assert.Equal(t, domain.EventFailed, events[1].EventType)
		assert.Equal(t, "E1", events[1].ErrorCode)
	})

	t.Run("missing fields", func(t *testing.T) {
		_, err := p.Normalize([]byte(`{"status":"sent"}`))
		assert.ErrorIs(t, err, domain.ErrMalformedPayload)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := p.Normalize([]byte(`<xml/>`))
		assert.ErrorIs(t, err, domain.ErrMalformedPayload)
	})
}

func TestGenericProvider_VerifySignature_Disabled(t *testing.T) {
	p := NewGenericProvider(testLogger(), "", "", "", nil)
	assert.NoError(t, p.VerifySignature([]byte("{}"), ""))
}

func TestRegistry(t *testing.T) {
	meta := NewMetaProvider(testLogger(), MetaConfig{}, nil)
	reg := NewRegistry(meta)
	reg.Register(NewMockProvider(testLogger(), 0))

	got, err := reg.Get("meta")
	require.NoError(t, err)
	assert.Same(t, meta, got)

	_, err = reg.Get("twilio")
	assert.ErrorIs(t, err, domain.ErrUnknownProvider)
	assert.Equal(t, []string{"meta", "mock"}, reg.Names())
}
