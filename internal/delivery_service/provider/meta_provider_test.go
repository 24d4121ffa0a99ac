package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMetaProvider_Send_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v19.0/1098/messages", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var body metaSendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "whatsapp", body.MessagingProduct)
		assert.Equal(t, "15550001", body.To)
		assert.Equal(t, "text", body.Type)
		require.NotNil(t, body.Text)
		assert.Equal(t, "Hello", body.Text.Body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","contacts":[{"input":"15550001","wa_id":"15550001"}],"messages":[{"id":"wamid.ABC"}]}`))
	}))
	defer server.Close()

	p := NewMetaProvider(testLogger(), MetaConfig{APIURL: server.URL + "/v19.0/", AccessToken: "test-token", PhoneNumberID: "1098"}, server.Client())
	res, err := p.Send(context.Background(), SendRequest{IdempotencyKey: "k1", Recipient: "+15550001", MessageType: "text", Content: "Hello"})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "wamid.ABC", res.ProviderMessageID)
}

func TestMetaProvider_Send_Template(t *testing.T) {
	p := NewMetaProvider(testLogger(), MetaConfig{}, nil)
	body := p.buildSendRequest(SendRequest{MessageType: "template", Content: "order_update:pt_BR"})
	require.NotNil(t, body.Template)
	assert.Equal(t, "order_update", body.Template.Name)
	assert.Equal(t, "pt_BR", body.Template.Language.Code)

	body = p.buildSendRequest(SendRequest{MessageType: "template", Content: "welcome"})
	assert.Equal(t, "en_US", body.Template.Language.Code)
}

func TestMetaProvider_Send_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		category domain.ErrorCategory
		code     string
	}{
		{"invalid recipient", http.StatusBadRequest, `{"error":{"message":"Recipient phone number not in allowed list","code":131030}}`, domain.CategoryInvalidRecipient, "131030"},
		{"rate limit", http.StatusBadRequest, `{"error":{"message":"Rate limit hit","code":130429}}`, domain.CategoryRateLimit, "130429"},
		{"template", http.StatusNotFound, `{"error":{"message":"Template name does not exist","code":132001}}`, domain.CategoryTemplateMissing, "132001"},
		{"server error without body", http.StatusBadGateway, ``, domain.CategoryNetwork, ""},
		{"too many requests", http.StatusTooManyRequests, `not json`, domain.CategoryRateLimit, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			p := NewMetaProvider(testLogger(), MetaConfig{APIURL: server.URL, PhoneNumberID: "1"}, server.Client())
			res, err := p.Send(context.Background(), SendRequest{Recipient: "1", Content: "x"})
			assert.Nil(t, res)

			var perr *domain.ProviderError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.category, perr.Category)
			assert.Equal(t, tt.code, perr.Code)
			assert.Equal(t, tt.status, perr.HTTPStatus)
		})
	}
}

func TestMetaProvider_Send_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := &http.Client{Timeout: 20 * time.Millisecond}
	p := NewMetaProvider(testLogger(), MetaConfig{APIURL: server.URL, PhoneNumberID: "1"}, client)
	_, err := p.Send(context.Background(), SendRequest{Recipient: "1", Content: "x"})
	require.Error(t, err)
	assert.Equal(t, domain.CategoryTimeout, domain.ClassifyError(err).Category)
}

const metaStatusPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "statuses": [
          {"id": "wamid.1", "status": "delivered", "timestamp": "1714557600", "recipient_id": "15550001"},
          {"id": "wamid.2", "status": "failed", "timestamp": "1714557601", "recipient_id": "15550002",
           "errors": [{"code": 131026, "title": "Message undeliverable"}]},
          {"id": "wamid.3", "status": "deleted", "timestamp": "1714557602", "recipient_id": "15550003"}
        ]
      }
    }]
  }]
}`

func TestMetaProvider_Normalize(t *testing.T) {
	p := NewMetaProvider(testLogger(), MetaConfig{}, nil)
	events, err := p.Normalize([]byte(metaStatusPayload))
	require.NoError(t, err)
	require.Len(t, events, 3)

	assert.Equal(t, "wamid.1", events[0].ProviderMessageID)
	assert.Equal(t, domain.EventDelivered, events[0].EventType)
	assert.Equal(t, time.Unix(1714557600, 0).UTC(), events[0].EventTimestamp)
	assert.Equal(t, "msg:meta:wamid.1:delivered", events[0].IdempotencyKey())

	assert.Equal(t, domain.EventFailed, events[1].EventType)
	assert.Equal(t, "131026", events[1].ErrorCode)
	assert.Equal(t, "Message undeliverable", events[1].ErrorMessage)

	// Unrecognised statuses fail safe.
	assert.Equal(t, domain.EventFailed, events[2].EventType)
	assert.Equal(t, "deleted", events[2].RawStatus)
}

func TestMetaProvider_Normalize_NoStatuses(t *testing.T) {
	p := NewMetaProvider(testLogger(), MetaConfig{}, nil)
	events, err := p.Normalize([]byte(`{"object":"whatsapp_business_account","entry":[{"changes":[{"field":"messages","value":{"messages":[{"id":"in.1"}]}}]}]}`))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMetaProvider_Normalize_Malformed(t *testing.T) {
	p := NewMetaProvider(testLogger(), MetaConfig{}, nil)
	for _, payload := range []string{
		`{not json`,
		`{"object":"page"}`,
		`{"entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.1","status":"sent","timestamp":"yesterday"}]}}]}]}`,
	} {
		_, err := p.Normalize([]byte(payload))
		assert.ErrorIs(t, err, domain.ErrMalformedPayload, payload)
	}
}

func TestMetaProvider_VerifySignature(t *testing.T) {
	p := NewMetaProvider(testLogger(), MetaConfig{AppSecret: "s3cret"}, nil)
	body := []byte(metaStatusPayload)

	assert.NoError(t, p.VerifySignature(body, "sha256="+SignPayload("s3cret", body)))
	assert.ErrorIs(t, p.VerifySignature(body, "sha256="+SignPayload("other", body)), domain.ErrInvalidSignature)
	assert.ErrorIs(t, p.VerifySignature(body, ""), domain.ErrInvalidSignature)
	assert.ErrorIs(t, p.VerifySignature(body, "sha256=zz"), domain.ErrInvalidSignature)
}

func TestMetaProvider_VerifySubscription(t *testing.T) {
	p := NewMetaProvider(testLogger(), MetaConfig{VerifyToken: "vt"}, nil)

	challenge, ok := p.VerifySubscription(url.Values{"hub.mode": {"subscribe"}, "hub.verify_token": {"vt"}, "hub.challenge": {"42"}})
	assert.True(t, ok)
	assert.Equal(t, "42", challenge)

	_, ok = p.VerifySubscription(url.Values{"hub.mode": {"subscribe"}, "hub.verify_token": {"nope"}})
	assert.False(t, ok)
}
