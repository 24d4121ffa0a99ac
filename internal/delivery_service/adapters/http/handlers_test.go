package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpadapter "github.com/aradsms/wa_gateway/internal/delivery_service/adapters/http"
	"github.com/aradsms/wa_gateway/internal/delivery_service/adapters/notifier"
	quotaadapter "github.com/aradsms/wa_gateway/internal/delivery_service/adapters/quota"
	"github.com/aradsms/wa_gateway/internal/delivery_service/app"
	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
	"github.com/aradsms/wa_gateway/internal/delivery_service/provider"
	"github.com/aradsms/wa_gateway/internal/delivery_service/repository/memory"
	"github.com/aradsms/wa_gateway/internal/platform/clock"
	quotaapp "github.com/aradsms/wa_gateway/internal/quota_service/app"
	quotamemory "github.com/aradsms/wa_gateway/internal/quota_service/repository/memory"
)

const (
	testJWTSecret     = "test-secret"
	testWebhookSecret = "hook-secret"
)

type apiFixture struct {
	server *httptest.Server
	store  *memory.Store
	clock  *clock.Fake
	mock   *provider.MockProvider
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	store := memory.NewStore()

	ledgerSvc := quotaapp.NewLedgerService(quotamemory.NewLedger(), clk, logger)
	_, _, err := ledgerSvc.TopUp(context.Background(), "tenant-1", 10, "seed", nil)
	require.NoError(t, err)

	mockProvider := provider.NewMockProvider(logger, 0)
	registry := provider.NewRegistry(
		mockProvider,
		provider.NewGenericProvider(logger, "", "", testWebhookSecret, nil),
		provider.NewMetaProvider(logger, provider.MetaConfig{VerifyToken: "verify-me"}, nil),
	)
	call := app.AdapterCall(registry)

	orchestrator := app.NewSendOrchestrator(store.MessageRecords(), quotaadapter.NewLocalLedger(ledgerSvc), nil,
		notifier.Noop{}, clk, app.DefaultOrchestratorConfig(), logger)
	pipeline := app.NewIngestionPipeline(registry, store.DeliveryEvents(), store, notifier.Noop{}, nil, clk,
		app.IngestionConfig{FreshnessHorizon: 7 * 24 * time.Hour}, logger)

	messages := httpadapter.NewMessageHandler(orchestrator, app.NewBatchSender(orchestrator, call, 0, logger),
		store.MessageRecords(), call, validator.New(),
		httpadapter.MessageHandlerConfig{DefaultProvider: provider.MockProviderName, DefaultMaxRetries: 3}, logger)
	webhooks := httpadapter.NewWebhookHandler(pipeline, registry, logger)

	srv := httptest.NewServer(httpadapter.NewRouter(webhooks, messages, testJWTSecret, logger))
	t.Cleanup(srv.Close)
	return &apiFixture{server: srv, store: store, clock: clk, mock: mockProvider}
}

func bearer(t *testing.T, tenantID string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tenant_id": tenantID,
		"exp":       time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return "Bearer " + token
}

func (f *apiFixture) do(t *testing.T, method, path, auth string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func sendBody(key string) httpadapter.SendMessageRequest {
	return httpadapter.SendMessageRequest{
		IdempotencyKey: key,
		Recipient:      "+15550001",
		Content:        "hello",
		LinkType:       "campaign_target",
		LinkID:         "target-1",
	}
}

func TestMessageHandler_Send(t *testing.T) {
	f := newAPIFixture(t)
	auth := bearer(t, "tenant-1")

	t.Run("sends once and replays already_sent", func(t *testing.T) {
		resp, body := f.do(t, http.MethodPost, "/api/v1/messages", auth, sendBody("k-1"), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		var first httpadapter.OutcomeResponse
		require.NoError(t, json.Unmarshal(body, &first))
		assert.Equal(t, "sent", first.Outcome)
		assert.NotEmpty(t, first.ProviderMessageID)

		resp, body = f.do(t, http.MethodPost, "/api/v1/messages", auth, sendBody("k-1"), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var second httpadapter.OutcomeResponse
		require.NoError(t, json.Unmarshal(body, &second))
		assert.Equal(t, "already_sent", second.Outcome)
		assert.Equal(t, first.ProviderMessageID, second.ProviderMessageID)
		assert.Equal(t, 1, f.mock.Sends())
	})

	t.Run("validation", func(t *testing.T) {
		bad := sendBody("k-2")
		bad.Recipient = "not-a-number"
		resp, body := f.do(t, http.MethodPost, "/api/v1/messages", auth, bad, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, string(body), "Validation failed")
	})

	t.Run("malformed json", func(t *testing.T) {
		resp, _ := f.do(t, http.MethodPost, "/api/v1/messages", auth, []byte("{"), nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("quota exceeded", func(t *testing.T) {
		req := sendBody("k-big")
		cost := int64(1000)
		req.QuotaCost = &cost
		resp, body := f.do(t, http.MethodPost, "/api/v1/messages", auth, req, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out httpadapter.OutcomeResponse
		require.NoError(t, json.Unmarshal(body, &out))
		assert.Equal(t, "skipped", out.Outcome)
		assert.Equal(t, "quota_exceeded", out.SkipReason)
	})

	t.Run("key owned by another tenant", func(t *testing.T) {
		resp, body := f.do(t, http.MethodPost, "/api/v1/messages", bearer(t, "tenant-2"), sendBody("k-1"), nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.NotContains(t, string(body), "provider_message_id")
		assert.Equal(t, 1, f.mock.Sends())
	})
}

func TestMessageHandler_Auth(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/messages", "", sendBody("k"), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "Bearer token required")

	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"tenant_id": "tenant-1"}).SignedString([]byte("other"))
	require.NoError(t, err)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/messages", "Bearer "+wrongKey, sendBody("k"), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	noTenant, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"role": "x"}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/messages", "Bearer "+noTenant, sendBody("k"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMessageHandler_Inspect(t *testing.T) {
	f := newAPIFixture(t)
	auth := bearer(t, "tenant-1")

	resp, _ := f.do(t, http.MethodPost, "/api/v1/messages", auth, sendBody("k-view"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/api/v1/messages/k-view", auth, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view httpadapter.MessageView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, "sent", view.Status)
	assert.True(t, view.QuotaConsumed)
	assert.Equal(t, "campaign_target", view.LinkType)
	assert.Equal(t, domain.ContentHash("hello"), view.ContentHash)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/messages/k-view", bearer(t, "tenant-2"), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/messages/missing", auth, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMessageHandler_Batch(t *testing.T) {
	f := newAPIFixture(t)
	auth := bearer(t, "tenant-1")

	batch := httpadapter.BatchSendRequest{
		ThrottleFactor: 0.5,
		Messages:       []httpadapter.SendMessageRequest{sendBody("b-1"), sendBody("b-2"), sendBody("b-1")},
	}
	resp, body := f.do(t, http.MethodPost, "/api/v1/messages/batch", auth, batch, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out httpadapter.BatchSendResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Results, 3)
	assert.Equal(t, "sent", out.Results[0].Outcome)
	assert.Equal(t, "sent", out.Results[1].Outcome)
	assert.Equal(t, "already_sent", out.Results[2].Outcome)
	assert.False(t, out.Interrupted)
	assert.Equal(t, 2, f.mock.Sends())

	resp, _ = f.do(t, http.MethodPost, "/api/v1/messages/batch", auth, httpadapter.BatchSendRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	t.Run("keys owned by another tenant are reported per item", func(t *testing.T) {
		other := httpadapter.BatchSendRequest{
			Messages: []httpadapter.SendMessageRequest{sendBody("b-1"), sendBody("b-3")},
		}
		resp, body := f.do(t, http.MethodPost, "/api/v1/messages/batch", bearer(t, "tenant-2"), other, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

		var out httpadapter.BatchSendResponse
		require.NoError(t, json.Unmarshal(body, &out))
		require.Len(t, out.Results, 2)
		assert.Equal(t, "b-1", out.Results[0].IdempotencyKey)
		assert.Equal(t, "idempotency key already in use", out.Results[0].Error)
		assert.Empty(t, out.Results[0].MessageRecordID)
		assert.Equal(t, "b-3", out.Results[1].IdempotencyKey)
		assert.Empty(t, out.Results[1].Error)
	})
}

func TestWebhookHandler(t *testing.T) {
	f := newAPIFixture(t)
	auth := bearer(t, "tenant-1")

	resp, body := f.do(t, http.MethodPost, "/api/v1/messages", auth, sendBody("w-1"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sent httpadapter.OutcomeResponse
	require.NoError(t, json.Unmarshal(body, &sent))

	callback := []byte(fmt.Sprintf(`{"event_id":"e-1","provider_message_id":%q,"status":"delivered","timestamp":%q}`,
		sent.ProviderMessageID, f.clock.Now().Add(time.Second).Format(time.RFC3339)))

	t.Run("applies transition", func(t *testing.T) {
		resp, body := f.do(t, http.MethodPost, "/webhooks/mock", "", callback, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		var out httpadapter.WebhookResponse
		require.NoError(t, json.Unmarshal(body, &out))
		require.Len(t, out.Results, 1)
		assert.Equal(t, "processed", out.Results[0].Result)
		assert.Equal(t, "delivered", out.Results[0].StatusAfter)

		rec, err := f.store.MessageRecords().GetByIdempotencyKey(context.Background(), "w-1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusDelivered, rec.Status)
	})

	t.Run("redelivery is a duplicate", func(t *testing.T) {
		resp, body := f.do(t, http.MethodPost, "/webhooks/mock", "", callback, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out httpadapter.WebhookResponse
		require.NoError(t, json.Unmarshal(body, &out))
		require.Len(t, out.Results, 1)
		assert.Equal(t, "duplicate", out.Results[0].Result)
	})

	t.Run("unknown provider", func(t *testing.T) {
		resp, body := f.do(t, http.MethodPost, "/webhooks/nope", "", callback, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		assert.Contains(t, string(body), "Unknown provider")
	})

	t.Run("malformed payload", func(t *testing.T) {
		resp, _ := f.do(t, http.MethodPost, "/webhooks/mock", "", []byte(`{"status":`), nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("bad signature", func(t *testing.T) {
		payload := []byte(`{"provider_message_id":"g-1","status":"read","timestamp":"2024-05-01T10:00:00Z"}`)
		resp, _ := f.do(t, http.MethodPost, "/webhooks/generic", "", payload, map[string]string{"X-Signature": "deadbeef"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		resp, body := f.do(t, http.MethodPost, "/webhooks/generic", "", payload,
			map[string]string{"X-Signature": provider.SignPayload(testWebhookSecret, payload)})
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		assert.Contains(t, string(body), "stored_orphan")
	})
}

func TestWebhookHandler_Verify(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodGet, "/webhooks/meta?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "42", string(body))

	resp, _ = f.do(t, http.MethodGet, "/webhooks/meta?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42", "", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/webhooks/mock", "", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodGet, "/healthz", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, body = f.do(t, http.MethodGet, "/metrics", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "wa_delivery_http_requests_total")
}
