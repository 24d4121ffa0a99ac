package http

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"

	"github.com/aradsms/wa_gateway/internal/delivery_service/app"
	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
	"github.com/aradsms/wa_gateway/internal/delivery_service/provider"
)

// MaxWebhookBodySize bounds provider callbacks.
const MaxWebhookBodySize = 1 << 20

type WebhookHandler struct {
	pipeline *app.IngestionPipeline
	registry *provider.Registry
	logger   *slog.Logger
}

func NewWebhookHandler(pipeline *app.IngestionPipeline, registry *provider.Registry, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		pipeline: pipeline,
		registry: registry,
		logger:   logger.With("handler", "webhook"),
	}
}

func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/{provider}", h.HandleCallback)
	r.Get("/webhooks/{provider}", h.HandleVerify)
}

// HandleCallback ingests one provider callback. A 5xx asks the provider to redeliver;
// every 4xx is final.
func (h *WebhookHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerName := chi.URLParam(r, "provider")
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx), "provider", providerName)

	adapter, err := h.registry.Get(providerName)
	if err != nil {
		logger.WarnContext(ctx, "Callback for unknown provider")
		writeJSONError(w, "Unknown provider", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.WarnContext(ctx, "Callback body too large", "limit", tooLarge.Limit)
			writeJSONError(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		logger.ErrorContext(ctx, "Failed to read callback body", "error", err)
		writeJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	signature := r.Header.Get(adapter.SignatureHeader())
	results, err := h.pipeline.Ingest(ctx, body, providerName, signature)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrUnknownProvider):
		writeJSONError(w, "Unknown provider", http.StatusNotFound)
		return
	case errors.Is(err, domain.ErrInvalidSignature):
		writeJSONError(w, "Invalid signature", http.StatusUnauthorized)
		return
	case errors.Is(err, domain.ErrMalformedPayload):
		writeJSON(w, http.StatusBadRequest, GenericErrorResponse{Error: "Malformed payload", Details: err.Error()})
		return
	default:
		logger.ErrorContext(ctx, "Callback ingestion failed", "error", err)
		writeJSONError(w, "Failed to process callback", http.StatusInternalServerError)
		return
	}

	logger.InfoContext(ctx, "Callback ingested", "events", len(results))
	writeJSON(w, http.StatusOK, newWebhookResponse(results))
}

// HandleVerify answers webhook registration handshakes for providers that need one.
func (h *WebhookHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerName := chi.URLParam(r, "provider")

	adapter, err := h.registry.Get(providerName)
	if err != nil {
		writeJSONError(w, "Unknown provider", http.StatusNotFound)
		return
	}
	verifier, ok := adapter.(provider.SubscriptionVerifier)
	if !ok {
		writeJSONError(w, "Provider does not use subscription verification", http.StatusMethodNotAllowed)
		return
	}
	challenge, ok := verifier.VerifySubscription(r.URL.Query())
	if !ok {
		h.logger.WarnContext(ctx, "Webhook subscription verification rejected", "provider", providerName)
		writeJSONError(w, "Verification failed", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}
