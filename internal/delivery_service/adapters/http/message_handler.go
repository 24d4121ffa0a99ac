package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/aradsms/wa_gateway/internal/delivery_service/app"
	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
)

const maxSendBodySize = 8 << 20

type MessageHandlerConfig struct {
	DefaultProvider   string
	DefaultMaxRetries int
}

type MessageHandler struct {
	orchestrator *app.SendOrchestrator
	batch        *app.BatchSender
	records      domain.MessageRecordRepository
	call         app.ProviderCall
	validate     *validator.Validate
	cfg          MessageHandlerConfig
	logger       *slog.Logger
}

func NewMessageHandler(
	orchestrator *app.SendOrchestrator,
	batch *app.BatchSender,
	records domain.MessageRecordRepository,
	call app.ProviderCall,
	validate *validator.Validate,
	cfg MessageHandlerConfig,
	logger *slog.Logger,
) *MessageHandler {
	return &MessageHandler{
		orchestrator: orchestrator,
		batch:        batch,
		records:      records,
		call:         call,
		validate:     validate,
		cfg:          cfg,
		logger:       logger.With("handler", "message"),
	}
}

// RegisterRoutes expects r to be behind TenantAuth.
func (h *MessageHandler) RegisterRoutes(r chi.Router) {
	r.Post("/messages", h.handleSend)
	r.Post("/messages/batch", h.handleBatch)
	r.Get("/messages/{idempotencyKey}", h.handleInspect)
}

func (h *MessageHandler) handleSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	tenantID, ok := TenantFromContext(ctx)
	if !ok {
		writeJSONError(w, "Tenant not authenticated", http.StatusUnauthorized)
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendBodySize)).Decode(&req); err != nil {
		writeJSONError(w, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.StructCtx(ctx, req); err != nil {
		writeJSON(w, http.StatusBadRequest, GenericErrorResponse{Error: "Validation failed", Details: err.Error()})
		return
	}

	attrs := req.toJob(tenantID).Attributes(h.cfg.DefaultProvider, h.cfg.DefaultMaxRetries)
	out, err := h.orchestrator.Send(ctx, req.IdempotencyKey, attrs, h.call)
	if err != nil {
		logger.ErrorContext(ctx, "Send failed before dispatch", "error", err, "idempotency_key", req.IdempotencyKey)
		writeJSONError(w, "Failed to send message", http.StatusInternalServerError)
		return
	}
	if isKeyConflict(out) {
		writeJSONError(w, "Idempotency key already in use", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, newOutcomeResponse(req.IdempotencyKey, out))
}

func (h *MessageHandler) handleBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	tenantID, ok := TenantFromContext(ctx)
	if !ok {
		writeJSONError(w, "Tenant not authenticated", http.StatusUnauthorized)
		return
	}

	var req BatchSendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendBodySize)).Decode(&req); err != nil {
		writeJSONError(w, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validate.StructCtx(ctx, req); err != nil {
		writeJSON(w, http.StatusBadRequest, GenericErrorResponse{Error: "Validation failed", Details: err.Error()})
		return
	}

	resp := BatchSendResponse{Results: make([]OutcomeResponse, 0, len(req.Messages))}
	items := make([]app.BatchItem, 0, len(req.Messages))
	for _, m := range req.Messages {
		items = append(items, app.BatchItem{
			IdempotencyKey: m.IdempotencyKey,
			Attributes:     m.toJob(tenantID).Attributes(h.cfg.DefaultProvider, h.cfg.DefaultMaxRetries),
		})
	}

	results, err := h.batch.SendBatch(ctx, items, req.ThrottleFactor)
	if err != nil {
		resp.Interrupted = true
	}
	for _, res := range results {
		view := newOutcomeResponse(res.IdempotencyKey, res.Outcome)
		switch {
		case res.Err != nil:
			view.Error = res.Err.Error()
		case isKeyConflict(res.Outcome):
			view = OutcomeResponse{IdempotencyKey: res.IdempotencyKey, Error: "idempotency key already in use"}
		}
		resp.Results = append(resp.Results, view)
	}
	logger.InfoContext(ctx, "Batch processed", "tenant_id", tenantID, "requested", len(req.Messages), "processed", len(results), "interrupted", resp.Interrupted)
	writeJSON(w, http.StatusOK, resp)
}

// isKeyConflict reports an idempotency key that another tenant already owns.
func isKeyConflict(out domain.SendOutcome) bool {
	return out.Kind == domain.OutcomeSkipped && out.SkipReason == domain.SkipKeyConflict
}

func (h *MessageHandler) handleInspect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := TenantFromContext(ctx)
	if !ok {
		writeJSONError(w, "Tenant not authenticated", http.StatusUnauthorized)
		return
	}

	key := chi.URLParam(r, "idempotencyKey")
	rec, err := h.records.GetByIdempotencyKey(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrMessageRecordNotFound) {
			writeJSONError(w, "Message not found", http.StatusNotFound)
			return
		}
		h.logger.ErrorContext(ctx, "Failed to load message record", "error", err, "idempotency_key", key)
		writeJSONError(w, "Failed to retrieve message", http.StatusInternalServerError)
		return
	}
	// Other tenants' keys are reported as missing.
	if rec.TenantID != tenantID {
		writeJSONError(w, "Message not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newMessageView(rec))
}
