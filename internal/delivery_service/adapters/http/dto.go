package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/aradsms/wa_gateway/internal/delivery_service/app"
	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
)

// SendMessageRequest DTO for POST /api/v1/messages. The tenant comes from the token.
type SendMessageRequest struct {
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=255"`
	Recipient      string `json:"recipient" validate:"required,e164"`
	MessageType    string `json:"message_type" validate:"omitempty,oneof=text template"`
	Content        string `json:"content" validate:"required,max=4096"`
	Provider       string `json:"provider,omitempty"`
	LinkType       string `json:"link_type,omitempty" validate:"omitempty,oneof=none campaign_target inbox_message"`
	LinkID         string `json:"link_id,omitempty" validate:"omitempty,max=255"`
	QuotaCost      *int64 `json:"quota_cost,omitempty" validate:"omitempty,gte=0"`
	MaxRetries     int    `json:"max_retries,omitempty" validate:"gte=0,lte=20"`
}

func (r SendMessageRequest) toJob(tenantID string) app.SendJob {
	job := app.SendJob{
		IdempotencyKey: r.IdempotencyKey,
		TenantID:       tenantID,
		Recipient:      r.Recipient,
		MessageType:    r.MessageType,
		Content:        r.Content,
		Provider:       r.Provider,
		LinkType:       r.LinkType,
		LinkID:         r.LinkID,
		QuotaCost:      1,
		MaxRetries:     r.MaxRetries,
	}
	if r.QuotaCost != nil {
		job.QuotaCost = *r.QuotaCost
	}
	return job
}

// BatchSendRequest DTO for POST /api/v1/messages/batch.
type BatchSendRequest struct {
	// ThrottleFactor scales the configured send rate; values outside (0, 1] mean full rate.
	ThrottleFactor float64              `json:"throttle_factor,omitempty" validate:"gte=0,lte=1"`
	Messages       []SendMessageRequest `json:"messages" validate:"required,min=1,max=1000,dive"`
}

type FailureView struct {
	Category  string `json:"category"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable"`
}

// OutcomeResponse renders a domain.SendOutcome.
type OutcomeResponse struct {
	IdempotencyKey    string       `json:"idempotency_key"`
	Outcome           string       `json:"outcome"`
	SkipReason        string       `json:"skip_reason,omitempty"`
	MessageRecordID   string       `json:"message_record_id,omitempty"`
	ProviderMessageID string       `json:"provider_message_id,omitempty"`
	Status            string       `json:"status,omitempty"`
	Failure           *FailureView `json:"failure,omitempty"`
	RetryAfter        *time.Time   `json:"retry_after,omitempty"`
	Error             string       `json:"error,omitempty"`
}

func newOutcomeResponse(key string, out domain.SendOutcome) OutcomeResponse {
	resp := OutcomeResponse{
		IdempotencyKey:    key,
		Outcome:           string(out.Kind),
		SkipReason:        string(out.SkipReason),
		ProviderMessageID: out.ProviderMessageID,
		Status:            string(out.Status),
		RetryAfter:        out.RetryAfter,
	}
	if out.MessageRecordID != uuid.Nil {
		resp.MessageRecordID = out.MessageRecordID.String()
	}
	if out.Failure != nil {
		resp.Failure = &FailureView{
			Category:  string(out.Failure.Category),
			Code:      out.Failure.Code,
			Message:   out.Failure.Message,
			Retryable: out.Failure.Retryable,
		}
	}
	return resp
}

type BatchSendResponse struct {
	Results     []OutcomeResponse `json:"results"`
	Interrupted bool              `json:"interrupted,omitempty"`
}

// MessageView DTO for GET /api/v1/messages/{idempotency_key}.
type MessageView struct {
	ID                string     `json:"id"`
	IdempotencyKey    string     `json:"idempotency_key"`
	TenantID          string     `json:"tenant_id"`
	Recipient         string     `json:"recipient"`
	MessageType       string     `json:"message_type"`
	ContentHash       string     `json:"content_hash"`
	LinkType          string     `json:"link_type,omitempty"`
	LinkID            string     `json:"link_id,omitempty"`
	Status            string     `json:"status"`
	StatusDetail      string     `json:"status_detail,omitempty"`
	Provider          string     `json:"provider"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	ErrorCode         string     `json:"error_code,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	ErrorCategory     string     `json:"error_category,omitempty"`
	Retryable         bool       `json:"retryable"`
	RetryCount        int        `json:"retry_count"`
	MaxRetries        int        `json:"max_retries"`
	RetryAfter        *time.Time `json:"retry_after,omitempty"`
	QuotaConsumed     bool       `json:"quota_consumed"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	ReadAt            *time.Time `json:"read_at,omitempty"`
	FailedAt          *time.Time `json:"failed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func newMessageView(rec *domain.MessageRecord) MessageView {
	v := MessageView{
		ID:                rec.ID.String(),
		IdempotencyKey:    rec.IdempotencyKey,
		TenantID:          rec.TenantID,
		Recipient:         rec.Recipient,
		MessageType:       rec.MessageType,
		ContentHash:       rec.ContentHash,
		Status:            string(rec.Status),
		StatusDetail:      rec.StatusDetail,
		Provider:          rec.ProviderName,
		ProviderMessageID: rec.ProviderMessageID,
		ErrorCode:         rec.ErrorCode,
		ErrorMessage:      rec.ErrorMessage,
		ErrorCategory:     string(rec.ErrorCategory),
		Retryable:         rec.Retryable,
		RetryCount:        rec.RetryCount,
		MaxRetries:        rec.MaxRetries,
		RetryAfter:        rec.RetryAfter,
		QuotaConsumed:     rec.QuotaConsumed,
		SentAt:            rec.SentAt,
		DeliveredAt:       rec.DeliveredAt,
		ReadAt:            rec.ReadAt,
		FailedAt:          rec.FailedAt,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
	if !rec.Link.IsZero() {
		v.LinkType = string(rec.Link.Type)
		v.LinkID = rec.Link.ID
	}
	return v
}

// IngestionResultView is one entry of a webhook response.
type IngestionResultView struct {
	EventID         string `json:"event_id"`
	IdempotencyKey  string `json:"idempotency_key"`
	Result          string `json:"result"`
	Reason          string `json:"reason,omitempty"`
	MessageRecordID string `json:"message_record_id,omitempty"`
	StatusBefore    string `json:"status_before,omitempty"`
	StatusAfter     string `json:"status_after,omitempty"`
	IsOutOfOrder    bool   `json:"is_out_of_order,omitempty"`
}

type WebhookResponse struct {
	Received int                   `json:"received"`
	Results  []IngestionResultView `json:"results"`
}

func newWebhookResponse(results []domain.IngestionResult) WebhookResponse {
	resp := WebhookResponse{Received: len(results), Results: make([]IngestionResultView, 0, len(results))}
	for _, r := range results {
		v := IngestionResultView{
			EventID:        r.EventID.String(),
			IdempotencyKey: r.IdempotencyKey,
			Result:         string(r.Result),
			Reason:         r.Reason,
			StatusBefore:   string(r.StatusBefore),
			StatusAfter:    string(r.StatusAfter),
			IsOutOfOrder:   r.IsOutOfOrder,
		}
		if r.MessageRecordID != nil {
			v.MessageRecordID = r.MessageRecordID.String()
		}
		resp.Results = append(resp.Results, v)
	}
	return resp
}

// GenericErrorResponse for API errors.
type GenericErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, statusCode, GenericErrorResponse{Error: message})
}
