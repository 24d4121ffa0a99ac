package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
)

const GenericProviderName = "generic"

// GenericProvider speaks the JSON relay format used by partner BSP gateways.
type GenericProvider struct {
	logger        *slog.Logger
	httpClient    *http.Client
	apiURL        string
	apiKey        string
	webhookSecret string
}

func NewGenericProvider(logger *slog.Logger, apiURL, apiKey, webhookSecret string, httpClient *http.Client) *GenericProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &GenericProvider{
		logger:        logger.With("provider", GenericProviderName),
		httpClient:    httpClient,
		apiURL:        strings.TrimRight(apiURL, "/"),
		apiKey:        apiKey,
		webhookSecret: webhookSecret,
	}
}

func (p *GenericProvider) Name() string { return GenericProviderName }

type genericSendRequest struct {
	ClientReference string `json:"client_reference"`
	To              string `json:"to"`
	Type            string `json:"type"`
	Content         string `json:"content"`
}

type genericSendResponse struct {
	MessageID string `json:"message_id"`
}

type genericErrorResponse struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

func (p *GenericProvider) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	msgType := req.MessageType
	if msgType == "" {
		msgType = "text"
	}
	reqBytes, err := json.Marshal(genericSendRequest{
		ClientReference: req.IdempotencyKey,
		To:              req.Recipient,
		Type:            msgType,
		Content:         req.Content,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request for generic provider: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+"/messages", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request for generic provider: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", p.apiKey)
	// Lets the gateway drop our own retries of an attempt it already accepted.
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generic send: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("generic send: read response (status %d): %w", httpResp.StatusCode, err)
	}

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		var ok genericSendResponse
		if err := json.Unmarshal(respBody, &ok); err != nil || ok.MessageID == "" {
			return nil, &domain.ProviderError{
				Provider:   GenericProviderName,
				Message:    "accepted response without message_id",
				HTTPStatus: httpResp.StatusCode,
				Category:   domain.CategoryUnknown,
			}
		}
		return &SendResult{Accepted: true, ProviderMessageID: ok.MessageID, HTTPStatus: httpResp.StatusCode}, nil
	}

	var errResp genericErrorResponse
	_ = json.Unmarshal(respBody, &errResp)
	perr := &domain.ProviderError{
		Provider:   GenericProviderName,
		Code:       errResp.ErrorCode,
		Message:    errResp.ErrorMessage,
		HTTPStatus: httpResp.StatusCode,
		Category:   ClassifyGenericError(errResp.ErrorCode, httpResp.StatusCode),
	}
	if perr.Message == "" {
		perr.Message = http.StatusText(httpResp.StatusCode)
	}
	p.logger.WarnContext(ctx, "Generic provider rejected message",
		"status_code", httpResp.StatusCode, "error_code", perr.Code, "category", perr.Category,
		"idempotency_key", req.IdempotencyKey)
	return nil, perr
}

// ClassifyGenericError maps the relay's symbolic error codes to a category.
func ClassifyGenericError(code string, httpStatus int) domain.ErrorCategory {
	switch strings.ToUpper(code) {
	case "RATE_LIMITED", "THROTTLED":
		return domain.CategoryRateLimit
	case "INVALID_RECIPIENT", "NOT_ON_WHATSAPP":
		return domain.CategoryInvalidRecipient
	case "BLOCKED", "OPTED_OUT":
		return domain.CategoryBlocked
	case "TEMPLATE_NOT_FOUND", "TEMPLATE_PAUSED":
		return domain.CategoryTemplateMissing
	case "INSUFFICIENT_CREDIT":
		return domain.CategoryQuotaExceeded
	case "UPSTREAM_TIMEOUT":
		return domain.CategoryTimeout
	}
	switch {
	case httpStatus == http.StatusTooManyRequests:
		return domain.CategoryRateLimit
	case httpStatus == http.StatusGatewayTimeout:
		return domain.CategoryTimeout
	case httpStatus >= 500:
		return domain.CategoryNetwork
	}
	return domain.CategoryUnknown
}

func (p *GenericProvider) SignatureHeader() string { return "X-Signature" }

func (p *GenericProvider) VerifySignature(payload []byte, signature string) error {
	return verifyHMAC(p.webhookSecret, payload, signature)
}

// GenericStatusCallback is one status report in the relay format.
type GenericStatusCallback struct {
	EventID           string    `json:"event_id,omitempty"`
	MessageID         string    `json:"message_id,omitempty"` // our idempotency key, echoed back
	ProviderMessageID string    `json:"provider_message_id"`
	Status            string    `json:"status"`
	Recipient         string    `json:"recipient,omitempty"`
	ErrorCode         string    `json:"error_code,omitempty"`
	ErrorDescription  string    `json:"error_description,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Normalize accepts a single callback object or an array of them.
func (p *GenericProvider) Normalize(payload []byte) ([]domain.NormalizedEvent, error) {
	trimmed := bytes.TrimSpace(payload)
	var callbacks []GenericStatusCallback
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &callbacks); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
		}
	} else {
		var one GenericStatusCallback
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
		}
		callbacks = append(callbacks, one)
	}

	events := make([]domain.NormalizedEvent, 0, len(callbacks))
	for _, cb := range callbacks {
		if cb.ProviderMessageID == "" || cb.Status == "" || cb.Timestamp.IsZero() {
			return nil, fmt.Errorf("%w: provider_message_id, status and timestamp are required", domain.ErrMalformedPayload)
		}
		events = append(events, domain.NormalizedEvent{
			Provider:          GenericProviderName,
			ProviderMessageID: cb.ProviderMessageID,
			EventType:         domain.ParseEventType(cb.Status),
			EventID:           cb.EventID,
			EventTimestamp:    cb.Timestamp.UTC(),
			Recipient:         cb.Recipient,
			ErrorCode:         cb.ErrorCode,
			ErrorMessage:      cb.ErrorDescription,
			RawStatus:         cb.Status,
		})
	}
	return events, nil
}
