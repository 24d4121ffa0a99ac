package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
)

const MetaProviderName = "meta"

// MetaProvider talks to the WhatsApp Business Cloud API.
type MetaProvider struct {
	logger        *slog.Logger
	httpClient    *http.Client
	apiURL        string
	accessToken   string
	phoneNumberID string
	appSecret     string
	verifyToken   string
}

type MetaConfig struct {
	APIURL        string
	AccessToken   string
	PhoneNumberID string
	AppSecret     string
	VerifyToken   string
}

func NewMetaProvider(logger *slog.Logger, cfg MetaConfig, httpClient *http.Client) *MetaProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &MetaProvider{
		logger:        logger.With("provider", MetaProviderName),
		httpClient:    httpClient,
		apiURL:        strings.TrimRight(cfg.APIURL, "/"),
		accessToken:   cfg.AccessToken,
		phoneNumberID: cfg.PhoneNumberID,
		appSecret:     cfg.AppSecret,
		verifyToken:   cfg.VerifyToken,
	}
}

func (p *MetaProvider) Name() string { return MetaProviderName }

type metaSendRequest struct {
	MessagingProduct string        `json:"messaging_product"`
	RecipientType    string        `json:"recipient_type"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *metaText     `json:"text,omitempty"`
	Template         *metaTemplate `json:"template,omitempty"`
}

type metaText struct {
	Body string `json:"body"`
}

type metaTemplate struct {
	Name     string       `json:"name"`
	Language metaLanguage `json:"language"`
}

type metaLanguage struct {
	Code string `json:"code"`
}

type metaSendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type metaErrorResponse struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		FBTraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

// buildSendRequest maps our message onto the Cloud API body. Template content is
// "name" or "name:language".
func (p *MetaProvider) buildSendRequest(req SendRequest) metaSendRequest {
	body := metaSendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(req.Recipient, "+"),
	}
	if req.MessageType == "template" {
		name, lang, found := strings.Cut(req.Content, ":")
		if !found || lang == "" {
			lang = "en_US"
		}
		body.Type = "template"
		body.Template = &metaTemplate{Name: name, Language: metaLanguage{Code: lang}}
		return body
	}
	body.Type = "text"
	body.Text = &metaText{Body: req.Content}
	return body
}

func (p *MetaProvider) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	reqBytes, err := json.Marshal(p.buildSendRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request for meta: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/messages", p.apiURL, p.phoneNumberID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request for meta: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.accessToken)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		p.logger.WarnContext(ctx, "Meta request failed", "error", err, "idempotency_key", req.IdempotencyKey)
		return nil, fmt.Errorf("meta send: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("meta send: read response (status %d): %w", httpResp.StatusCode, err)
	}

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		var ok metaSendResponse
		if err := json.Unmarshal(respBody, &ok); err != nil || len(ok.Messages) == 0 || ok.Messages[0].ID == "" {
			// Accepted without a usable id; callbacks could never be matched, so report it as unknown.
			return nil, &domain.ProviderError{
				Provider:   MetaProviderName,
				Message:    "accepted response without message id",
				HTTPStatus: httpResp.StatusCode,
				Category:   domain.CategoryUnknown,
			}
		}
		p.logger.DebugContext(ctx, "Meta accepted message", "provider_message_id", ok.Messages[0].ID, "idempotency_key", req.IdempotencyKey)
		return &SendResult{Accepted: true, ProviderMessageID: ok.Messages[0].ID, HTTPStatus: httpResp.StatusCode}, nil
	}

	perr := &domain.ProviderError{Provider: MetaProviderName, HTTPStatus: httpResp.StatusCode}
	var errResp metaErrorResponse
	if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Code != 0 {
		perr.Code = strconv.Itoa(errResp.Error.Code)
		perr.Message = errResp.Error.Message
	} else {
		perr.Message = http.StatusText(httpResp.StatusCode)
	}
	perr.Category = ClassifyMetaError(errResp.Error.Code, httpResp.StatusCode)

	p.logger.WarnContext(ctx, "Meta rejected message",
		"status_code", httpResp.StatusCode,
		"error_code", perr.Code,
		"category", perr.Category,
		"idempotency_key", req.IdempotencyKey)
	return nil, perr
}

// ClassifyMetaError maps Cloud API error codes (and, failing that, HTTP status) to a category.
func ClassifyMetaError(code, httpStatus int) domain.ErrorCategory {
	switch code {
	case 4, 80007, 130429, 131048, 131056:
		return domain.CategoryRateLimit
	case 131021, 131026, 131030:
		return domain.CategoryInvalidRecipient
	case 132000, 132001, 132005, 132007, 132012:
		return domain.CategoryTemplateMissing
	case 368, 131031, 131047:
		return domain.CategoryBlocked
	case 131042:
		return domain.CategoryQuotaExceeded
	case 131000, 131016, 2:
		return domain.CategoryNetwork
	}
	switch {
	case httpStatus == http.StatusTooManyRequests:
		return domain.CategoryRateLimit
	case httpStatus >= 500:
		return domain.CategoryNetwork
	}
	return domain.CategoryUnknown
}

func (p *MetaProvider) SignatureHeader() string { return "X-Hub-Signature-256" }

func (p *MetaProvider) VerifySignature(payload []byte, signature string) error {
	return verifyHMAC(p.appSecret, payload, signature)
}

// VerifySubscription answers the hub.challenge handshake used when registering the webhook.
func (p *MetaProvider) VerifySubscription(query url.Values) (string, bool) {
	if query.Get("hub.mode") != "subscribe" || p.verifyToken == "" {
		return "", false
	}
	if query.Get("hub.verify_token") != p.verifyToken {
		return "", false
	}
	return query.Get("hub.challenge"), true
}

type metaWebhook struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Statuses []metaStatus `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type metaStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code    int    `json:"code"`
		Title   string `json:"title"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Normalize flattens entry[].changes[].value.statuses[]. Cloud API statuses carry no
// event id, so the (message id, status) fallback key is used for deduplication.
func (p *MetaProvider) Normalize(payload []byte) ([]domain.NormalizedEvent, error) {
	var hook metaWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if hook.Object != "" && hook.Object != "whatsapp_business_account" {
		return nil, fmt.Errorf("%w: unexpected object %q", domain.ErrMalformedPayload, hook.Object)
	}

	var events []domain.NormalizedEvent
	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			for _, st := range change.Value.Statuses {
				if st.ID == "" || st.Status == "" {
					return nil, fmt.Errorf("%w: status without id or status", domain.ErrMalformedPayload)
				}
				ts, err := parseUnixSeconds(st.Timestamp)
				if err != nil {
					return nil, fmt.Errorf("%w: timestamp %q", domain.ErrMalformedPayload, st.Timestamp)
				}
				ev := domain.NormalizedEvent{
					Provider:          MetaProviderName,
					ProviderMessageID: st.ID,
					EventType:         domain.ParseEventType(st.Status),
					EventTimestamp:    ts,
					Recipient:         st.RecipientID,
					RawStatus:         st.Status,
				}
				if len(st.Errors) > 0 {
					ev.ErrorCode = strconv.Itoa(st.Errors[0].Code)
					ev.ErrorMessage = st.Errors[0].Title
					if st.Errors[0].Message != "" {
						ev.ErrorMessage = st.Errors[0].Message
					}
				}
				events = append(events, ev)
			}
		}
	}
	return events, nil
}

func parseUnixSeconds(s string) (time.Time, error) {
	sec, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
