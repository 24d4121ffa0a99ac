package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMessageRecordNotFound = errors.New("message record not found")
	ErrDuplicateEvent        = errors.New("delivery event already recorded")
	ErrClaimLost             = errors.New("processing claim no longer held")
	ErrUnknownProvider       = errors.New("unknown provider")
	ErrMalformedPayload      = errors.New("malformed provider payload")
	ErrInvalidSignature      = errors.New("invalid webhook signature")
	ErrNoEventsInPayload     = errors.New("payload carries no status events")
)

// ErrorCategory is the provider-agnostic classification of a send failure.
type ErrorCategory string

const (
	CategoryNone             ErrorCategory = ""
	CategoryNetwork          ErrorCategory = "network"
	CategoryTimeout          ErrorCategory = "timeout"
	CategoryRateLimit        ErrorCategory = "rate_limit"
	CategoryInvalidRecipient ErrorCategory = "invalid_recipient"
	CategoryBlocked          ErrorCategory = "blocked"
	CategoryQuotaExceeded    ErrorCategory = "quota_exceeded"
	CategoryTemplateMissing  ErrorCategory = "template_missing"
	CategoryUnknown          ErrorCategory = "unknown"
)

// Retryable: transport problems, rate limits and anything unclassified get another attempt.
func (c ErrorCategory) Retryable() bool {
	switch c {
	case CategoryNetwork, CategoryTimeout, CategoryRateLimit, CategoryUnknown:
		return true
	}
	return false
}

// ProviderError is returned by provider adapters for rejected or failed sends.
type ProviderError struct {
	Provider   string
	Code       string
	Message    string
	HTTPStatus int
	Category   ErrorCategory
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: provider error %s (http %d): %s", e.Provider, e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s: provider error (http %d): %s", e.Provider, e.HTTPStatus, e.Message)
}

// Failure is the classified result of a failed attempt, as persisted on the record.
type Failure struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
}

func NewFailure(category ErrorCategory, code, message string) Failure {
	return Failure{Category: category, Code: code, Message: message, Retryable: category.Retryable()}
}
