package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
)

const (
	SendJobsSubject    = "wa.send.jobs"
	SendJobsQueueGroup = "wa_delivery_workers"
)

// QueueSubscriber is the consuming side of the broker client.
type QueueSubscriber interface {
	SubscribeToSubjectWithQueue(ctx context.Context, subject, queueGroup string, handler nats.MsgHandler) error
}

// SendJob is the payload published on wa.send.jobs by campaign and inbox producers.
type SendJob struct {
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=255"`
	TenantID       string `json:"tenant_id" validate:"required"`
	Recipient      string `json:"recipient" validate:"required,e164"`
	MessageType    string `json:"message_type" validate:"omitempty,oneof=text template"`
	Content        string `json:"content" validate:"required"`
	Provider       string `json:"provider,omitempty"`
	LinkType       string `json:"link_type,omitempty" validate:"omitempty,oneof=none campaign_target inbox_message"`
	LinkID         string `json:"link_id,omitempty" validate:"omitempty,max=255"`
	QuotaCost      int64  `json:"quota_cost" validate:"gte=0"`
	MaxRetries     int    `json:"max_retries,omitempty" validate:"gte=0,lte=20"`
}

// Attributes fills in provider, type and retry defaults.
func (j SendJob) Attributes(defaultProvider string, defaultMaxRetries int) domain.MessageAttributes {
	attrs := domain.MessageAttributes{
		TenantID:     j.TenantID,
		Recipient:    j.Recipient,
		MessageType:  j.MessageType,
		Content:      j.Content,
		ProviderName: j.Provider,
		Link:         domain.Link{Type: domain.LinkType(j.LinkType), ID: j.LinkID},
		QuotaCost:    j.QuotaCost,
		MaxRetries:   j.MaxRetries,
	}
	if attrs.MessageType == "" {
		attrs.MessageType = "text"
	}
	if attrs.ProviderName == "" {
		attrs.ProviderName = defaultProvider
	}
	if attrs.MaxRetries == 0 {
		attrs.MaxRetries = defaultMaxRetries
	}
	return attrs
}

// SendJobConsumer feeds NATS send jobs to the orchestrator.
type SendJobConsumer struct {
	orchestrator      *SendOrchestrator
	call              ProviderCall
	validate          *validator.Validate
	defaultProvider   string
	defaultMaxRetries int
	jobTimeout        time.Duration
	logger            *slog.Logger
}

func NewSendJobConsumer(orchestrator *SendOrchestrator, call ProviderCall, defaultProvider string, defaultMaxRetries int, logger *slog.Logger) *SendJobConsumer {
	return &SendJobConsumer{
		orchestrator:      orchestrator,
		call:              call,
		validate:          validator.New(),
		defaultProvider:   defaultProvider,
		defaultMaxRetries: defaultMaxRetries,
		jobTimeout:        60 * time.Second,
		logger:            logger.With("component", "send_job_consumer"),
	}
}

// HandleJob decodes, validates and sends one job. Invalid payloads are returned as errors
// and dropped by the subscriber; redelivery cannot fix them.
func (c *SendJobConsumer) HandleJob(ctx context.Context, data []byte) (domain.SendOutcome, error) {
	var job SendJob
	if err := json.Unmarshal(data, &job); err != nil {
		return domain.SendOutcome{}, fmt.Errorf("decode send job: %w", err)
	}
	if err := c.validate.Struct(job); err != nil {
		return domain.SendOutcome{}, fmt.Errorf("invalid send job %q: %w", job.IdempotencyKey, err)
	}
	return c.orchestrator.Send(ctx, job.IdempotencyKey, job.Attributes(c.defaultProvider, c.defaultMaxRetries), c.call)
}

// StartConsuming blocks until ctx is cancelled.
func (c *SendJobConsumer) StartConsuming(ctx context.Context, sub QueueSubscriber) error {
	handler := func(msg *nats.Msg) {
		natsMessagesReceivedCounter.WithLabelValues(SendJobsSubject).Inc()
		jobCtx, cancel := context.WithTimeout(ctx, c.jobTimeout)
		defer cancel()

		out, err := c.HandleJob(jobCtx, msg.Data)
		if err != nil {
			c.logger.ErrorContext(ctx, "Send job failed", "error", err, "data_len", len(msg.Data))
			return
		}
		c.logger.InfoContext(ctx, "Send job handled",
			"message_record_id", out.MessageRecordID, "outcome", out.Kind, "skip_reason", out.SkipReason)
	}

	c.logger.InfoContext(ctx, "Starting send job subscription", "subject", SendJobsSubject, "queue_group", SendJobsQueueGroup)
	if err := sub.SubscribeToSubjectWithQueue(ctx, SendJobsSubject, SendJobsQueueGroup, handler); err != nil {
		return fmt.Errorf("subscribe send jobs: %w", err)
	}
	return nil
}
