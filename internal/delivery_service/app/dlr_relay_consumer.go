package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

const (
	DLRRelaySubject    = "wa.dlr.raw.*"
	DLRRelayQueueGroup = "wa_dlr_ingestors"
)

// DLREnvelope is what edge receivers publish: the untouched callback body and its signature header.
type DLREnvelope struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature,omitempty"`
}

// DLRRelayConsumer ingests callbacks relayed over NATS on wa.dlr.raw.<provider>.
type DLRRelayConsumer struct {
	pipeline *IngestionPipeline
	logger   *slog.Logger
}

func NewDLRRelayConsumer(pipeline *IngestionPipeline, logger *slog.Logger) *DLRRelayConsumer {
	return &DLRRelayConsumer{pipeline: pipeline, logger: logger.With("component", "dlr_relay_consumer")}
}

// providerFromSubject extracts <provider> from wa.dlr.raw.<provider>.
func providerFromSubject(subject string) (string, error) {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 || parts[0] != "wa" || parts[1] != "dlr" || parts[2] != "raw" {
		return "", fmt.Errorf("unexpected relay subject %q", subject)
	}
	name := parts[3]
	if name == "" || name == "*" || name == ">" {
		return "", fmt.Errorf("no provider in relay subject %q", subject)
	}
	return name, nil
}

func (c *DLRRelayConsumer) HandleMessage(ctx context.Context, subject string, data []byte) error {
	providerName, err := providerFromSubject(subject)
	if err != nil {
		return err
	}
	var env DLREnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode relay envelope: %w", err)
	}
	results, err := c.pipeline.Ingest(ctx, env.Payload, providerName, env.Signature)
	if err != nil {
		return err
	}
	c.logger.DebugContext(ctx, "Relayed callback ingested", "provider", providerName, "events", len(results))
	return nil
}

// StartConsuming blocks until ctx is cancelled.
func (c *DLRRelayConsumer) StartConsuming(ctx context.Context, sub QueueSubscriber) error {
	handler := func(msg *nats.Msg) {
		natsMessagesReceivedCounter.WithLabelValues(DLRRelaySubject).Inc()
		if err := c.HandleMessage(ctx, msg.Subject, msg.Data); err != nil {
			c.logger.ErrorContext(ctx, "Relayed callback rejected", "subject", msg.Subject, "error", err)
		}
	}
	c.logger.InfoContext(ctx, "Starting DLR relay subscription", "subject", DLRRelaySubject, "queue_group", DLRRelayQueueGroup)
	if err := sub.SubscribeToSubjectWithQueue(ctx, DLRRelaySubject, DLRRelayQueueGroup, handler); err != nil {
		return fmt.Errorf("subscribe dlr relay: %w", err)
	}
	return nil
}
