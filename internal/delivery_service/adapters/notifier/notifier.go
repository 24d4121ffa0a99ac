// Package notifier publishes StatusChanged events to NATS or Kafka.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
)

// SubjectPrefix is followed by the provider name: wa.status.changed.meta.
const SubjectPrefix = "wa.status.changed"

// Envelope wraps an event with an id consumers can deduplicate on.
type Envelope struct {
	EventID uuid.UUID `json:"event_id"`
	domain.StatusChanged
}

func encode(evt domain.StatusChanged) ([]byte, error) {
	data, err := json.Marshal(Envelope{EventID: uuid.New(), StatusChanged: evt})
	if err != nil {
		return nil, fmt.Errorf("encode status change: %w", err)
	}
	return data, nil
}

// Noop drops every event.
type Noop struct{}

func (Noop) NotifyStatusChanged(context.Context, domain.StatusChanged) error { return nil }
