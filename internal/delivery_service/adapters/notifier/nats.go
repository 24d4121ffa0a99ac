package notifier

import (
	"context"
	"log/slog"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
	"github.com/aradsms/wa_gateway/internal/platform/messagebroker"
)

type NATSNotifier struct {
	publisher messagebroker.Publisher
	logger    *slog.Logger
}

func NewNATSNotifier(publisher messagebroker.Publisher, logger *slog.Logger) *NATSNotifier {
	return &NATSNotifier{publisher: publisher, logger: logger.With("component", "nats_status_notifier")}
}

func (n *NATSNotifier) NotifyStatusChanged(ctx context.Context, evt domain.StatusChanged) error {
	data, err := encode(evt)
	if err != nil {
		return err
	}
	subject := SubjectPrefix + "." + evt.Provider
	if err := n.publisher.Publish(ctx, subject, data); err != nil {
		return err
	}
	n.logger.DebugContext(ctx, "Status change published", "subject", subject,
		"message_record_id", evt.MessageRecordID, "status_after", evt.StatusAfter)
	return nil
}
