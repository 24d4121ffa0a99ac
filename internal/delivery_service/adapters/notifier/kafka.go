package notifier

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
)

// NewKafkaProducerConfig is an idempotent producer that waits for all in-sync replicas.
func NewKafkaProducerConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.Idempotent = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

// KafkaNotifier writes events keyed by message record id, so one record's changes stay in one partition.
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

func NewKafkaNotifier(producer sarama.SyncProducer, topic string, logger *slog.Logger) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: topic, logger: logger.With("component", "kafka_status_notifier")}
}

// DialKafkaNotifier connects a SyncProducer to brokers.
func DialKafkaNotifier(brokers []string, topic, clientID string, logger *slog.Logger) (*KafkaNotifier, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewKafkaProducerConfig(clientID))
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaNotifier(producer, topic, logger), nil
}

func (k *KafkaNotifier) NotifyStatusChanged(ctx context.Context, evt domain.StatusChanged) error {
	data, err := encode(evt)
	if err != nil {
		return err
	}
	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(evt.MessageRecordID.String()),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("provider"), Value: []byte(evt.Provider)},
			{Key: []byte("status"), Value: []byte(evt.StatusAfter)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka send %s: %w", k.topic, err)
	}
	k.logger.DebugContext(ctx, "Status change produced", "topic", k.topic, "partition", partition, "offset", offset,
		"message_record_id", evt.MessageRecordID)
	return nil
}

func (k *KafkaNotifier) Close() error {
	return k.producer.Close()
}
