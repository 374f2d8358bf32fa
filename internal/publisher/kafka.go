package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cryptofl/roundledger/internal/config"
	"github.com/cryptofl/roundledger/internal/model"
	"github.com/cryptofl/roundledger/internal/telemetry"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher implements Publisher interface for Kafka
type KafkaPublisher struct {
	config       *config.KafkaConfig
	experimentID string
	writer       messageWriter
	logger       *zap.Logger
	now          func() time.Time
}

type envelope struct {
	Type         string      `json:"type"`
	ExperimentID string      `json:"experiment_id"`
	Data         interface{} `json:"data,omitempty"`
	Message      string      `json:"message,omitempty"`
	Time         time.Time   `json:"time"`
}

// NewKafkaPublisher creates a new KafkaPublisher for one experiment
func NewKafkaPublisher(cfg *config.KafkaConfig, experimentID string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		config:       cfg,
		experimentID: experimentID,
		logger:       logger,
		now:          time.Now,
	}
}

func (k *KafkaPublisher) Connect(ctx context.Context) error {
	if k.writer == nil {
		k.writer = &kafka.Writer{
			Addr:         kafka.TCP(k.config.Brokers...),
			Topic:        k.config.Topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    k.config.BatchSize,
			BatchTimeout: time.Duration(k.config.BatchTimeout) * time.Millisecond,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
		}
	}

	ping, err := json.Marshal(envelope{
		Type:         "ping",
		ExperimentID: k.experimentID,
		Message:      "Round coordinator startup",
		Time:         k.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal ping message: %w", err)
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte("ping"),
		Value: ping,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to kafka topic %s: %w", k.config.Topic, err)
	}

	k.logger.Info("Connected to Kafka",
		zap.Strings("brokers", k.config.Brokers),
		zap.String("topic", k.config.Topic))

	return nil
}

func (k *KafkaPublisher) Close() error {
	if k.writer != nil {
		err := k.writer.Close()
		if err != nil {
			return fmt.Errorf("failed to close Kafka connection: %w", err)
		}
	}

	k.logger.Info("Disconnected from Kafka")
	return nil
}

func (k *KafkaPublisher) PublishRound(ctx context.Context, record model.RoundRecord) error {
	msg, err := k.roundMessage(ctx, record)
	if err != nil {
		return err
	}

	err = k.writer.WriteMessages(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to publish round message: %w", err)
	}

	k.logger.Debug("Published round",
		zap.Int("round", record.Round),
		zap.String("cid", record.ContentID))

	return nil
}

func (k *KafkaPublisher) PublishRounds(ctx context.Context, records []model.RoundRecord) error {
	if len(records) == 0 {
		return nil
	}

	messages := make([]kafka.Message, 0, len(records))
	for _, record := range records {
		msg, err := k.roundMessage(ctx, record)
		if err != nil {
			return err
		}
		messages = append(messages, msg)
	}

	err := k.writer.WriteMessages(ctx, messages...)
	if err != nil {
		return fmt.Errorf("failed to publish batch of round messages: %w", err)
	}

	k.logger.Info("Published round batch",
		zap.Int("count", len(records)),
		zap.Int("first_round", records[0].Round),
		zap.Int("last_round", records[len(records)-1].Round))

	return nil
}

// roundMessage keys the message by round so a topic partition keeps rounds ordered
func (k *KafkaPublisher) roundMessage(ctx context.Context, record model.RoundRecord) (kafka.Message, error) {
	value, err := json.Marshal(envelope{
		Type:         "round",
		ExperimentID: k.experimentID,
		Data:         record,
		Time:         k.now(),
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal round message: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte("round:" + strconv.Itoa(record.Round)),
		Value: value,
	}
	telemetry.InjectHeaders(ctx, &msg)
	return msg, nil
}
