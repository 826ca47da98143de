package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"

	"github.com/jittakal/flightrec/internal/errors"
	"github.com/jittakal/flightrec/pkg/event"
	"github.com/jittakal/flightrec/pkg/notify"
)

// Ensure implementation satisfies interface at compile time.
var _ notify.Notifier = (*Notifier)(nil)

// MetricsCollector defines the metrics interface used by the notifier.
type MetricsCollector interface {
	IncNotifications(status string)
}

// NotifierConfig contains chunk notification settings.
type NotifierConfig struct {
	BootstrapServers []string
	Topic            string
	ClientID         string
	MaxRetries       int
	Security         SecurityConfig
}

// Validate validates notifier configuration.
func (c NotifierConfig) Validate() error {
	if len(c.BootstrapServers) == 0 {
		return fmt.Errorf("bootstrap servers are required")
	}
	if c.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	return nil
}

// Notifier publishes one message per completed chunk. Messages are keyed by
// recording id so that a recording's chunks stay ordered on one partition.
type Notifier struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
	metrics  MetricsCollector
	mu       sync.RWMutex
	closed   bool
}

// NewNotifier connects a synchronous producer to the brokers.
func NewNotifier(cfg NotifierConfig, logger *slog.Logger, metrics MetricsCollector) (*Notifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	saramaConfig, err := producerConfig(cfg)
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(cfg.BootstrapServers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync producer: %w", err)
	}

	logger.Info("chunk notifier created",
		"bootstrap_servers", cfg.BootstrapServers,
		"topic", cfg.Topic,
	)
	return newNotifier(producer, cfg.Topic, logger, metrics), nil
}

func newNotifier(producer sarama.SyncProducer, topic string, logger *slog.Logger, metrics MetricsCollector) *Notifier {
	return &Notifier{
		producer: producer,
		topic:    topic,
		logger:   logger.With("component", "notifier"),
		metrics:  metrics,
	}
}

// producerConfig builds the sarama configuration for cfg.
func producerConfig(cfg NotifierConfig) (*sarama.Config, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V2_8_0_0
	if cfg.ClientID != "" {
		saramaConfig.ClientID = cfg.ClientID
	}
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	if cfg.MaxRetries > 0 {
		saramaConfig.Producer.Retry.Max = cfg.MaxRetries
	}
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Idempotent = true
	saramaConfig.Net.MaxOpenRequests = 1

	if err := configureSecurity(saramaConfig, cfg.Security); err != nil {
		return nil, fmt.Errorf("failed to configure security: %w", err)
	}
	return saramaConfig, nil
}

// Notify publishes info as a JSON message.
func (n *Notifier) Notify(ctx context.Context, info event.ChunkInfo) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return errors.ErrPublisherClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk info: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(info.RecordingID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("recording_id"), Value: []byte(info.RecordingID)},
			{Key: []byte("sequence"), Value: []byte(strconv.Itoa(info.Sequence))},
			{Key: []byte("final"), Value: []byte(strconv.FormatBool(info.Final))},
		},
		Timestamp: time.Now(),
	}

	partition, offset, err := n.producer.SendMessage(msg)
	if err != nil {
		n.metrics.IncNotifications("failure")
		n.logger.Error("failed to publish chunk notification",
			"error", err,
			"topic", n.topic,
			"sequence", info.Sequence,
		)
		return fmt.Errorf("failed to send chunk notification: %w", err)
	}

	n.metrics.IncNotifications("success")
	n.logger.Debug("published chunk notification",
		"topic", n.topic,
		"partition", partition,
		"offset", offset,
		"sequence", info.Sequence,
		"final", info.Final,
	)
	return nil
}

// Close closes the notifier. Further calls to Notify fail with
// ErrPublisherClosed.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true
	n.logger.Info("closing chunk notifier")

	if n.producer != nil {
		if err := n.producer.Close(); err != nil {
			n.logger.Error("error closing producer", "error", err)
			return err
		}
	}
	return nil
}
