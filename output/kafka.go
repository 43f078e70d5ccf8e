// Package output delivers completed contexts to downstream consumers.
// The condition engine's route_to_output action lands here.
package output

import (
	"context"
	"encoding/json"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"contextqueue/models"
)

// OutputMessage is the envelope published for each completed context.
type OutputMessage struct {
	ContextID   string      `json:"context_id"`
	ServiceType string      `json:"service_type,omitempty"`
	Status      string      `json:"status"`
	Tags        []string    `json:"tags,omitempty"`
	Output      interface{} `json:"output,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// KafkaManager publishes completed contexts to a Kafka topic. Publishes
// are bounded by a timeout so a slow broker cannot pile up goroutines
// behind the fire-and-forget dispatch.
type KafkaManager struct {
	writer  *kgo.Writer
	timeout time.Duration
	logger  *zap.Logger
}

// NewKafkaManager builds a publisher for the given brokers and topic.
func NewKafkaManager(brokers []string, topic string, logger *zap.Logger) *KafkaManager {
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireOne,
	}
	return &KafkaManager{
		writer:  w,
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// Close releases the underlying writer.
func (m *KafkaManager) Close() error {
	return m.writer.Close()
}

// ProcessOutput publishes the completed context, keyed by context ID so
// updates for one context stay ordered.
func (m *KafkaManager) ProcessOutput(ctx context.Context, contextID string, c *models.Context) error {
	msg := OutputMessage{
		ContextID:   contextID,
		ServiceType: c.ServiceType,
		Status:      c.Status,
		Tags:        c.Tags,
		CompletedAt: c.CompletedAt,
	}
	if c.Results != nil {
		msg.Output = c.Results.Output
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(contextID),
		Value: b,
		Time:  time.Now(),
	}); err != nil {
		return err
	}
	m.logger.Debug("output published", zap.String("context_id", contextID))
	return nil
}
