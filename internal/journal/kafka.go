package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/zeebo/errs"
)

// KafkaError is the error class for the kafka publisher.
var KafkaError = errs.Class("journal kafka")

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes journal events so settled and cancelled orders
// can be followed after they leave the store. It is write-only.
type KafkaPublisher struct {
	writer MessageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// NewKafkaPublisherWithWriter is used by tests to inject a writer.
func NewKafkaPublisherWithWriter(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

type kafkaEvent struct {
	Time        time.Time      `json:"time"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
}

func (p *KafkaPublisher) LogEvent(ctx context.Context, event Event) error {
	value, err := json.Marshal(kafkaEvent(event))
	if err != nil {
		return KafkaError.Wrap(err)
	}
	var key []byte
	if id, ok := event.Data["order_id"]; ok {
		key = []byte(fmt.Sprint(id))
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value}); err != nil {
		return KafkaError.Wrap(err)
	}
	return nil
}

func (p *KafkaPublisher) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error) {
	return nil, KafkaError.New("publisher does not support reading events")
}

func (p *KafkaPublisher) Close() error {
	return KafkaError.Wrap(p.writer.Close())
}
