// Package sink forwards order events to external systems.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amirphl/simple-oms/internal/order"
	"github.com/segmentio/kafka-go"
)

// Writer is the part of *kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message is the wire form of an order event.
type Message struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	OrderID   string          `json:"order_id"`
	Type      order.EventType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// KafkaSink publishes order events to a topic, keyed by order id so one
// order's events stay in one partition.
type KafkaSink struct {
	writer Writer
	topic  string
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return NewKafkaSinkWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}, topic)
}

func NewKafkaSinkWithWriter(w Writer, topic string) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic}
}

// Encode renders e as a Kafka message.
func Encode(e order.Event) (kafka.Message, error) {
	payload, err := order.EncodePayload(e.Payload)
	if err != nil {
		return kafka.Message{}, err
	}
	value, err := json.Marshal(Message{
		ID:        e.ID,
		Seq:       e.Seq,
		OrderID:   e.OrderID,
		Type:      e.Type,
		Timestamp: e.Timestamp.UTC(),
		Message:   e.Message,
		Payload:   payload,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode event %s: %w", e.ID, err)
	}
	return kafka.Message{
		Key:   []byte(e.OrderID),
		Value: value,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}, nil
}

// Handle writes one event. It has the signature of an event handler.
func (s *KafkaSink) Handle(ctx context.Context, e order.Event) error {
	msg, err := Encode(e)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write event %s to %s: %w", e.ID, s.topic, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
