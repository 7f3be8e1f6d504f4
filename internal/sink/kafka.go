// Package sink forwards detections to external systems.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/christian-lee/birdsong/internal/session"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes each detection as JSON, keyed by session ID so a session's
// detections land on one partition in order.
type Kafka struct {
	w       messageWriter
	timeout time.Duration
}

type KafkaOption func(*kafka.Writer)

func WithBatchTimeout(d time.Duration) KafkaOption {
	return func(w *kafka.Writer) { w.BatchTimeout = d }
}

func WithAsync(async bool) KafkaOption {
	return func(w *kafka.Writer) { w.Async = async }
}

func WithRequiredAcks(acks kafka.RequiredAcks) KafkaOption {
	return func(w *kafka.Writer) { w.RequiredAcks = acks }
}

// ParseRequiredAcks accepts none, one or all (or 0, 1, -1).
func ParseRequiredAcks(s string) (kafka.RequiredAcks, error) {
	var acks kafka.RequiredAcks
	if err := acks.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return 0, err
	}
	return acks, nil
}

func NewKafka(brokers []string, topic string, opts ...KafkaOption) *Kafka {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	for _, o := range opts {
		o(w)
	}
	return &Kafka{w: w, timeout: 5 * time.Second}
}

// Event is the published payload.
type Event struct {
	SessionID string        `json:"session_id"`
	Entry     session.Entry `json:"entry"`
	Emoji     string        `json:"emoji,omitempty"`
	Distance  float64       `json:"distance"`
}

func Message(d session.Detection) (kafka.Message, error) {
	body, err := json.Marshal(Event{
		SessionID: d.SessionID,
		Entry:     d.Entry(),
		Emoji:     d.Result.Signature.Emoji,
		Distance:  d.Result.Distance,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode detection: %w", err)
	}
	return kafka.Message{
		Key:   []byte(d.SessionID),
		Value: body,
		Time:  d.Timestamp,
		Headers: []kafka.Header{
			{Key: "species", Value: []byte(d.Result.Signature.Key)},
		},
	}, nil
}

func (k *Kafka) Observe(ctx context.Context, d session.Detection) error {
	msg, err := Message(d)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.w.Close()
}
