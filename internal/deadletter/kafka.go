package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/agentworkforce/tasksync/internal/canonical"
)

const DefaultTopic = "tasksync.deadletters"

var ErrNoBrokers = errors.New("deadletter: no kafka brokers configured")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes each dead letter as a JSON message keyed by item id, so
// letters for one item land on one partition in order.
type KafkaSink struct {
	topic  string
	writer messageWriter
	now    func() time.Time
}

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	cleaned := make([]string, 0, len(brokers))
	for _, broker := range brokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			cleaned = append(cleaned, broker)
		}
	}
	if len(cleaned) == 0 {
		return nil, ErrNoBrokers
	}
	if strings.TrimSpace(topic) == "" {
		topic = DefaultTopic
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cleaned...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		Async:        false,
	}
	return newKafkaSink(topic, writer), nil
}

func newKafkaSink(topic string, writer messageWriter) *KafkaSink {
	return &KafkaSink{topic: topic, writer: writer, now: time.Now}
}

func (s *KafkaSink) Publish(ctx context.Context, letter canonical.DeadLetter) error {
	value, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", letter.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(letter.ItemID),
		Value: value,
		Time:  s.now().UTC(),
		Headers: []kafka.Header{
			{Key: "platform", Value: []byte(letter.TargetPlatform)},
			{Key: "class", Value: []byte(letter.Class)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish dead letter %s to %s: %w", letter.ID, s.topic, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
