package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"

	domain "github.com/feiralivre/api/internal/domain"
)

// KafkaWriter is the subset of kafka.Writer used by the publisher.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaLookupEventPublisher writes degraded postal lookups to a Kafka topic keyed by postal code.
type KafkaLookupEventPublisher struct {
	writer  KafkaWriter
	marshal func(any) ([]byte, error)
}

// NewKafkaWriter builds a writer for the brokers and topic.
func NewKafkaWriter(brokers []string, topic string) (*kafka.Writer, error) {
	var addrs []string
	for _, broker := range brokers {
		if b := strings.TrimSpace(broker); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("kafka lookup publisher: at least one broker is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("kafka lookup publisher: topic is required")
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  strings.TrimSpace(topic),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}, nil
}

// NewKafkaLookupEventPublisher wraps writer.
func NewKafkaLookupEventPublisher(writer KafkaWriter) (*KafkaLookupEventPublisher, error) {
	if writer == nil {
		return nil, errors.New("kafka lookup publisher: writer is required")
	}
	return &KafkaLookupEventPublisher{writer: writer, marshal: json.Marshal}, nil
}

// PublishLookupEvent writes one message per event.
func (p *KafkaLookupEventPublisher) PublishLookupEvent(ctx context.Context, event domain.PostalLookupEvent) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka lookup publisher: not initialised")
	}

	msg := newLookupEventMessage(event)
	data, err := p.marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal lookup event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.PostalCode),
		Value: data,
		Headers: []kafka.Header{
			{Key: "outcome", Value: []byte(msg.Outcome)},
		},
		Time: msg.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("publish lookup event: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaLookupEventPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
