package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"

	domain "github.com/feiralivre/api/internal/domain"
)

// PubSubLookupEventPublisher publishes degraded postal lookups to a Pub/Sub topic.
type PubSubLookupEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubLookupEventPublisher constructs a Pub/Sub backed lookup event publisher.
func NewPubSubLookupEventPublisher(topic *pubsub.Topic) (*PubSubLookupEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub lookup publisher: topic is required")
	}
	return &PubSubLookupEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishLookupEvent enqueues the event and waits for the server acknowledgement.
func (p *PubSubLookupEventPublisher) PublishLookupEvent(ctx context.Context, event domain.PostalLookupEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub lookup publisher: not initialised")
	}

	msg := newLookupEventMessage(event)
	data, err := p.marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal lookup event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "postalCode", msg.PostalCode)
	setAttr(attrs, "outcome", msg.Outcome)
	setAttr(attrs, "stateCode", msg.StateCode)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish lookup event: %w", err)
	}
	return nil
}
