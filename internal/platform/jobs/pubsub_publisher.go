package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	domain "github.com/lumiframe/api/internal/domain"
	"github.com/lumiframe/api/internal/services"
)

// PubSubShippingEventPublisher publishes shipping order events to a Pub/Sub topic.
type PubSubShippingEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubShippingEventPublisher constructs a Pub/Sub backed shipping event publisher.
// When the topic has message ordering enabled, events for one order share an ordering key.
func NewPubSubShippingEventPublisher(topic *pubsub.Topic) (*PubSubShippingEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub shipping publisher: topic is required")
	}
	return &PubSubShippingEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishShippingEvent sends the event and waits for the server acknowledgement.
func (p *PubSubShippingEventPublisher) PublishShippingEvent(ctx context.Context, event domain.ShippingOrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub shipping publisher: not initialised")
	}
	if strings.TrimSpace(event.Type) == "" || strings.TrimSpace(event.OrderID) == "" {
		return errors.New("pubsub shipping publisher: event type and order id are required")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal shipping event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", event.Status)
	if !event.OccurredAt.IsZero() {
		attrs["occurredAt"] = event.OccurredAt.UTC().Format(time.RFC3339Nano)
	}

	msg := &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	}
	if p.topic.EnableMessageOrdering {
		msg.OrderingKey = event.OrderID
	}

	result := p.topic.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		if msg.OrderingKey != "" {
			p.topic.ResumePublish(msg.OrderingKey)
		}
		return fmt.Errorf("publish shipping event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

var _ services.ShippingEventPublisher = (*PubSubShippingEventPublisher)(nil)
