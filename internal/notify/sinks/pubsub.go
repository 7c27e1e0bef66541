package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/deepscout/research-coordinator/internal/coordinator"
)

// PubSubSink publishes notifications to a Pub/Sub topic consumed by the
// operator's desktop client.
type PubSubSink struct {
	topic *pubsub.Topic
}

// NewPubSub constructs a PubSubSink for the provided topic.
func NewPubSub(topic *pubsub.Topic) (*PubSubSink, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &PubSubSink{topic: topic}, nil
}

// Name identifies the sink in metrics and logs.
func (*PubSubSink) Name() string {
	return "pubsub"
}

// Send marshals the notification to JSON and publishes it.
func (s *PubSubSink) Send(ctx context.Context, n coordinator.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	result := s.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"urgency": n.Urgency},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
