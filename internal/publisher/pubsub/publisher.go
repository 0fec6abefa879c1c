// Package pubsub publishes job outcome events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/catalog-refresher/internal/catalog"
)

// Config names the project and topic.
type Config struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

type publishFunc func(ctx context.Context, msg *pubsub.Message) (string, error)

// Publisher sends catalog.JobEvent messages as JSON.
type Publisher struct {
	publish publishFunc
	stop    func()
}

// Open connects to Pub/Sub and binds the configured topic.
func Open(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, fmt.Errorf("pubsub.project_id and pubsub.topic_id are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.TopicID)
	p := New(topic)
	p.stop = func() {
		topic.Stop()
		_ = client.Close()
	}
	return p, nil
}

// New creates a Publisher for an existing topic handle.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{
		publish: func(ctx context.Context, msg *pubsub.Message) (string, error) {
			return topic.Publish(ctx, msg).Get(ctx)
		},
		stop: topic.Stop,
	}
}

// Publish marshals the event and waits for the server acknowledgement.
func (p *Publisher) Publish(ctx context.Context, event catalog.JobEvent) error {
	if p == nil || p.publish == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"job_id": event.JobID,
			"kind":   string(event.Kind),
			"status": string(event.Status),
		},
	}
	if _, err := p.publish(ctx, msg); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Close flushes pending messages.
func (p *Publisher) Close() error {
	if p != nil && p.stop != nil {
		p.stop()
	}
	return nil
}
