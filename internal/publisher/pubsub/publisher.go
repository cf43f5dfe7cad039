// Package pubsub publishes render completion events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// Publish marshals payload to JSON, attaches trace context and the event
// type as attributes, and waits for the server-assigned message ID.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload any) (string, error) {
	if p.publisher == nil {
		return "", errors.New("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	attrs := map[string]string{"event_type": eventType}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attrs))

	id, err := p.publisher.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes outstanding messages.
func (p *Publisher) Stop() {
	if p.publisher != nil {
		p.publisher.Stop()
	}
}
