package voice

import (
	"context"
	"encoding/json"
)

// Transport publishes side-channel payloads as data frames through the
// registry. It implements delivery.Transport.
type Transport struct {
	registry *Registry
}

// NewTransport creates a Transport over registry.
func NewTransport(registry *Registry) *Transport {
	return &Transport{registry: registry}
}

// Publish sends one data frame to destination.
func (t *Transport) Publish(ctx context.Context, destination, topic string, payload []byte, reliable bool) error {
	return t.registry.Send(ctx, destination, Frame{
		Type:     FrameData,
		Topic:    topic,
		Payload:  json.RawMessage(payload),
		Reliable: reliable,
	})
}
