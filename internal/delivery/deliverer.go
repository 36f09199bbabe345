// Package delivery mirrors auxiliary turn payloads to a live participant over
// an unreliable transport with bounded retries.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Defaults applied when Config leaves a field unset.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// Transport publishes one payload to one connected participant.
// Any error is treated as retryable.
type Transport interface {
	Publish(ctx context.Context, destination, topic string, payload []byte, reliable bool) error
}

// Outcome is the terminal state of a delivery.
type Outcome string

// Delivery outcomes.
const (
	Delivered Outcome = "delivered"
	Exhausted Outcome = "exhausted"
)

// Attempt describes one send of a delivery.
type Attempt struct {
	DeliveryID  string
	Number      int
	MaxAttempts int
	Delay       time.Duration
}

// Config tunes a Deliverer.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
}

// Deliverer sends payloads with a fixed delay between sequential attempts.
type Deliverer struct {
	transport  Transport
	maxRetries int
	delay      time.Duration
	logger     *slog.Logger
}

// NewDeliverer creates a Deliverer over transport.
func NewDeliverer(transport Transport, cfg Config, logger *slog.Logger) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Deliverer{
		transport:  transport,
		maxRetries: cfg.MaxRetries,
		delay:      cfg.RetryDelay,
		logger:     logger,
	}
}

// Deliver sends payload to destination on topic.
//
// The payload is JSON-encoded on every attempt. Transport failures are
// retried up to the configured limit; exhaustion is logged and returned as
// Exhausted, never as an error.
func (d *Deliverer) Deliver(ctx context.Context, destination, topic string, payload any) Outcome {
	deliveryID := uuid.NewString()
	maxAttempts := d.maxRetries + 1

	ctx, span := tracer.Start(ctx, "deliver side-channel item", trace.WithAttributes(
		attribute.String("delivery.id", deliveryID),
		attribute.String("delivery.topic", topic),
		attribute.String("delivery.destination", destination),
	))
	defer span.End()

	number := 0
	var lastErr error
	backoff := retry.WithMaxRetries(uint64(d.maxRetries), retry.NewConstant(d.delay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		number++
		attempt := Attempt{DeliveryID: deliveryID, Number: number, MaxAttempts: maxAttempts, Delay: d.delay}

		encoded, err := json.Marshal(payload)
		if err != nil {
			lastErr = fmt.Errorf("encode payload: %w", err)
			return lastErr
		}

		span.AddEvent("attempt", trace.WithAttributes(attribute.Int("delivery.attempt", attempt.Number)))
		if err := d.transport.Publish(ctx, destination, topic, encoded, true); err != nil {
			lastErr = err
			if attempt.Number < attempt.MaxAttempts {
				d.logger.Warn("[DELIVERY] Failed to publish data, retrying",
					"delivery_id", attempt.DeliveryID,
					"topic", topic,
					"destination", destination,
					"attempt", attempt.Number,
					"max_attempts", attempt.MaxAttempts,
					"delay", attempt.Delay,
					"error", err,
				)
			}
			return retry.RetryableError(err)
		}
		return nil
	})

	if err == nil {
		d.logger.Debug("[DELIVERY] Published data",
			"delivery_id", deliveryID,
			"topic", topic,
			"destination", destination,
			"attempt", number,
		)
		return Delivered
	}

	if lastErr == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		lastErr = err
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	d.logger.Error("[DELIVERY] Failed to publish data after retries",
		"delivery_id", deliveryID,
		"topic", topic,
		"destination", destination,
		"attempts", number,
		"error", lastErr,
	)
	return Exhausted
}
