package eventing

import (
	"context"
	"time"

	"metrology-cloud/internal/observability/metrics"
)

// ProcessedStore records which envelopes each consumer has handled.
type ProcessedStore interface {
	HasProcessed(ctx context.Context, env Envelope, consumerName string) (bool, error)
	MarkProcessed(ctx context.Context, env Envelope, consumerName string) error
}

// Subscribe wraps handler with idempotency if store is provided.
func Subscribe(bus Bus, eventType, consumerName string, handler EventHandler, store ProcessedStore) {
	if store == nil {
		bus.Subscribe(eventType, handler)
		return
	}
	bus.Subscribe(eventType, WrapHandler(consumerName, handler, store))
}

// WrapHandler enforces idempotency per consumer.
func WrapHandler(consumerName string, handler EventHandler, store ProcessedStore) EventHandler {
	return func(ctx context.Context, event any) error {
		env, ok := EnvelopeFromContext(ctx)
		if !ok || env.EventID == "" {
			return handler(ctx, event)
		}
		processed, err := store.HasProcessed(ctx, env, consumerName)
		if err != nil {
			return err
		}
		if processed {
			return nil
		}
		observeConsumerLag(ctx, event, consumerName)
		if err := handler(ctx, event); err != nil {
			return err
		}
		return store.MarkProcessed(ctx, env, consumerName)
	}
}

func observeConsumerLag(ctx context.Context, event any, consumerName string) {
	occurredAt := time.Time{}
	if env, ok := EnvelopeFromContext(ctx); ok {
		occurredAt = env.OccurredAt
	}
	if occurredAt.IsZero() {
		occurredAt = extractOccurredAt(event)
	}
	if occurredAt.IsZero() {
		return
	}
	metrics.ObserveConsumerLag(consumerName, time.Since(occurredAt))
}

func extractOccurredAt(event any) time.Time {
	if event == nil {
		return time.Time{}
	}
	return extractTimeField(event, "OccurredAt")
}
