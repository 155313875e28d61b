package eventing

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"metrology-cloud/internal/observability/metrics"
)

const slowPublishThreshold = 50 * time.Millisecond

// Publisher writes events to outbox and optionally triggers dispatch.
type Publisher struct {
	outbox   OutboxWriter
	dispatch *Dispatcher
	tenantID string
	sub      Subscriber
	logger   logrus.FieldLogger
}

// OutboxWriter inserts outbox records.
type OutboxWriter interface {
	Insert(ctx context.Context, env Envelope) (string, error)
}

// Subscriber registers handlers.
type Subscriber interface {
	Subscribe(eventType string, handler EventHandler)
}

// NewPublisher constructs a publisher. dispatch may be nil when a background
// loop drains the outbox.
func NewPublisher(outbox OutboxWriter, dispatch *Dispatcher, tenantID string, sub Subscriber) *Publisher {
	return &Publisher{outbox: outbox, dispatch: dispatch, tenantID: tenantID, sub: sub, logger: logrus.StandardLogger()}
}

// SetLogger replaces the publisher logger.
func (p *Publisher) SetLogger(logger logrus.FieldLogger) {
	if p != nil && logger != nil {
		p.logger = logger
	}
}

// Publish writes the event to outbox and triggers dispatch.
func (p *Publisher) Publish(ctx context.Context, event any) error {
	start := time.Now()
	result := metrics.ResultSuccess
	if p == nil || p.outbox == nil {
		metrics.ObserveOutboxPublish(result, time.Since(start))
		return nil
	}
	meta := MetaFromContext(ctx, p.tenantID)
	env, err := BuildEnvelope(event, meta)
	if err != nil {
		metrics.ObserveOutboxPublish(metrics.ResultError, time.Since(start))
		return err
	}
	if _, err := p.outbox.Insert(ctx, env); err != nil {
		metrics.ObserveOutboxPublish(metrics.ResultError, time.Since(start))
		return err
	}
	duration := time.Since(start)
	metrics.ObserveOutboxPublish(result, duration)
	if duration > slowPublishThreshold {
		p.logger.WithFields(logrus.Fields{
			"duration_ms": duration.Milliseconds(),
			"event_type":  env.EventType,
		}).Warn("slow outbox publish")
	}
	if p.dispatch != nil {
		if _, err := p.dispatch.Dispatch(ctx, 1); err != nil {
			p.logger.WithError(err).Warn("inline dispatch failed")
		}
	}
	return nil
}

// Subscribe delegates to the underlying subscriber when available.
func (p *Publisher) Subscribe(eventType string, handler EventHandler) {
	if p == nil || p.sub == nil {
		return
	}
	p.sub.Subscribe(eventType, handler)
}
