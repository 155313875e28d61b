package eventing

import "context"

type envelopeKey struct{}

type metaKey struct{}

// WithEnvelope marks ctx as handling env. Events published while handling it
// inherit its tenant and correlation id.
func WithEnvelope(ctx context.Context, env Envelope) context.Context {
	return context.WithValue(ctx, envelopeKey{}, env)
}

// EnvelopeFromContext returns the envelope being handled, if any.
func EnvelopeFromContext(ctx context.Context) (Envelope, bool) {
	env, ok := ctx.Value(envelopeKey{}).(Envelope)
	return env, ok
}

// WithTenantID overrides the tenant of events published with ctx.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return withMeta(ctx, func(m *Meta) { m.TenantID = tenantID })
}

// WithCorrelationID ties events published with ctx to one request.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return withMeta(ctx, func(m *Meta) { m.CorrelationID = correlationID })
}

// WithEventID fixes the envelope id, making a republish a duplicate.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return withMeta(ctx, func(m *Meta) { m.EventID = eventID })
}

func withMeta(ctx context.Context, fn func(*Meta)) context.Context {
	meta, _ := ctx.Value(metaKey{}).(Meta)
	fn(&meta)
	return context.WithValue(ctx, metaKey{}, meta)
}

// MetaFromContext returns the envelope overrides carried by ctx. Gaps are
// filled from the envelope being handled, then from defaultTenantID.
func MetaFromContext(ctx context.Context, defaultTenantID string) Meta {
	meta, _ := ctx.Value(metaKey{}).(Meta)
	if env, ok := EnvelopeFromContext(ctx); ok {
		if meta.TenantID == "" {
			meta.TenantID = env.TenantID
		}
		if meta.CorrelationID == "" {
			meta.CorrelationID = env.CorrelationID
		}
	}
	if meta.TenantID == "" {
		meta.TenantID = defaultTenantID
	}
	return meta
}
