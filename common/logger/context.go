package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within
// a context. Fields flow through context enrichment so business context
// (node id, channel, subscription id) shows up in every log statement without
// threading it through call sites.
type LogFields struct {
	NodeID         *int64  // Node being created/updated/swept
	SubscriptionID *int64  // In-memory subscription ID
	SubscriberID   *string // Durable subscriber identity
	Channel        *string // Pub/sub channel
	Component      string  // Component name (e.g., "api.pubsub.delivery")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking
// precedence. Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, override LogFields) LogFields {
	result := existing

	if override.NodeID != nil {
		result.NodeID = override.NodeID
	}
	if override.SubscriptionID != nil {
		result.SubscriptionID = override.SubscriptionID
	}
	if override.SubscriberID != nil {
		result.SubscriberID = override.SubscriberID
	}
	if override.Channel != nil {
		result.Channel = override.Channel
	}
	if override.Component != "" {
		result.Component = override.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline.
func Ptr[T any](v T) *T {
	return &v
}
