package kafka

import (
	"context"

	segkafka "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// HeaderCarrier adapts Kafka message headers to the OpenTelemetry
// propagation.TextMapCarrier interface.
type HeaderCarrier []segkafka.Header

// Get returns the value for the first header matching key, or "".
func (c HeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set writes key/value, replacing any existing header with the same key.
func (c *HeaderCarrier) Set(key, value string) {
	filtered := (*c)[:0]
	for _, h := range *c {
		if h.Key != key {
			filtered = append(filtered, h)
		}
	}
	*c = append(filtered, segkafka.Header{Key: key, Value: []byte(value)})
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}

// injectHeaders returns headers carrying the trace context of ctx plus extra.
func injectHeaders(ctx context.Context, extra map[string]string) []segkafka.Header {
	headers := make(HeaderCarrier, 0, len(extra)+2)
	otel.GetTextMapPropagator().Inject(ctx, &headers)
	for k, v := range extra {
		headers.Set(k, v)
	}
	return []segkafka.Header(headers)
}

// extractContext continues the trace carried by headers, if any.
func extractContext(ctx context.Context, headers []segkafka.Header) context.Context {
	carrier := HeaderCarrier(headers)
	return otel.GetTextMapPropagator().Extract(ctx, &carrier)
}
