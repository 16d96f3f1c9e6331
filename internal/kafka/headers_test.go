package kafka

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderCarrier_SetReplaces(t *testing.T) {
	c := HeaderCarrier{{Key: "traceparent", Value: []byte("old")}}
	c.Set("traceparent", "new")
	c.Set(HeaderEventType, "job:added")

	assert.Equal(t, "new", c.Get("traceparent"))
	assert.Equal(t, "job:added", c.Get(HeaderEventType))
	assert.Equal(t, "", c.Get("missing"))
	assert.ElementsMatch(t, []string{"traceparent", HeaderEventType}, c.Keys())
}

func TestInjectHeaders_IncludesExtra(t *testing.T) {
	hs := injectHeaders(context.Background(), map[string]string{HeaderEventType: "job:failed"})
	assert.Equal(t, "job:failed", HeaderCarrier(hs).Get(HeaderEventType))
}
