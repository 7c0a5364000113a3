package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
)

func TestPublishRequiresClient(t *testing.T) {
	t.Parallel()

	p := New(nil)
	_, err := p.Publish(context.Background(), "topic", map[string]string{"k": "v"})
	require.Error(t, err)
	require.NoError(t, p.Close())
}

func TestPubsubCarrier(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{"analysis_id": "a1"}}
	var _ propagation.TextMapCarrier = c
	c.Set("traceparent", "00-abc")
	require.Equal(t, "00-abc", c.Get("traceparent"))
	require.ElementsMatch(t, []string{"analysis_id", "traceparent"}, c.Keys())
}
