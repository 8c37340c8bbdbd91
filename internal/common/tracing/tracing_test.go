package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("OTEL_SERVICE_NAME", "")

	cfg := ConfigFromEnv("bff-service", "production")
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "collector:4317", cfg.Endpoint)
	assert.Equal(t, "bff-service", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)

	merged := cfg.Merge(Config{Endpoint: "other:4317", SampleRate: 0.25})
	assert.Equal(t, "other:4317", merged.Endpoint)
	assert.Equal(t, 0.25, merged.SampleRate)
	assert.True(t, merged.Enabled)
}

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Enabled: false}, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
