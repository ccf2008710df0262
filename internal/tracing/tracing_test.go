package tracing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/warp/rewards-ledger/internal/config"
	"github.com/warp/rewards-ledger/internal/tracing"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	shutdown, err := tracing.Init(config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	_, span := otel.Tracer("test").Start(context.Background(), "unit")
	defer span.End()

	assert.False(t, span.SpanContext().IsValid())
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_InstallsW3CPropagator(t *testing.T) {
	_, err := tracing.Init(config.TracingConfig{Enabled: false})
	require.NoError(t, err)

	fields := otel.GetTextMapPropagator().Fields()
	assert.Contains(t, fields, "traceparent")
	assert.Contains(t, fields, "baggage")
}
