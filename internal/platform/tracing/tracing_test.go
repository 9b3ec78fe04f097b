package tracing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"queryprism/internal/platform/tracing"
)

func TestDisabledTracingIsNoop(t *testing.T) {
	shutdown := tracing.Init(context.Background(), tracing.Options{}, zap.NewNop())
	assert.NoError(t, shutdown(context.Background()))
}

func TestEnabledTracingShutsDownCleanly(t *testing.T) {
	ctx := context.Background()
	shutdown := tracing.Init(ctx, tracing.Options{Enabled: true, Endpoint: "127.0.0.1:1", ServiceName: "queryprism-test"}, zap.NewNop())
	// nothing was exported, so shutdown has no spans to flush
	assert.NoError(t, shutdown(ctx))
}
