package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"vehicle-loan-ledger/config"
)

func decodeLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestNewLogger_RedactsSensitiveAttrs(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{LogLevel: "INFO", OtelServiceName: "vehicle-loan-ledger", AppEnv: "test"}

	NewLogger(&buf, cfg).Info("payment submitted", "amount", 750, "loan_id", 1, "Token", "eyJ...")

	entry := decodeLogLine(t, &buf)
	assert.Equal(t, redacted, entry["amount"])
	assert.Equal(t, redacted, entry["Token"])
	assert.EqualValues(t, 1, entry["loan_id"])
	assert.Equal(t, "vehicle-loan-ledger", entry["service"])
	assert.Equal(t, "test", entry["env"])
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	cfg := &config.Config{LogLevel: "WARN"}

	logger := NewLogger(&buf, cfg)
	logger.Info("dropped")
	assert.Zero(t, buf.Len())

	logger.Warn("kept")
	assert.Equal(t, "kept", decodeLogLine(t, &buf)["msg"])
}

func TestLedgerLogHandler_TraceFields(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	t.Run("enabled", func(t *testing.T) {
		var buf bytes.Buffer
		cfg := &config.Config{OtelEnabled: true, GoogleCloudProject: "ledger-prod"}
		NewLogger(&buf, cfg).InfoContext(ctx, "loan originated")

		entry := decodeLogLine(t, &buf)
		assert.Equal(t, traceID.String(), entry["trace"])
		assert.Equal(t, spanID.String(), entry["spanId"])
		assert.Equal(t, true, entry["traceSampled"])
		assert.Equal(t, "projects/ledger-prod/traces/"+traceID.String(), entry["logging.googleapis.com/trace"])
	})

	t.Run("disabled", func(t *testing.T) {
		var buf bytes.Buffer
		NewLogger(&buf, &config.Config{}).InfoContext(ctx, "loan originated")

		entry := decodeLogLine(t, &buf)
		assert.NotContains(t, entry, "trace")
		assert.NotContains(t, entry, "logging.googleapis.com/trace")
	})
}
