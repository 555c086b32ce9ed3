package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	for _, dev := range []bool{true, false} {
		logger, err := NewLogger(dev)
		require.NoError(t, err)
		assert.NotNil(t, logger)
	}
}

func TestBootstrapLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := BootstrapLogger(&buf)
	logger.Error("invalid configuration", zap.Error(errors.New("RENTAL_MAX_ACTIVE: bad value")))
	require.NoError(t, logger.Sync())

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, "invalid configuration", line["msg"])
	assert.Equal(t, "RENTAL_MAX_ACTIVE: bad value", line["error"])
	assert.Contains(t, line, "timestamp")
}

func TestSetupOTel_Disabled(t *testing.T) {
	shutdown, err := SetupOTel(context.Background(), "", "mancanexus", "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupOTel_InstallsProviders(t *testing.T) {
	shutdown, err := SetupOTel(context.Background(), "http://127.0.0.1:4318", "mancanexus", "test")
	require.NoError(t, err)
	t.Cleanup(func() {
		// No collector is listening; a failed final export is expected.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = shutdown(ctx)
	})

	assert.IsType(t, &sdktrace.TracerProvider{}, otel.GetTracerProvider())
	assert.IsType(t, &sdkmetric.MeterProvider{}, otel.GetMeterProvider())
}

func TestSetupOTel_InvalidEndpoint(t *testing.T) {
	_, err := SetupOTel(context.Background(), "ftp://collector", "mancanexus", "test")
	assert.Error(t, err)
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		want     otlpTarget
	}{
		{"collector:4318", otlpTarget{host: "collector:4318"}},
		{"http://127.0.0.1:4318", otlpTarget{host: "127.0.0.1:4318", insecure: true}},
		{"https://otlp.example.com/otlp/", otlpTarget{host: "otlp.example.com", basePath: "/otlp"}},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			got, err := parseEndpoint(tt.endpoint)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := parseEndpoint("http://")
	assert.Error(t, err)
}
