package telemetry

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-storefront/internal/config"
)

func TestNewWithoutEndpointIsNoop(t *testing.T) {
	provider, err := New(context.Background(), config.Config{ServiceName: "valora-storefront"}, zap.NewNop())
	require.NoError(t, err)
	require.False(t, provider.Enabled())
	require.NotNil(t, provider.Tracer())

	_, span := provider.Tracer().Start(context.Background(), "noop")
	require.False(t, span.SpanContext().IsSampled())
	span.End()

	require.NoError(t, provider.Shutdown(context.Background()))

	var nilProvider *Provider
	require.False(t, nilProvider.Enabled())
	require.NoError(t, nilProvider.Shutdown(context.Background()))
}

func TestResourceDescribesStorefront(t *testing.T) {
	res, err := Resource(context.Background(), config.Config{
		ServiceName:       "valora-storefront",
		ServiceVersion:    "1.4.2",
		Environment:       "production",
		MarketplaceAPIURL: "https://api.mercadolibre.com",
		PaymentsAPIURL:    "https://api.mercadopago.com/v1",
		WebhookMaxRetries: 5,
	})
	require.NoError(t, err)

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range res.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	require.Equal(t, "valora-storefront", attrs["service.name"].AsString())
	require.Equal(t, "1.4.2", attrs["service.version"].AsString())
	require.Equal(t, "production", attrs["deployment.environment"].AsString())
	require.Equal(t, "api.mercadolibre.com", attrs["storefront.marketplace.host"].AsString())
	require.Equal(t, "api.mercadopago.com", attrs["storefront.payments.host"].AsString())
	require.EqualValues(t, 5, attrs["storefront.webhook.max_retries"].AsInt64())
}

func TestSampler(t *testing.T) {
	require.True(t, strings.HasPrefix(Sampler(1).Description(), "ParentBased{root:AlwaysOnSampler,"))
	require.True(t, strings.HasPrefix(Sampler(2).Description(), "ParentBased{root:AlwaysOnSampler,"))
	require.True(t, strings.HasPrefix(Sampler(0).Description(), "ParentBased{root:AlwaysOffSampler,"))
	require.True(t, strings.HasPrefix(Sampler(0.25).Description(), "ParentBased{root:TraceIDRatioBased{0.25},"))
}

func TestExporterOptionsAcceptURLOrHost(t *testing.T) {
	require.Len(t, exporterOptions(config.Config{TelemetryEndpoint: "collector:4318"}), 1)
	require.Len(t, exporterOptions(config.Config{TelemetryEndpoint: "https://collector.test/v1/traces"}), 1)
	require.Len(t, exporterOptions(config.Config{TelemetryEndpoint: "collector:4318", TelemetryInsecure: true}), 2)
}
