package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	serviceName    = "ibvping"
	serviceVersion = "0.1.0"
	meterName      = "github.com/yuuki/ibvsock/probe"
	exportInterval = 10 * time.Second
)

// Metrics contains the probe instruments. The meter provider behind it is
// installed globally, so the transport counters of every socket are
// exported through the same pipeline.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	// RTT (Round-Trip Time) as Histogram
	rttHistogram metric.Float64Histogram

	timeoutCounter metric.Int64Counter
	failureCounter metric.Int64Counter
}

// collectorEndpoint splits an OTLP collector address into scheme and
// host:port. Schemeless addresses default to grpc.
func collectorEndpoint(collectorAddr string) (scheme, endpoint string, err error) {
	parsedURL, err := url.Parse(collectorAddr)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse otel-collector-addr '%s': %w", collectorAddr, err)
	}

	endpoint = parsedURL.Host
	if endpoint == "" {
		// "localhost:4317" parses as scheme "localhost" with opaque "4317"
		if !strings.Contains(collectorAddr, "/") && strings.Contains(collectorAddr, ":") {
			return "grpc", collectorAddr, nil
		}
		return "", "", fmt.Errorf("otel-collector-addr '%s' is missing a host or is not a valid schemeless address (e.g. localhost:4317)", collectorAddr)
	}

	scheme = strings.ToLower(parsedURL.Scheme)
	if scheme == "" {
		scheme = "grpc"
	}
	return scheme, endpoint, nil
}

func newExporter(ctx context.Context, collectorAddr string) (sdkmetric.Exporter, error) {
	scheme, endpoint, err := collectorEndpoint(collectorAddr)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch scheme {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint))
	case "http":
		exporter, err = otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	case "https":
		exporter, err = otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint))
	default:
		return nil, fmt.Errorf("unsupported OTLP exporter protocol scheme: '%s' in %s. Use 'grpc', 'grpcs', 'http', or 'https'", scheme, collectorAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", scheme, endpoint, err)
	}
	return exporter, nil
}

// NewMetrics creates a meter provider exporting to collectorAddr every 10
// seconds and installs it as the global provider.
func NewMetrics(ctx context.Context, instanceID, collectorAddr string) (*Metrics, error) {
	exporter, err := newExporter(ctx, collectorAddr)
	if err != nil {
		return nil, err
	}
	return newMetrics(instanceID, sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval)))
}

func newMetrics(instanceID string, reader sdkmetric.Reader) (*Metrics, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter(meterName)

	rttHistogram, err := meter.Float64Histogram(
		"ibvsock.probe.rtt",
		metric.WithDescription("Echo probe round-trip time in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	timeoutCounter, err := meter.Int64Counter(
		"ibvsock.probe.timeouts",
		metric.WithDescription("Number of probe timeouts"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, err
	}

	failureCounter, err := meter.Int64Counter(
		"ibvsock.probe.failure",
		metric.WithDescription("Number of probes that failed for reasons other than a timeout"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		provider:       provider,
		rttHistogram:   rttHistogram,
		timeoutCounter: timeoutCounter,
		failureCounter: failureCounter,
	}, nil
}

// RecordRTT records a round-trip time
func (m *Metrics) RecordRTT(ctx context.Context, rtt time.Duration, attributes ...metric.RecordOption) {
	m.rttHistogram.Record(ctx, float64(rtt.Nanoseconds())/1_000_000.0, attributes...)
}

// RecordTimeout records a probe timeout
func (m *Metrics) RecordTimeout(ctx context.Context, attributes ...metric.AddOption) {
	m.timeoutCounter.Add(ctx, 1, attributes...)
}

// RecordFailure records a failed probe
func (m *Metrics) RecordFailure(ctx context.Context, attributes ...metric.AddOption) {
	m.failureCounter.Add(ctx, 1, attributes...)
}

// Shutdown flushes and stops the metrics provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
