package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kbukum/condflow/logger"
)

// MeterConfig configures the OpenTelemetry meter provider.
type MeterConfig struct {
	// Enabled turns on OTLP metric export.
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`
	// ServiceName is the name of the service.
	ServiceName string `yaml:"service_name" mapstructure:"service_name" json:"service_name"`
	// ServiceVersion is the version of the service.
	ServiceVersion string `yaml:"service_version" mapstructure:"service_version" json:"service_version"`
	// Environment is the deployment environment (dev, staging, prod).
	Environment string `yaml:"environment" mapstructure:"environment" json:"environment"`
	// Endpoint is the OTLP HTTP endpoint host:port (e.g., "localhost:4318").
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" json:"endpoint"`
	// Insecure allows insecure connections (for development).
	Insecure bool `yaml:"insecure" mapstructure:"insecure" json:"insecure"`
	// Interval is the metric export interval.
	Interval time.Duration `yaml:"interval" mapstructure:"interval" json:"interval"`
}

// DefaultMeterConfig returns sensible defaults for development.
func DefaultMeterConfig(serviceName string) MeterConfig {
	return MeterConfig{
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Endpoint:       "localhost:4318",
		Insecure:       true,
		Interval:       15 * time.Second,
	}
}

// InitMeter initializes the global meter provider with an OTLP/HTTP exporter.
// Returns a MeterProvider that should be shut down on application exit.
func InitMeter(ctx context.Context, config *MeterConfig, log *logger.Logger) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(config.Endpoint),
	}
	if config.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	res, err := newResource(config.ServiceName, config.ServiceVersion, config.Environment)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	readerOpts := []sdkmetric.PeriodicReaderOption{}
	if config.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(config.Interval))
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(mp)

	if log != nil {
		log.Info("meter initialized", logger.Fields(
			"endpoint", config.Endpoint,
			"interval", config.Interval.String(),
		))
	}

	return mp, nil
}

// Meter returns a named meter from the global provider.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}

// Metrics holds the instruments recorded by the pipeline engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	runTotal     metric.Int64Counter
	runActive    metric.Int64UpDownCounter
	runDuration  metric.Float64Histogram
	nodeTotal    metric.Int64Counter
	nodeDuration metric.Float64Histogram
	cacheLookups metric.Int64Counter
	branchTotal  metric.Int64Counter
}

// NewMetrics creates metric instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runTotal, err := meter.Int64Counter("condflow.run.total",
		metric.WithDescription("Finished runs by pipeline and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating condflow.run.total counter: %w", err)
	}

	runActive, err := meter.Int64UpDownCounter("condflow.run.active",
		metric.WithDescription("Number of runs in progress"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating condflow.run.active gauge: %w", err)
	}

	runDuration, err := meter.Float64Histogram("condflow.run.duration",
		metric.WithDescription("Duration of runs in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating condflow.run.duration histogram: %w", err)
	}

	nodeTotal, err := meter.Int64Counter("condflow.node.total",
		metric.WithDescription("Finished nodes by kind and status"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating condflow.node.total counter: %w", err)
	}

	nodeDuration, err := meter.Float64Histogram("condflow.node.duration",
		metric.WithDescription("Duration of nodes in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating condflow.node.duration histogram: %w", err)
	}

	cacheLookups, err := meter.Int64Counter("condflow.cache.lookups",
		metric.WithDescription("Step cache lookups by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating condflow.cache.lookups counter: %w", err)
	}

	branchTotal, err := meter.Int64Counter("condflow.branch.selected",
		metric.WithDescription("Branch selections by condition node"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating condflow.branch.selected counter: %w", err)
	}

	return &Metrics{
		runTotal:     runTotal,
		runActive:    runActive,
		runDuration:  runDuration,
		nodeTotal:    nodeTotal,
		nodeDuration: nodeDuration,
		cacheLookups: cacheLookups,
		branchTotal:  branchTotal,
	}, nil
}

// RecordRunStart increments the active run count.
func (m *Metrics) RecordRunStart(ctx context.Context, pipeline string) {
	if m == nil {
		return
	}
	m.runActive.Add(ctx, 1, metric.WithAttributes(attribute.String("pipeline", pipeline)))
}

// RecordRunEnd decrements active runs and records the finished run.
func (m *Metrics) RecordRunEnd(ctx context.Context, pipeline, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runActive.Add(ctx, -1, metric.WithAttributes(attribute.String("pipeline", pipeline)))
	m.runTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("outcome", outcome),
	))
	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("pipeline", pipeline),
	))
}

// RecordNode records a node reaching a terminal status.
func (m *Metrics) RecordNode(ctx context.Context, pipeline, kind, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.nodeTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
	m.nodeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("kind", kind),
	))
}

// RecordCacheLookup records a step cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, pipeline string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("result", result),
	))
}

// RecordBranch records the branch chosen by a condition node.
func (m *Metrics) RecordBranch(ctx context.Context, pipeline, node, branch string) {
	if m == nil {
		return
	}
	m.branchTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("node", node),
		attribute.String("branch", branch),
	))
}
