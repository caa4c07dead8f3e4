package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	deductions    metric.Int64Counter
	fallbacks     metric.Int64Counter
	duplicates    metric.Int64Counter
	batchFlushes  metric.Int64Counter
	batchedEvents metric.Int64Counter
}

// Deduction path labels.
const (
	PathFast     = "fast"
	PathFallback = "fallback"
)

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "drawdown"
	}
	meter := provider.Meter(name)

	deductions, err := meter.Int64Counter("drawdown_deductions_total")
	if err != nil {
		return nil, err
	}
	fallbacks, err := meter.Int64Counter("drawdown_fallbacks_total")
	if err != nil {
		return nil, err
	}
	duplicates, err := meter.Int64Counter("drawdown_duplicate_requests_total")
	if err != nil {
		return nil, err
	}
	batchFlushes, err := meter.Int64Counter("drawdown_usage_batch_flushes_total")
	if err != nil {
		return nil, err
	}
	batchedEvents, err := meter.Int64Counter("drawdown_usage_batched_events_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		deductions:    deductions,
		fallbacks:     fallbacks,
		duplicates:    duplicates,
		batchFlushes:  batchFlushes,
		batchedEvents: batchedEvents,
	}, nil
}

// RecordDeduction counts one resolved deduction by path and outcome.
func (m *Metrics) RecordDeduction(ctx context.Context, path, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("path", strings.TrimSpace(path)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.deductions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordFallback counts a fast-path miss routed to the durable store.
func (m *Metrics) RecordFallback(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.fallbacks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDuplicate counts a rejected retry.
func (m *Metrics) RecordDuplicate(ctx context.Context) {
	if m == nil {
		return
	}
	m.duplicates.Add(ctx, 1)
}

// RecordBatchFlush counts one flush and the events it wrote.
func (m *Metrics) RecordBatchFlush(ctx context.Context, events int) {
	if m == nil {
		return
	}
	m.batchFlushes.Add(ctx, 1)
	m.batchedEvents.Add(ctx, int64(events))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"path":    {},
	"outcome": {},
	"reason":  {},
}

// FilterAttributes drops labels outside the allowlist so high-cardinality
// values (customer IDs, idempotency keys) never become metric labels.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		if strings.TrimSpace(attr.Value.Emit()) == "" {
			continue
		}
		out = append(out, attr)
	}
	return out
}
