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
	quotaDecisions  metric.Int64Counter
	usageRecorded   metric.Int64Counter
	usageFailures   metric.Int64Counter
	usageMigrations metric.Int64Counter
	gateFailOpen    metric.Int64Counter
	billingEvents   metric.Int64Counter
	notifications   metric.Int64Counter
}

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
		name = "quotaguard"
	}
	meter := provider.Meter(name)

	quotaDecisions, err := meter.Int64Counter("quotaguard_quota_decisions_total")
	if err != nil {
		return nil, err
	}
	usageRecorded, err := meter.Int64Counter("quotaguard_usage_recorded_total")
	if err != nil {
		return nil, err
	}
	usageFailures, err := meter.Int64Counter("quotaguard_usage_failures_total")
	if err != nil {
		return nil, err
	}
	usageMigrations, err := meter.Int64Counter("quotaguard_usage_migrations_total")
	if err != nil {
		return nil, err
	}
	gateFailOpen, err := meter.Int64Counter("quotaguard_gate_fail_open_total")
	if err != nil {
		return nil, err
	}
	billingEvents, err := meter.Int64Counter("quotaguard_billing_events_total")
	if err != nil {
		return nil, err
	}
	notifications, err := meter.Int64Counter("quotaguard_threshold_notifications_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		quotaDecisions:  quotaDecisions,
		usageRecorded:   usageRecorded,
		usageFailures:   usageFailures,
		usageMigrations: usageMigrations,
		gateFailOpen:    gateFailOpen,
		billingEvents:   billingEvents,
		notifications:   notifications,
	}, nil
}

// RecordQuotaDecision counts usage checks by tier and denial reason.
func (m *Metrics) RecordQuotaDecision(ctx context.Context, tier string, allowed bool, reason string) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	attrs := FilterAttributes(
		attribute.String("tier", strings.TrimSpace(tier)),
		attribute.String("outcome", outcome),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.quotaDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordUsage(ctx context.Context, tier string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("tier", strings.TrimSpace(tier)))
	m.usageRecorded.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUsageFailure counts swallowed storage failures.
func (m *Metrics) RecordUsageFailure(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.usageFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordUsageMigration(ctx context.Context, migrated bool) {
	if m == nil {
		return
	}
	outcome := "noop"
	if migrated {
		outcome = "migrated"
	}
	attrs := FilterAttributes(attribute.String("outcome", outcome))
	m.usageMigrations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordGateFailOpen counts checks allowed because of an infrastructure error.
func (m *Metrics) RecordGateFailOpen(ctx context.Context, check string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("check", strings.TrimSpace(check)))
	m.gateFailOpen.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBillingEvent counts billing events by provider, type and outcome.
func (m *Metrics) RecordBillingEvent(ctx context.Context, provider, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.billingEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordNotification(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.notifications.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"tier":        {},
	"outcome":     {},
	"reason":      {},
	"operation":   {},
	"check":       {},
	"endpoint":    {},
	"status_code": {},
	"provider":    {},
	"event_type":  {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
