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
	usageIngest        metric.Int64Counter
	usageDuplicates    metric.Int64Counter
	paymentEvents      metric.Int64Counter
	entitlementDenials metric.Int64Counter
	rentalTransitions  metric.Int64Counter
	compensations      metric.Int64Counter
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
		name = "letscoldcall"
	}
	meter := provider.Meter(name)

	usageIngest, err := meter.Int64Counter("coldcall_usage_ingest_total")
	if err != nil {
		return nil, err
	}
	usageDuplicates, err := meter.Int64Counter("coldcall_usage_duplicates_total")
	if err != nil {
		return nil, err
	}
	paymentEvents, err := meter.Int64Counter("coldcall_payment_events_total")
	if err != nil {
		return nil, err
	}
	entitlementDenials, err := meter.Int64Counter("coldcall_entitlement_denials_total")
	if err != nil {
		return nil, err
	}
	rentalTransitions, err := meter.Int64Counter("coldcall_rental_transitions_total")
	if err != nil {
		return nil, err
	}
	compensations, err := meter.Int64Counter("coldcall_provisioning_compensations_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		usageIngest:        usageIngest,
		usageDuplicates:    usageDuplicates,
		paymentEvents:      paymentEvents,
		entitlementDenials: entitlementDenials,
		rentalTransitions:  rentalTransitions,
		compensations:      compensations,
	}, nil
}

// RecordUsageIngest increments usage ingest counts.
func (m *Metrics) RecordUsageIngest(ctx context.Context, kind, direction string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("kind", strings.TrimSpace(kind)),
		attribute.String("direction", strings.TrimSpace(direction)),
	)
	m.usageIngest.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUsageDuplicate increments counts of replayed events skipped by the ledger.
func (m *Metrics) RecordUsageDuplicate(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("kind", strings.TrimSpace(kind)))
	m.usageDuplicates.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPaymentEvent increments payment event counts.
func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.paymentEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEntitlementDenial increments entitlement denial counts.
func (m *Metrics) RecordEntitlementDenial(ctx context.Context, action, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("action", strings.TrimSpace(action)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.entitlementDenials.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRentalTransition increments rental lifecycle transition counts.
func (m *Metrics) RecordRentalTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from", strings.TrimSpace(from)),
		attribute.String("to", strings.TrimSpace(to)),
	)
	m.rentalTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCompensation increments provisioning compensation counts.
func (m *Metrics) RecordCompensation(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("stage", strings.TrimSpace(stage)))
	m.compensations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
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
	"kind":       {},
	"direction":  {},
	"provider":   {},
	"event_type": {},
	"action":     {},
	"reason":     {},
	"from":       {},
	"to":         {},
	"stage":      {},
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
