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
	paymentEvents     metric.Int64Counter
	ledgerAdjustments metric.Int64Counter
	routedMessages    metric.Int64Counter
	routingFailures   metric.Int64Counter
	deliveryAcks      metric.Int64Counter
	checkoutSessions  metric.Int64Counter
	rateLimitAllowed  metric.Int64Counter
	rateLimitDenied   metric.Int64Counter
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
		name = "telegram-bot"
	}
	meter := provider.Meter(name)

	paymentEvents, err := meter.Int64Counter("telegrambot_payment_events_total")
	if err != nil {
		return nil, err
	}
	ledgerAdjustments, err := meter.Int64Counter("telegrambot_ledger_adjustments_total")
	if err != nil {
		return nil, err
	}
	routedMessages, err := meter.Int64Counter("telegrambot_routed_messages_total")
	if err != nil {
		return nil, err
	}
	routingFailures, err := meter.Int64Counter("telegrambot_routing_failures_total")
	if err != nil {
		return nil, err
	}
	deliveryAcks, err := meter.Int64Counter("telegrambot_delivery_acks_total")
	if err != nil {
		return nil, err
	}
	checkoutSessions, err := meter.Int64Counter("telegrambot_checkout_sessions_total")
	if err != nil {
		return nil, err
	}
	rateLimitAllowed, err := meter.Int64Counter("telegrambot_rate_limit_allowed_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("telegrambot_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		paymentEvents:     paymentEvents,
		ledgerAdjustments: ledgerAdjustments,
		routedMessages:    routedMessages,
		routingFailures:   routingFailures,
		deliveryAcks:      deliveryAcks,
		checkoutSessions:  checkoutSessions,
		rateLimitAllowed:  rateLimitAllowed,
		rateLimitDenied:   rateLimitDenied,
	}, nil
}

// RecordPaymentEvent increments payment event counts by outcome.
func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, eventType, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.paymentEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLedgerAdjustment increments balance adjustment counts.
func (m *Metrics) RecordLedgerAdjustment(ctx context.Context, reason, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("reason", strings.TrimSpace(reason)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.ledgerAdjustments.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRoutedMessage increments routed message counts by direction.
func (m *Metrics) RecordRoutedMessage(ctx context.Context, direction, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("direction", strings.TrimSpace(direction)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.routedMessages.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRoutingFailure increments unresolvable routing counts by stage.
func (m *Metrics) RecordRoutingFailure(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("stage", strings.TrimSpace(stage)))
	m.routingFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDeliveryAck increments best-effort acknowledgment outcomes.
func (m *Metrics) RecordDeliveryAck(ctx context.Context, kind, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("kind", strings.TrimSpace(kind)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.deliveryAcks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCheckoutSession increments checkout session creation outcomes.
func (m *Metrics) RecordCheckoutSession(ctx context.Context, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("status", strings.TrimSpace(status)))
	m.checkoutSessions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitAllowed increments rate limit allow counts.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
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

// Chat and user identifiers never become labels; they are unbounded.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"provider":    {},
	"event_type":  {},
	"status":      {},
	"reason":      {},
	"direction":   {},
	"stage":       {},
	"kind":        {},
	"endpoint":    {},
	"status_code": {},
	"method":      {},
	"route":       {},
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
