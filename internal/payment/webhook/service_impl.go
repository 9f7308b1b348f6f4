package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	auditdomain "github.com/nsxo/enterprise-telegram-bot/internal/audit/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/config"
	obsmetrics "github.com/nsxo/enterprise-telegram-bot/internal/observability/metrics"
	"github.com/nsxo/enterprise-telegram-bot/internal/payment/adapters"
	paymentdomain "github.com/nsxo/enterprise-telegram-bot/internal/payment/domain"
	paymentservice "github.com/nsxo/enterprise-telegram-bot/internal/payment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Cfg       config.Config
	Processor *paymentservice.Service
	Adapters  *adapters.Registry
	Audit     auditdomain.Service `optional:"true"`
	Obs       *obsmetrics.Metrics `optional:"true"`
}

// Service is the webhook front door: it verifies the signature before any
// business field is parsed and hands verified events to the processor.
type Service struct {
	log       *zap.Logger
	cfg       config.Config
	processor *paymentservice.Service
	adapters  *adapters.Registry
	audit     auditdomain.Service
	obs       *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		log:       p.Log.Named("payment.webhook"),
		cfg:       p.Cfg,
		processor: p.Processor,
		adapters:  p.Adapters,
		audit:     p.Audit,
		obs:       p.Obs,
	}
}

func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return paymentdomain.ErrInvalidProvider
	}
	if s.adapters == nil || !s.adapters.ProviderExists(provider) {
		return paymentdomain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return paymentdomain.ErrInvalidPayload
	}

	adapter, err := s.adapters.NewAdapter(provider, s.adapterConfig(provider))
	if err != nil {
		return err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.log.Warn("webhook signature rejected", zap.String("provider", provider))
		s.obs.RecordPaymentEvent(ctx, provider, "unknown", "signature_rejected")
		s.auditRejected(ctx, provider)
		return err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			s.obs.RecordPaymentEvent(ctx, provider, "unhandled", "ignored")
			return nil
		}
		return err
	}
	if event.RawPayload == nil {
		event.RawPayload = payload
	}

	return s.processor.ProcessEvent(ctx, event, payload)
}

func (s *Service) adapterConfig(provider string) paymentdomain.AdapterConfig {
	cfg := paymentdomain.AdapterConfig{Provider: provider}
	if provider == "stripe" {
		cfg.WebhookSecret = s.cfg.StripeWebhookSecret
	}
	return cfg
}

func (s *Service) auditRejected(ctx context.Context, provider string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.AuditLog(ctx, "", nil, "payment.signature_rejected", "webhook", nil,
		map[string]any{"provider": provider}); err != nil {
		s.log.Warn("audit log failed", zap.Error(err))
	}
}
