package domain

import (
	"context"
	"errors"
	"net/http"
)

// AdapterConfig carries the provider credentials resolved from the
// environment for a single webhook surface.
type AdapterConfig struct {
	Provider      string
	WebhookSecret string
}

// PaymentAdapter verifies and parses one provider's webhook payloads.
// Verify runs before Parse; nothing from an unverified payload reaches
// persisted state.
type PaymentAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}

// Service is the webhook ingest surface. ErrEventAlreadyProcessed and
// ErrEventIgnored both map to an acknowledging response so the provider
// stops redelivering.
type Service interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
}

var (
	ErrSignatureInvalid      = errors.New("signature_invalid")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrInvalidProvider       = errors.New("invalid_provider")
	ErrProviderNotFound      = errors.New("provider_not_found")
	ErrProviderNotConfigured = errors.New("provider_not_configured")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidCurrency       = errors.New("invalid_currency")
)
