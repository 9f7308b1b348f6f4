package billing

import (
	"context"
	"errors"
)

var (
	ErrNotConfigured   = errors.New("billing_not_configured")
	ErrRequestFailed   = errors.New("billing_request_failed")
	ErrInvalidResponse = errors.New("billing_response_invalid")
)

type CreateCustomerRequest struct {
	TelegramID int64
	Name       string
}

type CheckoutSessionRequest struct {
	CustomerID     string
	PriceID        string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
	Metadata       map[string]string
}

type CheckoutSession struct {
	ID  string
	URL string
}

type PaymentIntentRequest struct {
	CustomerID     string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

type PaymentIntent struct {
	ID     string
	Status string
}

// Provider is the outbound payment-processor surface. Every mutating call
// carries an idempotency key so retries cannot create a second charge; the
// resulting credit grant always arrives through the webhook pipeline, never
// from these return values.
type Provider interface {
	CreateCustomer(ctx context.Context, req CreateCustomerRequest) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (PaymentIntent, error)
	Ping(ctx context.Context) error
}

// NoOpProvider stands in when no API key is configured. Unlike the telegram
// and email no-ops, the mutating calls fail loudly: a deployment without a
// payment processor must not hand out empty checkout sessions.
type NoOpProvider struct{}

func (p *NoOpProvider) CreateCustomer(ctx context.Context, req CreateCustomerRequest) (string, error) {
	return "", ErrNotConfigured
}

func (p *NoOpProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	return CheckoutSession{}, ErrNotConfigured
}

func (p *NoOpProvider) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (PaymentIntent, error) {
	return PaymentIntent{}, ErrNotConfigured
}

func (p *NoOpProvider) Ping(ctx context.Context) error {
	return nil
}
