package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.stripe.com"

	callMaxAttempts = 3
	callBaseBackoff = 250 * time.Millisecond
)

type stripeCustomer struct {
	ID string `json:"id"`
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripePaymentIntent struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type stripeErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

type Config struct {
	APIKey  string
	BaseURL string
}

// StripeProvider talks to the Stripe REST API directly with form-encoded
// requests. Transient failures (429, 5xx, transport errors) are retried with
// bounded backoff; the Idempotency-Key header makes those retries safe.
type StripeProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

func NewStripe(cfg Config, log *zap.Logger, httpClient *http.Client) *StripeProvider {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 12 * time.Second}
	}
	return &StripeProvider{
		apiKey:  strings.TrimSpace(cfg.APIKey),
		baseURL: baseURL,
		client:  httpClient,
		log:     log,
	}
}

func (p *StripeProvider) CreateCustomer(ctx context.Context, req CreateCustomerRequest) (string, error) {
	values := url.Values{}
	if name := strings.TrimSpace(req.Name); name != "" {
		values.Set("name", name)
	}
	values.Set("metadata[telegram_id]", strconv.FormatInt(req.TelegramID, 10))

	var customer stripeCustomer
	err := p.do(ctx, http.MethodPost, "/v1/customers",
		values, "customer:"+strconv.FormatInt(req.TelegramID, 10), &customer)
	if err != nil {
		return "", err
	}
	if customer.ID == "" {
		return "", ErrInvalidResponse
	}
	return customer.ID, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	values := url.Values{}
	values.Set("mode", "payment")
	values.Set("customer", req.CustomerID)
	values.Set("line_items[0][price]", req.PriceID)
	values.Set("line_items[0][quantity]", "1")
	values.Set("success_url", req.SuccessURL)
	values.Set("cancel_url", req.CancelURL)
	// The saved card is what later off-session auto-recharge intents charge.
	values.Set("payment_intent_data[setup_future_usage]", "off_session")
	for key, value := range req.Metadata {
		values.Set("metadata["+key+"]", value)
	}

	var session stripeCheckoutSession
	if err := p.do(ctx, http.MethodPost, "/v1/checkout/sessions",
		values, req.IdempotencyKey, &session); err != nil {
		return CheckoutSession{}, err
	}
	if session.ID == "" || session.URL == "" {
		return CheckoutSession{}, ErrInvalidResponse
	}
	return CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

func (p *StripeProvider) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (PaymentIntent, error) {
	values := url.Values{}
	values.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	values.Set("currency", strings.ToLower(req.Currency))
	values.Set("customer", req.CustomerID)
	values.Set("payment_method_types[]", "card")
	values.Set("confirm", "true")
	values.Set("off_session", "true")
	for key, value := range req.Metadata {
		values.Set("metadata["+key+"]", value)
	}

	var intent stripePaymentIntent
	if err := p.do(ctx, http.MethodPost, "/v1/payment_intents",
		values, req.IdempotencyKey, &intent); err != nil {
		return PaymentIntent{}, err
	}
	if intent.ID == "" {
		return PaymentIntent{}, ErrInvalidResponse
	}
	return PaymentIntent{ID: intent.ID, Status: intent.Status}, nil
}

func (p *StripeProvider) Ping(ctx context.Context) error {
	return p.do(ctx, http.MethodGet, "/v1/balance", nil, "", nil)
}

func (p *StripeProvider) do(ctx context.Context, method, path string, values url.Values, idempotencyKey string, out any) error {
	if p.apiKey == "" {
		return ErrNotConfigured
	}

	var lastErr error
	for attempt := 0; attempt < callMaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := callBaseBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		retryable, err := p.roundTrip(ctx, method, path, values, idempotencyKey, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			break
		}
		if p.log != nil {
			p.log.Warn("stripe call failed, retrying",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
		}
	}
	return lastErr
}

func (p *StripeProvider) roundTrip(ctx context.Context, method, path string, values url.Values, idempotencyKey string, out any) (bool, error) {
	var body *strings.Reader
	if values != nil {
		body = strings.NewReader(values.Encode())
	} else {
		body = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if values != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, err
		}
		return true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		retryable := resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode >= http.StatusInternalServerError

		var stripeErr stripeErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&stripeErr); err != nil {
			return retryable, ErrRequestFailed
		}
		message := strings.TrimSpace(stripeErr.Error.Message)
		if message == "" {
			return retryable, ErrRequestFailed
		}
		return retryable, fmt.Errorf("%w: %s", ErrRequestFailed, message)
	}

	if out == nil {
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, err
	}
	return false, nil
}
