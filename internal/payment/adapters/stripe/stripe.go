package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/nsxo/enterprise-telegram-bot/internal/payment/domain"
)

// signatureTolerance bounds the age of a signed payload; older timestamps
// are rejected even when the HMAC matches.
const signatureTolerance = 5 * time.Minute

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, paymentdomain.ErrProviderNotConfigured
	}

	return &Adapter{
		webhookSecret: secret,
		tolerance:     signatureTolerance,
	}, nil
}

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrSignatureInvalid
	}

	timestampRaw, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrSignatureInvalid
	}

	ts, err := strconv.ParseInt(timestampRaw, 10, 64)
	if err != nil {
		return paymentdomain.ErrSignatureInvalid
	}
	skew := time.Since(time.Unix(ts, 0))
	if skew > a.tolerance || skew < -a.tolerance {
		return paymentdomain.ErrSignatureInvalid
	}

	signedPayload := fmt.Sprintf("%s.%s", timestampRaw, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return paymentdomain.ErrSignatureInvalid
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		return a.parseCheckoutSession(event, payload)
	case "payment_intent.succeeded":
		return a.parsePaymentIntent(event, payload)
	case "payment_intent.payment_failed":
		return a.parsePaymentIntentFailed(event, payload)
	case "charge.refunded":
		return a.parseChargeRefunded(event, payload)
	case "charge.dispute.created":
		return a.parseDispute(event, payload)
	case "customer.subscription.deleted":
		return a.parseSubscriptionDeleted(event, payload)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID            string         `json:"id"`
	AmountTotal   int64          `json:"amount_total"`
	Currency      string         `json:"currency"`
	Customer      string         `json:"customer"`
	PaymentIntent string         `json:"payment_intent"`
	PaymentStatus string         `json:"payment_status"`
	Created       int64          `json:"created"`
	Metadata      map[string]any `json:"metadata"`
}

type stripePaymentIntent struct {
	ID               string              `json:"id"`
	Amount           int64               `json:"amount"`
	AmountReceived   int64               `json:"amount_received"`
	Currency         string              `json:"currency"`
	Customer         string              `json:"customer"`
	Created          int64               `json:"created"`
	Metadata         map[string]any      `json:"metadata"`
	LastPaymentError *stripePaymentError `json:"last_payment_error"`
}

type stripePaymentError struct {
	Message string `json:"message"`
}

type stripeCharge struct {
	ID             string         `json:"id"`
	Amount         int64          `json:"amount"`
	AmountRefunded int64          `json:"amount_refunded"`
	Currency       string         `json:"currency"`
	Customer       string         `json:"customer"`
	PaymentIntent  string         `json:"payment_intent"`
	Created        int64          `json:"created"`
	Metadata       map[string]any `json:"metadata"`
}

type stripeDispute struct {
	ID            string `json:"id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Reason        string `json:"reason"`
	Charge        string `json:"charge"`
	PaymentIntent string `json:"payment_intent"`
	Created       int64  `json:"created"`
}

type stripeSubscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Created  int64  `json:"created"`
}

func (a *Adapter) parseCheckoutSession(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(session.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	// Async payment methods complete the session before the money moves;
	// the async_payment_succeeded event re-delivers it as paid.
	if session.PaymentStatus != "" && session.PaymentStatus != "paid" {
		return nil, paymentdomain.ErrEventIgnored
	}

	meta := parseMetadata(session.Metadata)
	paymentID := strings.TrimSpace(session.PaymentIntent)
	if paymentID == "" {
		paymentID = session.ID
	}

	return &paymentdomain.PaymentEvent{
		Provider:          "stripe",
		ProviderEventID:   event.ID,
		ProviderPaymentID: paymentID,
		Type:              paymentdomain.EventTypeCheckoutCompleted,
		TelegramID:        meta.telegramID,
		BillingCustomerID: strings.TrimSpace(session.Customer),
		ProductID:         meta.productID,
		TransactionID:     meta.transactionID,
		IdempotencyKey:    meta.idempotencyKey,
		Amount:            session.AmountTotal,
		Currency:          strings.ToUpper(strings.TrimSpace(session.Currency)),
		OccurredAt:        timestamp(session.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

func (a *Adapter) parsePaymentIntent(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	// Checkout payments emit payment_intent.succeeded too; only intents
	// carrying the checkout metadata contract (off-session auto-recharge)
	// are granted here. The session event grants the rest.
	meta := parseMetadata(intent.Metadata)
	if meta.telegramID == 0 && meta.idempotencyKey == "" {
		return nil, paymentdomain.ErrEventIgnored
	}

	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}

	return &paymentdomain.PaymentEvent{
		Provider:          "stripe",
		ProviderEventID:   event.ID,
		ProviderPaymentID: intent.ID,
		Type:              paymentdomain.EventTypePaymentSucceeded,
		TelegramID:        meta.telegramID,
		BillingCustomerID: strings.TrimSpace(intent.Customer),
		ProductID:         meta.productID,
		TransactionID:     meta.transactionID,
		IdempotencyKey:    meta.idempotencyKey,
		Amount:            amount,
		Currency:          strings.ToUpper(strings.TrimSpace(intent.Currency)),
		OccurredAt:        timestamp(intent.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

func (a *Adapter) parsePaymentIntentFailed(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	meta := parseMetadata(intent.Metadata)
	if meta.telegramID == 0 && meta.idempotencyKey == "" {
		return nil, paymentdomain.ErrEventIgnored
	}

	reason := ""
	if intent.LastPaymentError != nil {
		reason = strings.TrimSpace(intent.LastPaymentError.Message)
	}

	return &paymentdomain.PaymentEvent{
		Provider:          "stripe",
		ProviderEventID:   event.ID,
		ProviderPaymentID: intent.ID,
		Type:              paymentdomain.EventTypePaymentFailed,
		TelegramID:        meta.telegramID,
		BillingCustomerID: strings.TrimSpace(intent.Customer),
		ProductID:         meta.productID,
		TransactionID:     meta.transactionID,
		IdempotencyKey:    meta.idempotencyKey,
		Amount:            intent.Amount,
		Currency:          strings.ToUpper(strings.TrimSpace(intent.Currency)),
		Reason:            reason,
		OccurredAt:        timestamp(intent.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

func (a *Adapter) parseChargeRefunded(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(charge.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	amount := charge.Amount
	if charge.AmountRefunded > 0 {
		amount = charge.AmountRefunded
	}
	meta := parseMetadata(charge.Metadata)
	paymentID := strings.TrimSpace(charge.PaymentIntent)
	if paymentID == "" {
		paymentID = charge.ID
	}

	return &paymentdomain.PaymentEvent{
		Provider:          "stripe",
		ProviderEventID:   event.ID,
		ProviderPaymentID: paymentID,
		Type:              paymentdomain.EventTypeRefunded,
		TelegramID:        meta.telegramID,
		BillingCustomerID: strings.TrimSpace(charge.Customer),
		ProductID:         meta.productID,
		TransactionID:     meta.transactionID,
		IdempotencyKey:    meta.idempotencyKey,
		Amount:            amount,
		Currency:          strings.ToUpper(strings.TrimSpace(charge.Currency)),
		OccurredAt:        timestamp(charge.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

func (a *Adapter) parseDispute(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var dispute stripeDispute
	if err := json.Unmarshal(event.Data.Object, &dispute); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(dispute.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	paymentID := strings.TrimSpace(dispute.PaymentIntent)
	if paymentID == "" {
		paymentID = strings.TrimSpace(dispute.Charge)
	}

	return &paymentdomain.PaymentEvent{
		Provider:          "stripe",
		ProviderEventID:   event.ID,
		ProviderPaymentID: paymentID,
		Type:              paymentdomain.EventTypeDisputeOpened,
		Amount:            dispute.Amount,
		Currency:          strings.ToUpper(strings.TrimSpace(dispute.Currency)),
		Reason:            strings.TrimSpace(dispute.Reason),
		OccurredAt:        timestamp(dispute.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

func (a *Adapter) parseSubscriptionDeleted(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var subscription stripeSubscription
	if err := json.Unmarshal(event.Data.Object, &subscription); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	customer := strings.TrimSpace(subscription.Customer)
	if customer == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	return &paymentdomain.PaymentEvent{
		Provider:          "stripe",
		ProviderEventID:   event.ID,
		ProviderPaymentID: strings.TrimSpace(subscription.ID),
		Type:              paymentdomain.EventTypeSubscriptionEnded,
		BillingCustomerID: customer,
		OccurredAt:        timestamp(subscription.Created, event.Created),
		RawPayload:        payload,
	}, nil
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

type checkoutMetadata struct {
	telegramID     int64
	productID      snowflake.ID
	transactionID  snowflake.ID
	idempotencyKey string
}

func parseMetadata(metadata map[string]any) checkoutMetadata {
	var meta checkoutMetadata
	if raw := readMetadataValue(metadata, "telegram_id"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			meta.telegramID = parsed
		}
	}
	if raw := readMetadataValue(metadata, "product_id"); raw != "" {
		if parsed, err := snowflake.ParseString(raw); err == nil {
			meta.productID = parsed
		}
	}
	if raw := readMetadataValue(metadata, "transaction_id"); raw != "" {
		if parsed, err := snowflake.ParseString(raw); err == nil {
			meta.transactionID = parsed
		}
	}
	meta.idempotencyKey = readMetadataValue(metadata, "idempotency_key")
	return meta
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	case int64:
		return strconv.FormatInt(cast, 10)
	case int:
		return strconv.Itoa(cast)
	}
	return ""
}
