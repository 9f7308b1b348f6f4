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
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/nsxo/enterprise-telegram-bot/internal/payment/domain"
)

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	payload := []byte(`{"id":"evt_123","type":"checkout.session.completed","data":{"object":{}}}`)
	timestamp := time.Now().Unix()

	header := buildStripeSignatureHeader(secret, payload, timestamp)
	reqHeader := http.Header{}
	reqHeader.Set("Stripe-Signature", header)

	adapter := &Adapter{webhookSecret: secret, tolerance: signatureTolerance}
	if err := adapter.Verify(context.Background(), payload, reqHeader); err != nil {
		t.Fatalf("expected valid signature, got error: %v", err)
	}

	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader("wrong", payload, timestamp))
	if err := adapter.Verify(context.Background(), payload, reqHeader); !errors.Is(err, paymentdomain.ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}

	stale := time.Now().Add(-10 * time.Minute).Unix()
	reqHeader.Set("Stripe-Signature", buildStripeSignatureHeader(secret, payload, stale))
	if err := adapter.Verify(context.Background(), payload, reqHeader); !errors.Is(err, paymentdomain.ErrSignatureInvalid) {
		t.Fatalf("expected stale timestamp rejection, got %v", err)
	}
}

func TestParseCheckoutSession(t *testing.T) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	productID := node.Generate()
	transactionID := node.Generate()
	created := time.Now().UTC().Unix()

	payload, err := json.Marshal(map[string]any{
		"id":      "evt_session",
		"type":    "checkout.session.completed",
		"created": created,
		"data": map[string]any{
			"object": map[string]any{
				"id":             "cs_1",
				"amount_total":   999,
				"currency":       "usd",
				"customer":       "cus_1",
				"payment_intent": "pi_1",
				"payment_status": "paid",
				"created":        created,
				"metadata": map[string]any{
					"telegram_id":     "7001",
					"product_id":      productID.String(),
					"transaction_id":  transactionID.String(),
					"idempotency_key": "key-1",
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	adapter := &Adapter{webhookSecret: "whsec_test", tolerance: signatureTolerance}
	event, err := adapter.Parse(context.Background(), payload)
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}
	if event.Type != paymentdomain.EventTypeCheckoutCompleted {
		t.Fatalf("expected checkout event, got %s", event.Type)
	}
	if event.TelegramID != 7001 {
		t.Fatalf("expected telegram id 7001, got %d", event.TelegramID)
	}
	if event.ProductID != productID || event.TransactionID != transactionID {
		t.Fatalf("metadata ids not carried: %d %d", event.ProductID, event.TransactionID)
	}
	if event.IdempotencyKey != "key-1" {
		t.Fatalf("expected idempotency key, got %q", event.IdempotencyKey)
	}
	if event.ProviderPaymentID != "pi_1" {
		t.Fatalf("expected payment intent id, got %q", event.ProviderPaymentID)
	}
	if event.Amount != 999 || event.Currency != "USD" {
		t.Fatalf("amount/currency wrong: %d %s", event.Amount, event.Currency)
	}
}

func TestParseUnpaidSessionIgnored(t *testing.T) {
	payload := []byte(`{"id":"evt_s","type":"checkout.session.completed","data":{"object":{"id":"cs_2","payment_status":"unpaid"}}}`)
	adapter := &Adapter{webhookSecret: "whsec_test", tolerance: signatureTolerance}
	if _, err := adapter.Parse(context.Background(), payload); !errors.Is(err, paymentdomain.ErrEventIgnored) {
		t.Fatalf("expected unpaid session to be ignored, got %v", err)
	}
}

func TestParsePaymentIntentWithoutMetadataIgnored(t *testing.T) {
	// Every checkout emits payment_intent.succeeded alongside the session
	// event; without the metadata contract it must not become a second grant.
	payload := []byte(`{"id":"evt_pi","type":"payment_intent.succeeded","data":{"object":{"id":"pi_9","amount":999,"currency":"usd"}}}`)
	adapter := &Adapter{webhookSecret: "whsec_test", tolerance: signatureTolerance}
	if _, err := adapter.Parse(context.Background(), payload); !errors.Is(err, paymentdomain.ErrEventIgnored) {
		t.Fatalf("expected bare payment intent to be ignored, got %v", err)
	}
}

func TestParseChargeRefunded(t *testing.T) {
	created := time.Now().UTC().Unix()
	payload, err := json.Marshal(map[string]any{
		"id":      "evt_refund",
		"type":    "charge.refunded",
		"created": created,
		"data": map[string]any{
			"object": map[string]any{
				"id":              "ch_1",
				"amount":          5000,
				"amount_refunded": 1200,
				"currency":        "usd",
				"customer":        "cus_1",
				"payment_intent":  "pi_1",
				"created":         created,
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	adapter := &Adapter{webhookSecret: "whsec_test", tolerance: signatureTolerance}
	event, err := adapter.Parse(context.Background(), payload)
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}
	if event.Type != paymentdomain.EventTypeRefunded {
		t.Fatalf("expected refund event, got %s", event.Type)
	}
	if event.Amount != 1200 {
		t.Fatalf("expected refunded amount, got %d", event.Amount)
	}
	if event.ProviderPaymentID != "pi_1" {
		t.Fatalf("refund must resolve through the payment intent, got %q", event.ProviderPaymentID)
	}
	if event.BillingCustomerID != "cus_1" {
		t.Fatalf("expected billing customer, got %q", event.BillingCustomerID)
	}
}

func TestParseUnhandledTypeIgnored(t *testing.T) {
	payload := []byte(`{"id":"evt_x","type":"invoice.created","data":{"object":{}}}`)
	adapter := &Adapter{webhookSecret: "whsec_test", tolerance: signatureTolerance}
	if _, err := adapter.Parse(context.Background(), payload); !errors.Is(err, paymentdomain.ErrEventIgnored) {
		t.Fatalf("expected ErrEventIgnored, got %v", err)
	}
}

func buildStripeSignatureHeader(secret string, payload []byte, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signedPayload))
	signature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}
