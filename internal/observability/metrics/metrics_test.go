package metrics

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("provider", "stripe"),
		attribute.String("chat_id", "-1002233445566"),
		attribute.String("status", "applied"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "provider" && attrs[1].Key != "provider" {
		t.Fatalf("expected provider to be retained")
	}
	if attrs[0].Key != "status" && attrs[1].Key != "status" {
		t.Fatalf("expected status to be retained")
	}
}
