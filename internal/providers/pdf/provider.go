package pdf

import (
	"bytes"
	"context"
	"io"
)

type ReceiptItem struct {
	Description string
	Grant       string
	Amount      string
}

type ReceiptData struct {
	ReceiptNumber  string
	DatePaid       string
	ChargeRef      string
	BusinessName   string
	SupportHandle  string
	CustomerName   string
	CustomerHandle string
	Items          []ReceiptItem
	Total          string
}

type Provider interface {
	GenerateReceipt(ctx context.Context, data ReceiptData) (io.Reader, error)
}

type NoOpProvider struct{}

func (p *NoOpProvider) GenerateReceipt(ctx context.Context, data ReceiptData) (io.Reader, error) {
	return bytes.NewReader(nil), nil
}
