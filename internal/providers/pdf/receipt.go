package pdf

import (
	"bytes"
	"context"
	"io"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

type PDFProvider struct{}

func New() Provider {
	return &PDFProvider{}
}

func (p *PDFProvider) GenerateReceipt(ctx context.Context, data ReceiptData) (io.Reader, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(15,
		text.NewCol(12, "Receipt", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	// Receipt Meta
	m.AddRow(20,
		col.New(6).Add(
			text.New("Receipt number: "+data.ReceiptNumber, props.Text{Top: 0}),
			text.New("Date paid: "+data.DatePaid, props.Text{Top: 4}),
			text.New("Payment reference: "+data.ChargeRef, props.Text{Top: 8}),
		),
		col.New(6),
	)

	// Parties
	m.AddRow(30,
		col.New(6).Add(
			text.New(data.BusinessName, props.Text{Style: fontstyle.Bold}),
			text.New(data.SupportHandle, props.Text{Top: 5}),
		),
		col.New(6).Add(
			text.New("Billed to", props.Text{Style: fontstyle.Bold}),
			text.New(data.CustomerName, props.Text{Top: 5}),
			text.New(data.CustomerHandle, props.Text{Top: 9}),
		),
	)

	// Payment Confirmation Title
	m.AddRow(15,
		text.NewCol(12, data.Total+" paid on "+data.DatePaid, props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)

	// Table Header
	m.AddRow(10,
		text.NewCol(6, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, "Grant", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(3, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	// Items
	for _, item := range data.Items {
		m.AddRow(15,
			text.NewCol(6, item.Description, props.Text{Size: 9}),
			text.NewCol(3, item.Grant, props.Text{Size: 9, Align: align.Right}),
			text.NewCol(3, item.Amount, props.Text{Size: 9, Align: align.Right}),
		)
	}

	// Footer Total
	m.AddRow(10,
		col.New(9),
		text.NewCol(3, "Total "+data.Total, props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(doc.GetBytes()), nil
}
