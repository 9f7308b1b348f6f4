package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	catalogdomain "github.com/nsxo/enterprise-telegram-bot/internal/catalog/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/providers/pdf"
	transactiondomain "github.com/nsxo/enterprise-telegram-bot/internal/transaction/domain"
)

func (s *Server) ListTransactions(c *gin.Context) {
	var req transactiondomain.ListTransactionRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.transactionSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetTransactionByID(c *gin.Context) {
	txn, err := s.transactionSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": txn})
}

// GetTransactionReceipt renders a PDF receipt for a settled purchase. Only
// money that actually moved gets a receipt, so pending and failed rows 404.
func (s *Server) GetTransactionReceipt(c *gin.Context) {
	ctx := c.Request.Context()

	txn, err := s.transactionSvc.Get(ctx, c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if txn.Status != transactiondomain.TransactionStatusCompleted &&
		txn.Status != transactiondomain.TransactionStatusRefunded {
		AbortWithError(c, ErrNotFound)
		return
	}

	user, err := s.ledgerSvc.GetByID(ctx, txn.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	description := txn.Description
	if txn.ProductID != 0 {
		if product, err := s.catalogSvc.Get(ctx, txn.ProductID.String()); err == nil {
			description = product.Name
		}
	}
	if description == "" {
		description = "Credit purchase"
	}

	data := pdf.ReceiptData{
		ReceiptNumber:  txn.ID.String(),
		DatePaid:       txn.UpdatedAt.Format("Jan 2, 2006"),
		ChargeRef:      txn.ProviderChargeID,
		BusinessName:   s.cfg.AppName,
		SupportHandle:  "",
		CustomerName:   user.DisplayName(),
		CustomerHandle: customerHandle(user.Username, user.TelegramID),
		Items: []pdf.ReceiptItem{
			{
				Description: description,
				Grant:       grantLabel(txn),
				Amount:      formatReceiptAmount(txn.AmountCents),
			},
		},
		Total: formatReceiptAmount(txn.AmountCents),
	}

	reader, err := s.pdfSvc.GenerateReceipt(ctx, data)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=receipt-%s.pdf", txn.ID.String()))
	c.Data(http.StatusOK, "application/pdf", body)
}

func customerHandle(username string, telegramID int64) string {
	if username != "" {
		return "@" + username
	}
	return fmt.Sprintf("telegram:%d", telegramID)
}

func grantLabel(txn transactiondomain.Transaction) string {
	if txn.TimeGrantedSeconds > 0 {
		return fmt.Sprintf("%ds access", txn.TimeGrantedSeconds)
	}
	return fmt.Sprintf("%+d credits", txn.CreditsGranted)
}

func formatReceiptAmount(cents int64) string {
	whole := cents / 100
	frac := cents % 100
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("$%d.%02d", whole, frac)
}

func isTransactionValidationError(err error) bool {
	switch {
	case errors.Is(err, transactiondomain.ErrInvalidID),
		errors.Is(err, transactiondomain.ErrInvalidUserID),
		errors.Is(err, transactiondomain.ErrInvalidIdempotencyKey),
		errors.Is(err, transactiondomain.ErrInvalidStatus),
		errors.Is(err, transactiondomain.ErrInvalidDelta):
		return true
	default:
		return false
	}
}

func isCatalogValidationError(err error) bool {
	switch {
	case errors.Is(err, catalogdomain.ErrInvalidID),
		errors.Is(err, catalogdomain.ErrInvalidSlug),
		errors.Is(err, catalogdomain.ErrInvalidEntry):
		return true
	default:
		return false
	}
}
