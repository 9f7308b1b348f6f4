package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	checkoutdomain "github.com/nsxo/enterprise-telegram-bot/internal/checkout/domain"
)

type createCheckoutSessionRequest struct {
	TelegramID int64  `json:"telegram_id"`
	Product    string `json:"product"`
}

func (s *Server) CreateCheckoutSession(c *gin.Context) {
	var req createCheckoutSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	session, err := s.checkoutSvc.CreateSession(c.Request.Context(), checkoutdomain.CreateSessionRequest{
		TelegramID: req.TelegramID,
		Product:    strings.TrimSpace(req.Product),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		targetID := session.TransactionID.String()
		_ = s.auditSvc.AuditLog(c.Request.Context(), "", nil, "checkout.session_created", "transaction", &targetID, map[string]any{
			"telegram_id": req.TelegramID,
			"product":     strings.TrimSpace(req.Product),
			"session_id":  session.SessionID,
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": session})
}

func isCheckoutValidationError(err error) bool {
	switch {
	case errors.Is(err, checkoutdomain.ErrInvalidProduct):
		return true
	default:
		return false
	}
}
