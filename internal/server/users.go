package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	ledgerdomain "github.com/nsxo/enterprise-telegram-bot/internal/ledger/domain"
	transactiondomain "github.com/nsxo/enterprise-telegram-bot/internal/transaction/domain"
	"github.com/nsxo/enterprise-telegram-bot/pkg/db/pagination"
)

func (s *Server) ListUsers(c *gin.Context) {
	var query struct {
		pagination.Pagination
		Tier   string `form:"tier"`
		Banned string `form:"banned"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	banned, err := parseOptionalBool(query.Banned)
	if err != nil {
		AbortWithError(c, newValidationError("banned", "invalid_banned", "invalid banned"))
		return
	}

	resp, err := s.ledgerSvc.List(c.Request.Context(), ledgerdomain.ListUserRequest{
		PageToken: query.PageToken,
		PageSize:  int32(query.PageSize),
		Tier:      strings.TrimSpace(query.Tier),
		Banned:    banned,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetUser(c *gin.Context) {
	telegramID, err := telegramIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	user, err := s.ledgerSvc.GetByTelegramID(c.Request.Context(), telegramID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": user})
}

type banUserRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) BanUser(c *gin.Context) {
	telegramID, err := telegramIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req banUserRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	if err := s.ledgerSvc.Ban(c.Request.Context(), ledgerdomain.BanUserRequest{
		TelegramID: telegramID,
		Reason:     strings.TrimSpace(req.Reason),
	}); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) UnbanUser(c *gin.Context) {
	telegramID, err := telegramIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.ledgerSvc.Unban(c.Request.Context(), telegramID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type grantUserRequest struct {
	Delta       int64  `json:"delta"`
	Description string `json:"description"`
}

// GrantUser records a manual balance adjustment as a completed transaction so
// it shows up in the user's history alongside purchases.
func (s *Server) GrantUser(c *gin.Context) {
	telegramID, err := telegramIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req grantUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	txn, err := s.transactionSvc.Grant(c.Request.Context(), transactiondomain.GrantRequest{
		TelegramID:  telegramID,
		Delta:       req.Delta,
		Description: strings.TrimSpace(req.Description),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": txn})
}

type setUserTierRequest struct {
	Tier string `json:"tier"`
}

func (s *Server) SetUserTier(c *gin.Context) {
	telegramID, err := telegramIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req setUserTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.ledgerSvc.SetTier(c.Request.Context(), telegramID, strings.TrimSpace(req.Tier)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type setAutoRechargeRequest struct {
	Enabled   bool   `json:"enabled"`
	Threshold int64  `json:"threshold"`
	ProductID string `json:"product_id"`
}

func (s *Server) SetUserAutoRecharge(c *gin.Context) {
	telegramID, err := telegramIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req setAutoRechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if err := s.ledgerSvc.SetAutoRecharge(c.Request.Context(), ledgerdomain.SetAutoRechargeRequest{
		TelegramID: telegramID,
		Enabled:    req.Enabled,
		Threshold:  req.Threshold,
		ProductID:  strings.TrimSpace(req.ProductID),
	}); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func telegramIDParam(c *gin.Context) (int64, error) {
	raw := strings.TrimSpace(c.Param("telegram_id"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, newValidationError("telegram_id", "invalid_telegram_id", "invalid telegram_id")
	}
	return id, nil
}

func isLedgerValidationError(err error) bool {
	switch {
	case errors.Is(err, ledgerdomain.ErrInvalidTelegramID),
		errors.Is(err, ledgerdomain.ErrInvalidDelta),
		errors.Is(err, ledgerdomain.ErrInvalidReason),
		errors.Is(err, ledgerdomain.ErrInvalidTier),
		errors.Is(err, ledgerdomain.ErrInvalidCustomerID),
		errors.Is(err, ledgerdomain.ErrInvalidProduct),
		errors.Is(err, ledgerdomain.ErrInvalidThreshold):
		return true
	default:
		return false
	}
}
