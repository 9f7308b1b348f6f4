package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	settingsdomain "github.com/nsxo/enterprise-telegram-bot/internal/settings/domain"
)

type updateSettingRequest struct {
	Value string `json:"value"`
}

func (s *Server) ListSettings(c *gin.Context) {
	settings, err := s.settingsSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": settings})
}

func (s *Server) GetSetting(c *gin.Context) {
	setting, err := s.settingsSvc.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": setting})
}

func (s *Server) UpdateSetting(c *gin.Context) {
	var req updateSettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	setting, err := s.settingsSvc.Set(c.Request.Context(), settingsdomain.SetSettingRequest{
		Key:   c.Param("key"),
		Value: req.Value,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		targetID := setting.Key
		_ = s.auditSvc.AuditLog(c.Request.Context(), "", nil, "setting.updated", "setting", &targetID, map[string]any{
			"value": setting.Value,
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": setting})
}

func isSettingsValidationError(err error) bool {
	switch {
	case errors.Is(err, settingsdomain.ErrInvalidKey):
		return true
	default:
		return false
	}
}
