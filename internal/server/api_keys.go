package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/nsxo/enterprise-telegram-bot/internal/apikey/domain"
)

type createAPIKeyRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

func (s *Server) ListAPIKeys(c *gin.Context) {
	keys, err := s.apiKeySvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": keys})
}

// CreateAPIKey mints a credential and returns the plaintext exactly once.
// Only the sha256 hash is stored; a lost key is rotated, never recovered.
func (s *Server) CreateAPIKey(c *gin.Context) {
	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.apiKeySvc.Create(c.Request.Context(), apikeydomain.CreateRequest{
		Name:   strings.TrimSpace(req.Name),
		Scopes: req.Scopes,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RotateAPIKey(c *gin.Context) {
	resp, err := s.apiKeySvc.Rotate(c.Request.Context(), c.Param("key_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RevokeAPIKey(c *gin.Context) {
	if err := s.apiKeySvc.Revoke(c.Request.Context(), c.Param("key_id")); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func isAPIKeyValidationError(err error) bool {
	switch {
	case errors.Is(err, apikeydomain.ErrInvalidName),
		errors.Is(err, apikeydomain.ErrInvalidKeyID),
		errors.Is(err, apikeydomain.ErrInvalidScope):
		return true
	default:
		return false
	}
}
