package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListProducts exposes the catalog as read-only reference data. Writes go
// through the catalog file and its sync pass, never through the API.
func (s *Server) ListProducts(c *gin.Context) {
	var query struct {
		Active string `form:"active"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	active, err := parseOptionalBool(query.Active)
	if err != nil {
		AbortWithError(c, newValidationError("active", "invalid_active", "invalid active"))
		return
	}
	activeOnly := active != nil && *active

	products, err := s.catalogSvc.List(c.Request.Context(), activeOnly)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": products})
}
