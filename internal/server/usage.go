package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/drawdown/internal/usage/domain"
)

// ListUsage returns a page of recorded usage events.
func (s *Server) ListUsage(c *gin.Context) {
	var req usagedomain.ListUsageRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	page, err := s.usagesvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, page)
}
