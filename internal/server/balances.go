package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CustomerBalances returns the customer's balance snapshot.
func (s *Server) CustomerBalances(c *gin.Context) {
	snapshot, err := s.entsvc.Snapshot(c.Request.Context(), c.Param("customer_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}
