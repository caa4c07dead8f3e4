package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/drawdown/internal/orgcontext"
)

const (
	headerOrgID       = "X-Org-ID"
	headerEnvironment = "X-Environment"
)

// OrgContextMiddleware resolves the tenant scope for every request.
// The org comes from the X-Org-ID header, or the configured default in
// single-tenant deployments.
func (s *Server) OrgContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID := snowflake.ID(s.cfg.DefaultOrgID)
		if raw := strings.TrimSpace(c.GetHeader(headerOrgID)); raw != "" {
			parsed, err := snowflake.ParseString(raw)
			if err != nil {
				AbortWithError(c, ErrInvalidRequest)
				return
			}
			orgID = parsed
		}

		ctx := orgcontext.WithOrgID(c.Request.Context(), int64(orgID))
		if env := strings.TrimSpace(c.GetHeader(headerEnvironment)); env != "" {
			ctx = orgcontext.WithEnv(ctx, env)
		}
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
