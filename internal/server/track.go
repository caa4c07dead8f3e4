package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	entdomain "github.com/smallbiznis/drawdown/internal/entitlement/domain"
)

type trackFeature struct {
	FeatureID string  `json:"feature_id" binding:"required"`
	Amount    float64 `json:"amount"`
}

type trackRequest struct {
	CustomerID     string         `json:"customer_id" binding:"required"`
	Features       []trackFeature `json:"features" binding:"required"`
	Policy         string         `json:"policy"`
	EntityID       string         `json:"entity_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	RecordedAt     *time.Time     `json:"recorded_at"`
	Metadata       map[string]any `json:"metadata"`
}

// Track applies one deduction request.
func (s *Server) Track(c *gin.Context) {
	var req trackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	customerID, err := snowflake.ParseString(strings.TrimSpace(req.CustomerID))
	if err != nil {
		AbortWithError(c, entdomain.ErrInvalidCustomer)
		return
	}

	deduction := entdomain.DeductionRequest{
		CustomerID:     customerID,
		Policy:         entdomain.OveragePolicy(strings.TrimSpace(req.Policy)),
		EntityID:       req.EntityID,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	}
	if idem := strings.TrimSpace(c.GetHeader("Idempotency-Key")); idem != "" && deduction.IdempotencyKey == "" {
		deduction.IdempotencyKey = idem
	}
	if req.RecordedAt != nil {
		deduction.RecordedAt = req.RecordedAt.UTC()
	}
	if deduction.Policy == "" {
		deduction.Policy = entdomain.OverageCap
	}
	for _, f := range req.Features {
		deduction.Features = append(deduction.Features, entdomain.FeatureDeduction{
			FeatureID: strings.TrimSpace(f.FeatureID),
			Amount:    f.Amount,
		})
	}

	result, err := s.entsvc.Track(c.Request.Context(), deduction)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
