package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	entdomain "github.com/smallbiznis/drawdown/internal/entitlement/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type      string  `json:"type"`
	Message   string  `json:"message"`
	FeatureID string  `json:"feature_id,omitempty"`
	Requested float64 `json:"requested,omitempty"`
	Remaining float64 `json:"remaining,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrInternal       = errors.New("internal_error")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	var insufficient *entdomain.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		return http.StatusConflict, errorPayload{
			Type:      "insufficient_balance",
			Message:   "insufficient balance",
			FeatureID: insufficient.FeatureID,
			Requested: insufficient.Requested,
			Remaining: insufficient.Remaining,
		}
	}

	switch entdomain.KindOf(err) {
	case entdomain.KindValidation:
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case entdomain.KindCustomerNotFound:
		return http.StatusNotFound, errorPayload{
			Type:    "customer_not_found",
			Message: "customer not found",
		}
	case entdomain.KindNoCustomerProducts:
		return http.StatusNotFound, errorPayload{
			Type:    "no_customer_products",
			Message: "customer has no active products",
		}
	case entdomain.KindInsufficientBalance:
		return http.StatusConflict, errorPayload{
			Type:    "insufficient_balance",
			Message: "insufficient balance",
		}
	case entdomain.KindPaidAllocated:
		return http.StatusConflict, errorPayload{
			Type:    "paid_allocated",
			Message: "feature is funded by paid allocation",
		}
	case entdomain.KindDuplicateRequest:
		return http.StatusConflict, errorPayload{
			Type:    "duplicate_request",
			Message: "request was already processed",
		}
	}

	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "invalid request",
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, entdomain.ErrInfrastructure):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
