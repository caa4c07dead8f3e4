package domain

import (
	"context"

	"github.com/smallbiznis/drawdown/pkg/db/pagination"
)

// ListUsageRequest filters the usage event log. All fields are
// optional; the org and environment always come from the request
// context.
type ListUsageRequest struct {
	CustomerID  string `form:"customer_id"`
	FeatureCode string `form:"feature_code"`
	Source      string `form:"source"`

	pagination.Pagination
}

// ListUsageResponse is one page of usage events.
type ListUsageResponse struct {
	Data     []*UsageEvent        `json:"data"`
	PageInfo *pagination.PageInfo `json:"page_info"`
}

// Service reads the usage event log.
type Service interface {
	List(ctx context.Context, req ListUsageRequest) (ListUsageResponse, error)
}
