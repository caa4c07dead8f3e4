// Package service exposes read access to the usage event log.
package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	entdomain "github.com/smallbiznis/drawdown/internal/entitlement/domain"
	"github.com/smallbiznis/drawdown/internal/orgcontext"
	"github.com/smallbiznis/drawdown/internal/usage/domain"
	"github.com/smallbiznis/drawdown/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger
}

func New(p Params) domain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),
	}
}

// List returns usage events newest first, keyed by id. Snowflake ids
// are time ordered, so the id cursor doubles as a recency cursor.
func (s *Service) List(ctx context.Context, req domain.ListUsageRequest) (domain.ListUsageResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return domain.ListUsageResponse{}, entdomain.ErrInvalidOrganization
	}

	size := req.PageSize
	if size <= 0 {
		size = 10
	}
	if size > 250 {
		size = 250
	}

	query := s.db.WithContext(ctx).
		Model(&domain.UsageEvent{}).
		Where("org_id = ? AND env = ?", orgID, orgcontext.EnvFromContext(ctx))

	if customerID := strings.TrimSpace(req.CustomerID); customerID != "" {
		parsed, err := snowflake.ParseString(customerID)
		if err != nil {
			return domain.ListUsageResponse{}, entdomain.ErrInvalidCustomer
		}
		query = query.Where("customer_id = ?", parsed)
	}
	if code := strings.TrimSpace(req.FeatureCode); code != "" {
		query = query.Where("feature_code = ?", code)
	}
	if source := strings.TrimSpace(req.Source); source != "" {
		query = query.Where("source = ?", source)
	}

	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return domain.ListUsageResponse{}, entdomain.ErrInvalidCursor
		}
		lastID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return domain.ListUsageResponse{}, entdomain.ErrInvalidCursor
		}
		query = query.Where("id < ?", lastID)
	}

	var rows []*domain.UsageEvent
	if err := query.Order("id DESC").Limit(size + 1).Find(&rows).Error; err != nil {
		return domain.ListUsageResponse{}, err
	}

	pageInfo, rows := pagination.BuildCursorPageInfo(rows, size, func(row *domain.UsageEvent) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:         row.ID.String(),
			RecordedAt: row.RecordedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
		if err != nil {
			return ""
		}
		return token
	})

	return domain.ListUsageResponse{Data: rows, PageInfo: pageInfo}, nil
}
