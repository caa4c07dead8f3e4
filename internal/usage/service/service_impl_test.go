package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	entdomain "github.com/smallbiznis/drawdown/internal/entitlement/domain"
	"github.com/smallbiznis/drawdown/internal/orgcontext"
	"github.com/smallbiznis/drawdown/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupService(t *testing.T) (domain.Service, *gorm.DB, *snowflake.Node) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.UsageEvent{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return New(Params{DB: db, Log: zap.NewNop()}), db, node
}

func seedEvents(t *testing.T, db *gorm.DB, node *snowflake.Node, orgID, customerID snowflake.ID, n int) []snowflake.ID {
	t.Helper()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ids := make([]snowflake.ID, 0, n)
	for i := 0; i < n; i++ {
		id := node.Generate()
		ids = append(ids, id)
		code := "api_calls"
		if i%2 == 1 {
			code = "exports"
		}
		require.NoError(t, db.Create(&domain.UsageEvent{
			ID:          id,
			OrgID:       orgID,
			Env:         "live",
			CustomerID:  customerID,
			FeatureID:   1,
			FeatureCode: code,
			Amount:      float64(i + 1),
			RecordedAt:  base.Add(time.Duration(i) * time.Second),
			Source:      domain.SourceFastPath,
		}).Error)
	}
	return ids
}

func TestListNewestFirstWithCursor(t *testing.T) {
	svc, db, node := setupService(t)
	orgID := node.Generate()
	customerID := node.Generate()
	ids := seedEvents(t, db, node, orgID, customerID, 5)

	ctx := orgcontext.WithOrgID(context.Background(), int64(orgID))

	page, err := svc.List(ctx, domain.ListUsageRequest{})
	require.NoError(t, err)
	// PageSize defaults to 10; all five rows fit on one page.
	require.Len(t, page.Data, 5)
	assert.Equal(t, ids[4], page.Data[0].ID)
	assert.False(t, page.PageInfo.HasMore)

	req := domain.ListUsageRequest{}
	req.PageSize = 2
	page, err = svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	assert.Equal(t, ids[4], page.Data[0].ID)
	assert.Equal(t, ids[3], page.Data[1].ID)
	assert.True(t, page.PageInfo.HasMore)

	req.PageToken = page.PageInfo.NextPageToken
	page, err = svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	assert.Equal(t, ids[2], page.Data[0].ID)
	assert.Equal(t, ids[1], page.Data[1].ID)
}

func TestListFilters(t *testing.T) {
	svc, db, node := setupService(t)
	orgID := node.Generate()
	customerID := node.Generate()
	seedEvents(t, db, node, orgID, customerID, 4)

	// A different customer in the same org.
	other := node.Generate()
	seedEvents(t, db, node, orgID, other, 2)

	ctx := orgcontext.WithOrgID(context.Background(), int64(orgID))

	page, err := svc.List(ctx, domain.ListUsageRequest{CustomerID: customerID.String()})
	require.NoError(t, err)
	assert.Len(t, page.Data, 4)

	page, err = svc.List(ctx, domain.ListUsageRequest{FeatureCode: "exports"})
	require.NoError(t, err)
	assert.Len(t, page.Data, 3)
	for _, row := range page.Data {
		assert.Equal(t, "exports", row.FeatureCode)
	}

	page, err = svc.List(ctx, domain.ListUsageRequest{Source: string(domain.SourceFallback)})
	require.NoError(t, err)
	assert.Empty(t, page.Data)
}

func TestListScopedToOrg(t *testing.T) {
	svc, db, node := setupService(t)
	orgID := node.Generate()
	seedEvents(t, db, node, orgID, node.Generate(), 3)

	ctx := orgcontext.WithOrgID(context.Background(), int64(node.Generate()))

	page, err := svc.List(ctx, domain.ListUsageRequest{})
	require.NoError(t, err)
	assert.Empty(t, page.Data)
}

func TestListInvalidInput(t *testing.T) {
	svc, _, node := setupService(t)

	_, err := svc.List(context.Background(), domain.ListUsageRequest{})
	assert.ErrorIs(t, err, entdomain.ErrInvalidOrganization)

	ctx := orgcontext.WithOrgID(context.Background(), int64(node.Generate()))

	_, err = svc.List(ctx, domain.ListUsageRequest{CustomerID: "not-an-id"})
	assert.ErrorIs(t, err, entdomain.ErrInvalidCustomer)

	req := domain.ListUsageRequest{}
	req.PageToken = "%%%not-base64%%%"
	_, err = svc.List(ctx, req)
	assert.ErrorIs(t, err, entdomain.ErrInvalidCursor)
}
