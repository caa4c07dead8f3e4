package fallback

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/drawdown/internal/entitlement/domain"
	usagedomain "github.com/smallbiznis/drawdown/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var coordNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.Customer{},
		&domain.Entitlement{},
		&domain.Rollover{},
		&usagedomain.UsageEvent{},
	))
	return db
}

type fixture struct {
	db          *gorm.DB
	coordinator *Coordinator
	node        *snowflake.Node

	orgID      snowflake.ID
	customerID snowflake.ID
	featureID  snowflake.ID
	grantID    snowflake.ID
}

func setupFixture(t *testing.T, balance float64) *fixture {
	t.Helper()
	db := setupDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	f := &fixture{
		db:          db,
		coordinator: NewCoordinator(db, zap.NewNop(), node, false),
		node:        node,
		orgID:       node.Generate(),
		customerID:  node.Generate(),
		featureID:   node.Generate(),
		grantID:     node.Generate(),
	}

	require.NoError(t, db.Create(&domain.Customer{
		ID:    f.customerID,
		OrgID: f.orgID,
		Env:   "live",
		Name:  "Acme",
	}).Error)
	require.NoError(t, db.Create(&domain.Entitlement{
		ID:            f.grantID,
		OrgID:         f.orgID,
		Env:           "live",
		CustomerID:    f.customerID,
		FeatureID:     f.featureID,
		FeatureCode:   "api_calls",
		GrantedAmount: balance,
		Interval:      domain.IntervalMonth,
		Balance:       balance,
	}).Error)
	return f
}

func (f *fixture) request(amount float64) domain.DeductionRequest {
	return domain.DeductionRequest{
		OrgID:      f.orgID,
		Env:        "live",
		CustomerID: f.customerID,
		Features: []domain.FeatureDeduction{
			{FeatureID: f.featureID.String(), Amount: amount},
		},
		Policy: domain.OverageCap,
	}
}

func TestCoordinatorDeduct(t *testing.T) {
	f := setupFixture(t, 100)

	result, snapshot, err := f.coordinator.Deduct(context.Background(), f.request(30), coordNow)
	require.NoError(t, err)

	require.Len(t, result.Applied, 1)
	assert.Equal(t, f.grantID.String(), result.Applied[0].EntitlementID)
	assert.Equal(t, 30.0, result.Applied[0].Amount)

	// The returned snapshot reflects the write.
	ent := snapshot.Entitlement(f.grantID.String())
	require.NotNil(t, ent)
	assert.Equal(t, 70.0, ent.Balance)
	assert.Equal(t, 30.0, ent.Usage)

	// So does the durable row.
	var row domain.Entitlement
	require.NoError(t, f.db.First(&row, "id = ?", f.grantID).Error)
	assert.Equal(t, 70.0, row.Balance)
	assert.Equal(t, 30.0, row.Usage)
	assert.InDelta(t, row.GrantedAmount+row.Adjustment, row.Balance+row.Usage, 1e-9)
}

func TestCoordinatorInsufficientBalanceLeavesStateUntouched(t *testing.T) {
	f := setupFixture(t, 40)

	_, _, err := f.coordinator.Deduct(context.Background(), f.request(50), coordNow)

	var insufficient *domain.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, f.featureID.String(), insufficient.FeatureID)
	assert.Equal(t, 40.0, insufficient.Remaining)

	var row domain.Entitlement
	require.NoError(t, f.db.First(&row, "id = ?", f.grantID).Error)
	assert.Equal(t, 40.0, row.Balance)
	assert.Equal(t, 0.0, row.Usage)
}

func TestCoordinatorMultiFeatureRollsBackTogether(t *testing.T) {
	f := setupFixture(t, 100)
	otherFeature := f.node.Generate()
	otherGrant := f.node.Generate()
	require.NoError(t, f.db.Create(&domain.Entitlement{
		ID:            otherGrant,
		OrgID:         f.orgID,
		Env:           "live",
		CustomerID:    f.customerID,
		FeatureID:     otherFeature,
		FeatureCode:   "exports",
		GrantedAmount: 5,
		Interval:      domain.IntervalMonth,
		Balance:       5,
	}).Error)

	req := f.request(50)
	req.Features = append(req.Features, domain.FeatureDeduction{
		FeatureID: otherFeature.String(),
		Amount:    10,
	})

	_, _, err := f.coordinator.Deduct(context.Background(), req, coordNow)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// Neither grant moved.
	var row domain.Entitlement
	require.NoError(t, f.db.First(&row, "id = ?", f.grantID).Error)
	assert.Equal(t, 100.0, row.Balance)
	var otherRow domain.Entitlement
	require.NoError(t, f.db.First(&otherRow, "id = ?", otherGrant).Error)
	assert.Equal(t, 5.0, otherRow.Balance)
}

func TestCoordinatorDuplicateIdempotencyKey(t *testing.T) {
	f := setupFixture(t, 100)
	key := "req-abc"
	require.NoError(t, f.db.Create(&usagedomain.UsageEvent{
		ID:             f.node.Generate(),
		OrgID:          f.orgID,
		Env:            "live",
		CustomerID:     f.customerID,
		EntitlementID:  f.grantID,
		FeatureID:      f.featureID,
		FeatureCode:    "api_calls",
		Amount:         10,
		RecordedAt:     coordNow,
		IdempotencyKey: &key,
		Source:         usagedomain.SourceFallback,
	}).Error)

	req := f.request(30)
	req.IdempotencyKey = key

	_, _, err := f.coordinator.Deduct(context.Background(), req, coordNow)
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)

	var row domain.Entitlement
	require.NoError(t, f.db.First(&row, "id = ?", f.grantID).Error)
	assert.Equal(t, 100.0, row.Balance)
}

func TestCoordinatorSameKeyRetryBeforeEventFlush(t *testing.T) {
	f := setupFixture(t, 500)

	req := f.request(30)
	req.IdempotencyKey = "retry-1"

	_, _, err := f.coordinator.Deduct(context.Background(), req, coordNow)
	require.NoError(t, err)

	// The key is claimed inside the deduction transaction, so the retry
	// collides immediately even though no asynchronous event batch has
	// flushed yet.
	_, _, err = f.coordinator.Deduct(context.Background(), req, coordNow)
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)

	var row domain.Entitlement
	require.NoError(t, f.db.First(&row, "id = ?", f.grantID).Error)
	assert.Equal(t, 470.0, row.Balance)
	assert.Equal(t, 30.0, row.Usage)

	var events []usagedomain.UsageEvent
	require.NoError(t, f.db.
		Where("org_id = ? AND idempotency_key = ?", f.orgID, "retry-1").
		Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, usagedomain.SourceFallback, events[0].Source)
	assert.Equal(t, 30.0, events[0].Amount)
	assert.Equal(t, "api_calls", events[0].FeatureCode)
}

func TestCoordinatorRejectedRequestLeavesKeyUnclaimed(t *testing.T) {
	f := setupFixture(t, 20)

	req := f.request(50)
	req.IdempotencyKey = "retry-2"
	_, _, err := f.coordinator.Deduct(context.Background(), req, coordNow)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// The rejection rolled the marker back with the transaction; a
	// corrected retry under the same key goes through.
	req = f.request(10)
	req.IdempotencyKey = "retry-2"
	_, _, err = f.coordinator.Deduct(context.Background(), req, coordNow)
	require.NoError(t, err)
}

func TestCoordinatorApplyResultReplaysCachedDeduction(t *testing.T) {
	f := setupFixture(t, 100)

	result := &domain.DeductionResult{
		Entitlements: []domain.EntitlementUpdate{
			{ID: f.grantID.String(), Balance: 60, Usage: 40},
		},
	}
	require.NoError(t, f.coordinator.ApplyResult(context.Background(), result, coordNow))

	var row domain.Entitlement
	require.NoError(t, f.db.First(&row, "id = ?", f.grantID).Error)
	assert.Equal(t, 60.0, row.Balance)
	assert.Equal(t, 40.0, row.Usage)
}

func TestCoordinatorApplyResultSkipsMissingRows(t *testing.T) {
	f := setupFixture(t, 100)

	result := &domain.DeductionResult{
		Entitlements: []domain.EntitlementUpdate{
			{ID: f.node.Generate().String(), Balance: 1, Usage: 1},
			{ID: f.grantID.String(), Balance: 90, Usage: 10},
		},
	}
	require.NoError(t, f.coordinator.ApplyResult(context.Background(), result, coordNow))

	var row domain.Entitlement
	require.NoError(t, f.db.First(&row, "id = ?", f.grantID).Error)
	assert.Equal(t, 90.0, row.Balance)
}

func TestCoordinatorCustomerNotFound(t *testing.T) {
	f := setupFixture(t, 100)

	req := f.request(10)
	req.CustomerID = f.node.Generate()

	_, _, err := f.coordinator.Deduct(context.Background(), req, coordNow)
	assert.ErrorIs(t, err, domain.ErrCustomerNotFound)
}

func TestCoordinatorEnvironmentIsolation(t *testing.T) {
	f := setupFixture(t, 100)

	req := f.request(10)
	req.Env = "sandbox"

	_, _, err := f.coordinator.Deduct(context.Background(), req, coordNow)
	assert.ErrorIs(t, err, domain.ErrCustomerNotFound)
}

func TestCoordinatorRolloverConsumedFirst(t *testing.T) {
	f := setupFixture(t, 100)
	expires := coordNow.Add(24 * time.Hour)
	rolloverID := f.node.Generate()
	require.NoError(t, f.db.Create(&domain.Rollover{
		ID:            rolloverID,
		OrgID:         f.orgID,
		EntitlementID: f.grantID,
		Balance:       20,
		ExpiresAt:     &expires,
	}).Error)

	result, _, err := f.coordinator.Deduct(context.Background(), f.request(25), coordNow)
	require.NoError(t, err)

	require.Len(t, result.Rollovers, 1)
	assert.Equal(t, 0.0, result.Rollovers[0].Balance)

	var ro domain.Rollover
	require.NoError(t, f.db.First(&ro, "id = ?", rolloverID).Error)
	assert.Equal(t, 0.0, ro.Balance)
	assert.Equal(t, 20.0, ro.Usage)

	var row domain.Entitlement
	require.NoError(t, f.db.First(&row, "id = ?", f.grantID).Error)
	assert.Equal(t, 95.0, row.Balance)
	assert.Equal(t, 5.0, row.Usage)
}

func TestCoordinatorPersistsEntityState(t *testing.T) {
	f := setupFixture(t, 100)
	require.NoError(t, f.db.Model(&domain.Entitlement{}).
		Where("id = ?", f.grantID).
		Update("entities", `{"seat-a":{"balance":10,"usage":0}}`).Error)

	req := f.request(4)
	req.EntityID = "seat-a"

	_, _, err := f.coordinator.Deduct(context.Background(), req, coordNow)
	require.NoError(t, err)

	var row domain.Entitlement
	require.NoError(t, f.db.First(&row, "id = ?", f.grantID).Error)
	entities := row.Entities.Data()
	assert.Equal(t, domain.EntityBalance{Balance: 6, Usage: 4}, entities["seat-a"])
	assert.Equal(t, 96.0, row.Balance)
}

func TestCoordinatorSnapshot(t *testing.T) {
	f := setupFixture(t, 100)

	snapshot, err := f.coordinator.Snapshot(context.Background(), f.orgID, "live", f.customerID)
	require.NoError(t, err)
	assert.Equal(t, f.customerID.String(), snapshot.CustomerID)
	require.Len(t, snapshot.Entitlements, 1)
	assert.Equal(t, 100.0, snapshot.Entitlements[0].Balance)

	_, err = f.coordinator.Snapshot(context.Background(), f.orgID, "live", f.node.Generate())
	assert.ErrorIs(t, err, domain.ErrCustomerNotFound)
}
