// Package fallback re-executes deduction semantics against the durable
// relational store when the fast path cannot answer authoritatively.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/drawdown/internal/entitlement/domain"
	"github.com/smallbiznis/drawdown/internal/entitlement/engine"
	entsync "github.com/smallbiznis/drawdown/internal/entitlement/sync"
	usagedomain "github.com/smallbiznis/drawdown/internal/usage/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Coordinator runs the same decrement semantics as the fast path inside
// one transaction on the relational store. It is correct even when the
// fast-path cache is absent or stale, which also makes it the oracle the
// tests compare against.
type Coordinator struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	useStoredFunc bool
}

func NewCoordinator(db *gorm.DB, log *zap.Logger, genID *snowflake.Node, useStoredFunc bool) *Coordinator {
	return &Coordinator{
		db:            db,
		log:           log.Named("entitlement.fallback"),
		genID:         genID,
		useStoredFunc: useStoredFunc,
	}
}

// Deduct applies the request transactionally and returns the result plus
// the customer's post-deduction snapshot (for re-warming the fast path).
func (c *Coordinator) Deduct(ctx context.Context, req domain.DeductionRequest, now time.Time) (*domain.DeductionResult, *domain.CustomerSnapshot, error) {
	if c.useStoredFunc && c.dialect() == "postgres" {
		return c.deductViaFunction(ctx, req, now)
	}

	var (
		result   *domain.DeductionResult
		snapshot *domain.CustomerSnapshot
	)
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := c.ensureNotDuplicate(ctx, tx, req); err != nil {
			return err
		}

		loaded, err := c.loadLocked(ctx, tx, req)
		if err != nil {
			return err
		}
		snapshot = loaded

		result, err = engine.Apply(snapshot, req, now, engine.Options{AllowPaidAllocation: true})
		if err != nil {
			return err
		}
		if err := c.claimKey(ctx, tx, req, result, now); err != nil {
			return err
		}
		return c.persist(ctx, tx, result, now, true)
	})
	if err != nil {
		return nil, nil, c.classify(err)
	}

	if err := entsync.Apply(snapshot, result); err != nil {
		return nil, nil, err
	}
	return result, snapshot, nil
}

// Snapshot loads the durable balance state without locks.
func (c *Coordinator) Snapshot(ctx context.Context, orgID snowflake.ID, env string, customerID snowflake.ID) (*domain.CustomerSnapshot, error) {
	var customer domain.Customer
	err := c.db.WithContext(ctx).
		Where("org_id = ? AND env = ? AND id = ?", orgID, env, customerID).
		First(&customer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrCustomerNotFound
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrInfrastructure, err)
	}

	entitlements, rollovers, err := c.loadBalances(ctx, c.db.WithContext(ctx), orgID, env, customerID)
	if err != nil {
		return nil, err
	}
	return domain.BuildSnapshot(customer, entitlements, rollovers), nil
}

func (c *Coordinator) ensureNotDuplicate(ctx context.Context, tx *gorm.DB, req domain.DeductionRequest) error {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil
	}
	var count int64
	err := tx.WithContext(ctx).Model(&usagedomain.UsageEvent{}).
		Where("org_id = ? AND idempotency_key = ?", req.OrgID, key).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return domain.ErrDuplicateRequest
	}
	return nil
}

// claimKey inserts the request's keyed usage event inside the deduction
// transaction. The partial unique index on (org_id, idempotency_key)
// makes a same-key retry collide here immediately, without waiting for
// the asynchronous event batch to flush; the batched copy of this row
// is later dropped on conflict.
func (c *Coordinator) claimKey(ctx context.Context, tx *gorm.DB, req domain.DeductionRequest, result *domain.DeductionResult, now time.Time) error {
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" || len(result.Applied) == 0 {
		return nil
	}

	first := result.Applied[0]
	recorded := req.RecordedAt
	if recorded.IsZero() {
		recorded = now
	}
	event := usagedomain.UsageEvent{
		ID:             c.genID.Generate(),
		OrgID:          req.OrgID,
		Env:            c.env(req),
		CustomerID:     req.CustomerID,
		FeatureCode:    first.FeatureCode,
		Amount:         first.Amount,
		RecordedAt:     recorded,
		Source:         usagedomain.SourceFallback,
		IdempotencyKey: &key,
		CreatedAt:      now,
	}
	if featureID, err := snowflake.ParseString(first.FeatureID); err == nil {
		event.FeatureID = featureID
	}
	if entID, err := snowflake.ParseString(first.EntitlementID); err == nil {
		event.EntitlementID = entID
	}
	if first.EntityID != "" {
		entity := first.EntityID
		event.EntityID = &entity
	}
	if req.Metadata != nil {
		event.Metadata = datatypes.JSONMap(req.Metadata)
	}

	res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&event)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrDuplicateRequest
	}
	return nil
}

func (c *Coordinator) loadLocked(ctx context.Context, tx *gorm.DB, req domain.DeductionRequest) (*domain.CustomerSnapshot, error) {
	scoped := tx.WithContext(ctx)
	if c.dialect() != "sqlite" {
		scoped = scoped.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var customer domain.Customer
	err := scoped.
		Where("org_id = ? AND env = ? AND id = ?", req.OrgID, c.env(req), req.CustomerID).
		First(&customer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrCustomerNotFound
		}
		return nil, err
	}

	entitlements, rollovers, err := c.loadBalances(ctx, scoped, req.OrgID, c.env(req), req.CustomerID)
	if err != nil {
		return nil, err
	}
	return domain.BuildSnapshot(customer, entitlements, rollovers), nil
}

func (c *Coordinator) loadBalances(ctx context.Context, scoped *gorm.DB, orgID snowflake.ID, env string, customerID snowflake.ID) ([]domain.Entitlement, []domain.Rollover, error) {
	var entitlements []domain.Entitlement
	err := scoped.
		Where("org_id = ? AND env = ? AND customer_id = ?", orgID, env, customerID).
		Order("id").
		Find(&entitlements).Error
	if err != nil {
		return nil, nil, err
	}

	var rollovers []domain.Rollover
	if len(entitlements) > 0 {
		ids := make([]snowflake.ID, 0, len(entitlements))
		for _, ent := range entitlements {
			ids = append(ids, ent.ID)
		}
		err = scoped.
			Where("entitlement_id IN ?", ids).
			Order("id").
			Find(&rollovers).Error
		if err != nil {
			return nil, nil, err
		}
	}
	return entitlements, rollovers, nil
}

// ApplyResult replays record states computed elsewhere (the fast path)
// onto the durable rows. Rows that disappeared in the meantime are
// skipped: a deleted grant has no balance left to reconcile.
func (c *Coordinator) ApplyResult(ctx context.Context, result *domain.DeductionResult, now time.Time) error {
	if result == nil {
		return nil
	}
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return c.persist(ctx, tx, result, now, false)
	})
}

// persist writes the result's absolute record states. In strict mode a
// missing row invalidates the whole result.
func (c *Coordinator) persist(ctx context.Context, tx *gorm.DB, result *domain.DeductionResult, now time.Time, strict bool) error {
	for _, update := range result.Entitlements {
		id, err := snowflake.ParseString(update.ID)
		if err != nil {
			return domain.ErrMalformedResult
		}
		values := map[string]any{
			"balance":      update.Balance,
			"usage":        update.Usage,
			"adjustment":   update.Adjustment,
			"replaceables": datatypes.NewJSONType(update.Replaceables),
			"updated_at":   now,
		}
		if update.Entities != nil {
			values["entities"] = datatypes.NewJSONType(update.Entities)
		}
		res := tx.WithContext(ctx).Model(&domain.Entitlement{}).Where("id = ?", id).Updates(values)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 && strict {
			return domain.ErrMalformedResult
		}
	}

	for _, update := range result.Rollovers {
		id, err := snowflake.ParseString(update.ID)
		if err != nil {
			return domain.ErrMalformedResult
		}
		values := map[string]any{
			"balance":    update.Balance,
			"usage":      update.Usage,
			"updated_at": now,
		}
		if update.Entities != nil {
			values["entities"] = datatypes.NewJSONType(update.Entities)
		}
		res := tx.WithContext(ctx).Model(&domain.Rollover{}).Where("id = ?", id).Updates(values)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 && strict {
			return domain.ErrMalformedResult
		}
	}
	return nil
}

// deductViaFunction delegates the whole request to the store's
// drawdown_track function, which shares the decrement semantics and
// signals business rejection through its structured error message. The
// key claim runs in the same transaction so the function's mutations
// roll back with a duplicate.
func (c *Coordinator) deductViaFunction(ctx context.Context, req domain.DeductionRequest, now time.Time) (*domain.DeductionResult, *domain.CustomerSnapshot, error) {
	features, err := json.Marshal(req.Features)
	if err != nil {
		return nil, nil, err
	}

	var result domain.DeductionResult
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := c.ensureNotDuplicate(ctx, tx, req); err != nil {
			return err
		}

		var raw string
		err := tx.WithContext(ctx).Raw(
			`SELECT drawdown_track(?, ?, ?, ?::jsonb, ?, ?)::text`,
			int64(req.OrgID),
			c.env(req),
			int64(req.CustomerID),
			string(features),
			string(req.Policy),
			req.EntityID,
		).Scan(&raw).Error
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrMalformedResult, err)
		}
		return c.claimKey(ctx, tx, req, &result, now)
	})
	if err != nil {
		if parsed := ParseStoredError(err); parsed != err {
			return nil, nil, parsed
		}
		return nil, nil, c.classify(err)
	}

	snapshot, err := c.Snapshot(ctx, req.OrgID, c.env(req), req.CustomerID)
	if err != nil {
		return &result, nil, nil
	}
	return &result, snapshot, nil
}

// classify keeps typed outcomes intact and folds everything else into an
// infrastructure failure.
func (c *Coordinator) classify(err error) error {
	if domain.KindOf(err) != domain.KindInfrastructure {
		return err
	}
	if errors.Is(err, domain.ErrInfrastructure) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrInfrastructure, err)
}

func (c *Coordinator) env(req domain.DeductionRequest) string {
	env := strings.TrimSpace(req.Env)
	if env == "" {
		return "live"
	}
	return env
}

func (c *Coordinator) dialect() string {
	if c.db == nil {
		return ""
	}
	return strings.ToLower(c.db.Dialector.Name())
}
