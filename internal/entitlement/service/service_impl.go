// Package service orchestrates one deduction end to end: idempotency
// gate, fast path, at most one fallback to the durable store, cache
// re-warm, and usage event batching.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/drawdown/internal/clock"
	"github.com/smallbiznis/drawdown/internal/config"
	"github.com/smallbiznis/drawdown/internal/entitlement/domain"
	"github.com/smallbiznis/drawdown/internal/lock"
	"github.com/smallbiznis/drawdown/internal/observability/metrics"
	"github.com/smallbiznis/drawdown/internal/orgcontext"
	usagedomain "github.com/smallbiznis/drawdown/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// FastPath is the cached deduction surface.
type FastPath interface {
	Deduct(ctx context.Context, req domain.DeductionRequest, now time.Time) (*domain.DeductionResult, error)
	Warm(ctx context.Context, snapshot *domain.CustomerSnapshot) error
	Snapshot(ctx context.Context, orgID, env, customerID string) (*domain.CustomerSnapshot, error)
}

// Fallback is the durable deduction surface.
type Fallback interface {
	Deduct(ctx context.Context, req domain.DeductionRequest, now time.Time) (*domain.DeductionResult, *domain.CustomerSnapshot, error)
	Snapshot(ctx context.Context, orgID snowflake.ID, env string, customerID snowflake.ID) (*domain.CustomerSnapshot, error)
}

// Guard claims idempotency keys ahead of the deduction path.
type Guard interface {
	Acquire(ctx context.Context, orgID, idempotencyKey string) error
	Release(ctx context.Context, orgID, idempotencyKey string)
}

// EventSink receives usage events for asynchronous persistence.
type EventSink interface {
	Enqueue(ctx context.Context, events ...usagedomain.UsageEvent) error
}

// WarmLocks serializes cache re-warms per customer.
type WarmLocks interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// Writeback replays fast-path results onto the durable store so both
// stores converge even after the cached snapshot expires.
type Writeback interface {
	Enqueue(ctx context.Context, result *domain.DeductionResult, at time.Time)
	Flush(ctx context.Context) error
}

type Params struct {
	fx.In

	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Metrics *metrics.Metrics           `optional:"true"`
	Engine  *config.EngineConfigHolder `optional:"true"`

	FastPath  FastPath  `optional:"true"`
	Fallback  Fallback
	Guard     Guard     `optional:"true"`
	Events    EventSink `optional:"true"`
	WarmLocks WarmLocks `optional:"true"`
	Writeback Writeback `optional:"true"`
}

type Service struct {
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	metrics *metrics.Metrics

	fast      FastPath
	fallback  Fallback
	guard     Guard
	events    EventSink
	warmLocks WarmLocks
	writeback Writeback

	warmLockTTL time.Duration
}

func New(p Params) domain.Service {
	warmLockTTL := 5 * time.Second
	if p.Engine != nil {
		if ttl := p.Engine.Get().WarmLockTTL; ttl > 0 {
			warmLockTTL = ttl
		}
	}
	return &Service{
		log:         p.Log.Named("entitlement.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		metrics:     p.Metrics,
		fast:        p.FastPath,
		fallback:    p.Fallback,
		guard:       p.Guard,
		events:      p.Events,
		warmLocks:   p.WarmLocks,
		writeback:   p.Writeback,
		warmLockTTL: warmLockTTL,
	}
}

// Track applies one deduction request. The request either applies in
// full, on exactly one path, or not at all.
func (s *Service) Track(ctx context.Context, req domain.DeductionRequest) (*domain.DeductionResult, error) {
	req = s.normalize(ctx, req)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	if req.RecordedAt.IsZero() {
		req.RecordedAt = now
	}

	if err := s.acquireGuard(ctx, req); err != nil {
		return nil, err
	}

	result, path, err := s.deduct(ctx, req, now)
	if err != nil {
		// Nothing was applied; free the key so a later retry can
		// succeed. Duplicates keep their original marker.
		if !errors.Is(err, domain.ErrDuplicateRequest) {
			s.releaseGuard(ctx, req)
		}
		s.record(ctx, path, outcomeLabel(err))
		return nil, err
	}

	s.enqueueEvents(ctx, req, result, path)
	s.record(ctx, path, "ok")
	return result, nil
}

// Snapshot returns the customer's balance state, preferring the cached
// copy and warming it from the durable store on a miss.
func (s *Service) Snapshot(ctx context.Context, customerID string) (*domain.CustomerSnapshot, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	env := orgcontext.EnvFromContext(ctx)

	parsed, err := snowflake.ParseString(strings.TrimSpace(customerID))
	if err != nil {
		return nil, domain.ErrInvalidCustomer
	}

	if s.fast != nil {
		snapshot, err := s.fast.Snapshot(ctx, orgID.String(), env, parsed.String())
		if err == nil {
			return snapshot, nil
		}
		if !errors.Is(err, domain.ErrCustomerNotFound) {
			s.log.Warn("fast-path snapshot read failed", zap.Error(err))
		}
	}

	s.flushWriteback(ctx)
	snapshot, err := s.fallback.Snapshot(ctx, orgID, env, parsed)
	if err != nil {
		return nil, err
	}
	s.warm(ctx, snapshot)
	return snapshot, nil
}

// deduct tries the fast path and falls back at most once. Durable reads
// are always preceded by a write-back flush so the fallback never
// computes from rows missing recent fast-path spend.
func (s *Service) deduct(ctx context.Context, req domain.DeductionRequest, now time.Time) (*domain.DeductionResult, string, error) {
	if s.fast == nil {
		s.flushWriteback(ctx)
		result, snapshot, err := s.fallback.Deduct(ctx, req, now)
		if err != nil {
			return nil, metrics.PathFallback, err
		}
		s.warm(ctx, snapshot)
		return result, metrics.PathFallback, nil
	}

	result, err := s.fast.Deduct(ctx, req, now)
	if err == nil {
		s.queueWriteback(ctx, result, now)
		return result, metrics.PathFast, nil
	}

	kind := domain.KindOf(err)
	if !domain.FallbackEligible(kind) {
		return nil, metrics.PathFast, err
	}

	s.log.Debug("fast path could not answer, consulting durable store",
		zap.String("customer_id", req.CustomerID.String()),
		zap.String("reason", outcomeLabel(err)),
	)
	if s.metrics != nil {
		s.metrics.RecordFallback(ctx, outcomeLabel(err))
	}

	s.flushWriteback(ctx)
	result, snapshot, err := s.fallback.Deduct(ctx, req, now)
	if err != nil {
		return nil, metrics.PathFallback, err
	}
	s.warm(ctx, snapshot)
	return result, metrics.PathFallback, nil
}

func (s *Service) acquireGuard(ctx context.Context, req domain.DeductionRequest) error {
	if s.guard == nil || req.IdempotencyKey == "" {
		return nil
	}
	err := s.guard.Acquire(ctx, req.OrgID.String(), req.IdempotencyKey)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrDuplicateRequest):
		if s.metrics != nil {
			s.metrics.RecordDuplicate(ctx)
		}
		return err
	default:
		// Marker store unavailable. The durable store's unique index
		// still rejects duplicates, so proceed.
		s.log.Warn("idempotency guard unavailable", zap.Error(err))
		return nil
	}
}

func (s *Service) releaseGuard(ctx context.Context, req domain.DeductionRequest) {
	if s.guard == nil || req.IdempotencyKey == "" {
		return
	}
	s.guard.Release(ctx, req.OrgID.String(), req.IdempotencyKey)
}

// warm refreshes the cached snapshot after a durable-store write. Only
// one worker per customer rebuilds at a time; losing the lock means a
// peer already holds a fresher copy.
func (s *Service) warm(ctx context.Context, snapshot *domain.CustomerSnapshot) {
	if s.fast == nil || snapshot == nil {
		return
	}

	key := lock.WarmKey(snapshot.OrgID, snapshot.Env, snapshot.CustomerID)
	if s.warmLocks != nil {
		token, ok, err := s.warmLocks.TryLock(ctx, key, s.warmLockTTL)
		if err != nil || !ok {
			return
		}
		defer func() {
			if err := s.warmLocks.Release(ctx, key, token); err != nil {
				s.log.Warn("failed to release warm lock", zap.Error(err))
			}
		}()
	}

	if err := s.fast.Warm(ctx, snapshot); err != nil {
		s.log.Warn("failed to warm customer snapshot",
			zap.String("customer_id", snapshot.CustomerID),
			zap.Error(err),
		)
	}
}

// queueWriteback schedules a fast-path result for durable replay.
func (s *Service) queueWriteback(ctx context.Context, result *domain.DeductionResult, now time.Time) {
	if s.writeback == nil || result == nil {
		return
	}
	s.writeback.Enqueue(ctx, result, now)
}

func (s *Service) flushWriteback(ctx context.Context) {
	if s.writeback == nil {
		return
	}
	if err := s.writeback.Flush(ctx); err != nil {
		s.log.Warn("write-back flush before durable read failed", zap.Error(err))
	}
}

func (s *Service) enqueueEvents(ctx context.Context, req domain.DeductionRequest, result *domain.DeductionResult, path string) {
	if s.events == nil || result == nil {
		return
	}

	source := usagedomain.SourceFastPath
	if path == metrics.PathFallback {
		source = usagedomain.SourceFallback
	}

	events := make([]usagedomain.UsageEvent, 0, len(result.Applied))
	for i, applied := range result.Applied {
		event := usagedomain.UsageEvent{
			ID:          s.genID.Generate(),
			OrgID:       req.OrgID,
			Env:         s.envOf(req),
			CustomerID:  req.CustomerID,
			FeatureCode: applied.FeatureCode,
			Amount:      applied.Amount,
			RecordedAt:  req.RecordedAt,
			Source:      source,
			CreatedAt:   s.clock.Now().UTC(),
		}
		if featureID, err := snowflake.ParseString(applied.FeatureID); err == nil {
			event.FeatureID = featureID
		}
		if entID, err := snowflake.ParseString(applied.EntitlementID); err == nil {
			event.EntitlementID = entID
		}
		if applied.EntityID != "" {
			entity := applied.EntityID
			event.EntityID = &entity
		}
		if req.Metadata != nil {
			event.Metadata = datatypes.JSONMap(req.Metadata)
		}
		// The idempotency key marks only the first event of a request,
		// matching the store's one-marker-per-request unique index. The
		// fallback path writes that row in its own transaction, so this
		// copy is dropped on conflict at flush time.
		if i == 0 && req.IdempotencyKey != "" {
			key := req.IdempotencyKey
			event.IdempotencyKey = &key
		}
		events = append(events, event)
	}

	if err := s.events.Enqueue(ctx, events...); err != nil {
		s.log.Warn("failed to enqueue usage events",
			zap.String("customer_id", req.CustomerID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) normalize(ctx context.Context, req domain.DeductionRequest) domain.DeductionRequest {
	if req.OrgID == 0 {
		if orgID, ok := orgcontext.OrgIDFromContext(ctx); ok {
			req.OrgID = orgID
		}
	}
	if strings.TrimSpace(req.Env) == "" {
		req.Env = orgcontext.EnvFromContext(ctx)
	}
	if req.Policy == "" {
		req.Policy = domain.OverageCap
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.EntityID = strings.TrimSpace(req.EntityID)
	return req
}

func (s *Service) envOf(req domain.DeductionRequest) string {
	env := strings.TrimSpace(req.Env)
	if env == "" {
		return "live"
	}
	return env
}

func (s *Service) record(ctx context.Context, path, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordDeduction(ctx, path, outcome)
}

func outcomeLabel(err error) string {
	switch domain.KindOf(err) {
	case domain.KindNone:
		return "ok"
	case domain.KindValidation:
		return "invalid_request"
	case domain.KindCustomerNotFound:
		return "customer_not_found"
	case domain.KindNoCustomerProducts:
		return "no_customer_products"
	case domain.KindInsufficientBalance:
		return "insufficient_balance"
	case domain.KindPaidAllocated:
		return "paid_allocated"
	case domain.KindDuplicateRequest:
		return "duplicate_request"
	default:
		return "infrastructure_failure"
	}
}
