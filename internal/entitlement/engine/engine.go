// Package engine implements the deduction semantics shared by the fast
// path and the fallback path: source ordering, overage policy, per-entity
// allocation, rollover consumption, and replaceable bookkeeping. The
// fast-path Lua script is a line-for-line mirror of Apply; the fallback
// coordinator runs Apply inside a database transaction.
package engine

import (
	"math"
	"time"

	"github.com/smallbiznis/drawdown/internal/entitlement/domain"
)

// Options tune Apply per execution path.
type Options struct {
	// AllowPaidAllocation permits deductions funded only by paid,
	// non-resettable allocations. The fast path does not support them
	// and rejects with ErrPaidAllocated; the fallback sets this.
	AllowPaidAllocation bool
}

// Apply executes every feature deduction of req against a copy of the
// snapshot and returns the resulting updates. Either all feature
// deductions succeed together or none are applied; the input snapshot is
// never mutated.
func Apply(snapshot *domain.CustomerSnapshot, req domain.DeductionRequest, now time.Time, opts Options) (*domain.DeductionResult, error) {
	if snapshot == nil {
		return nil, domain.ErrCustomerNotFound
	}
	if len(snapshot.Entitlements) == 0 {
		return nil, domain.ErrNoCustomerProducts
	}

	work := snapshot.Clone()
	touched := newTouchSet()
	applied := make([]domain.AppliedDeduction, 0, len(req.Features))

	for _, feature := range req.Features {
		entry, err := applyFeature(work, touched, feature, req, now, opts)
		if err != nil {
			return nil, err
		}
		applied = append(applied, entry)
	}

	return buildResult(work, touched, applied), nil
}

func applyFeature(
	work *domain.CustomerSnapshot,
	touched *touchSet,
	feature domain.FeatureDeduction,
	req domain.DeductionRequest,
	now time.Time,
	opts Options,
) (domain.AppliedDeduction, error) {

	sources := collectSources(work, feature.FeatureID, now, opts)
	if len(sources.grants) == 0 {
		if sources.paidOnly {
			return domain.AppliedDeduction{}, domain.ErrPaidAllocated
		}
		return domain.AppliedDeduction{}, domain.ErrNoCustomerProducts
	}

	entry := domain.AppliedDeduction{
		FeatureID:     feature.FeatureID,
		FeatureCode:   sources.grants[0].FeatureCode,
		EntitlementID: sources.grants[0].ID,
		EntityID:      req.EntityID,
		Amount:        feature.Amount,
	}

	// Unlimited grants always accept and never mutate balance state.
	for _, grant := range sources.grants {
		if grant.Unlimited {
			entry.EntitlementID = grant.ID
			entry.Unlimited = true
			return entry, nil
		}
	}

	if feature.Amount < 0 {
		credit(sources.grants[0], req.EntityID, -feature.Amount)
		touched.entitlement(sources.grants[0].ID)
		return entry, nil
	}
	if feature.Amount == 0 {
		return entry, nil
	}

	if err := drawDown(sources, touched, feature, req); err != nil {
		return domain.AppliedDeduction{}, err
	}
	return entry, nil
}

// drawDown consumes the ordered sources until the requested amount is
// satisfied, or fails with the total remaining balance when it cannot be.
func drawDown(sources featureSources, touched *touchSet, feature domain.FeatureDeduction, req domain.DeductionRequest) error {
	caps := make([]float64, len(sources.grants))
	available := 0.0
	for _, ro := range sources.rollovers {
		available += rolloverAvailable(ro, req.EntityID)
	}
	for i, grant := range sources.grants {
		caps[i] = grantCap(grant, req)
		available += caps[i]
	}

	if available < feature.Amount {
		return &domain.InsufficientBalanceError{
			FeatureID: feature.FeatureID,
			Requested: feature.Amount,
			Remaining: available,
		}
	}

	remaining := feature.Amount
	for _, ro := range sources.rollovers {
		if remaining <= 0 {
			break
		}
		take := math.Min(remaining, rolloverAvailable(ro, req.EntityID))
		if take <= 0 {
			continue
		}
		consumeRollover(ro, req.EntityID, take)
		touched.rollover(ro.ID)
		remaining -= take
	}
	for i, grant := range sources.grants {
		if remaining <= 0 {
			break
		}
		take := math.Min(remaining, caps[i])
		if take <= 0 {
			continue
		}
		consumeGrant(grant, req.EntityID, take)
		touched.entitlement(grant.ID)
		remaining -= take
	}
	return nil
}

func consumeGrant(grant *domain.EntitlementState, entityID string, amount float64) {
	if grant.Entities != nil && entityID != "" {
		entry := grant.Entities[entityID]
		entry.Balance -= amount
		entry.Usage += amount
		grant.Entities[entityID] = entry
		// A consumed slot is no longer replaceable.
		grant.Replaceables = removeString(grant.Replaceables, entityID)
	}
	grant.Balance -= amount
	grant.Usage += amount
}

func consumeRollover(ro *domain.RolloverState, entityID string, amount float64) {
	if ro.Entities != nil && entityID != "" {
		entry := ro.Entities[entityID]
		entry.Balance -= amount
		entry.Usage += amount
		ro.Entities[entityID] = entry
	}
	ro.Balance -= amount
	ro.Usage += amount
}

// credit refunds amount onto the base grant. Credits bypass policy
// checks entirely.
func credit(grant *domain.EntitlementState, entityID string, amount float64) {
	if grant.Entities != nil && entityID != "" {
		entry := grant.Entities[entityID]
		entry.Balance += amount
		entry.Usage -= amount
		grant.Entities[entityID] = entry
		if entry.Usage <= 0 && !containsString(grant.Replaceables, entityID) {
			// The allocation unit is fully refunded and can be handed to
			// a new entity at the next reset.
			grant.Replaceables = append(grant.Replaceables, entityID)
		}
	}
	grant.Balance += amount
	grant.Usage -= amount
}

// grantCap returns how much a base grant can absorb under the request's
// policy: its positive balance under cap, the usage-limit headroom when
// bounded overage is permitted, and +Inf for unbounded overage.
func grantCap(grant *domain.EntitlementState, req domain.DeductionRequest) float64 {
	balance := grant.Balance
	usage := grant.Usage
	if grant.Entities != nil && req.EntityID != "" {
		entry := grant.Entities[req.EntityID]
		balance = entry.Balance
		usage = entry.Usage
	}

	spendable := math.Max(balance, 0)
	if req.Policy != domain.OverageAllow || !grant.OverageAllowed {
		return spendable
	}
	if grant.UsageLimit == nil {
		return math.Inf(1)
	}
	headroom := *grant.UsageLimit - usage
	return math.Max(headroom, spendable)
}

func rolloverAvailable(ro *domain.RolloverState, entityID string) float64 {
	balance := ro.Balance
	if ro.Entities != nil && entityID != "" {
		balance = ro.Entities[entityID].Balance
	}
	return math.Max(balance, 0)
}

func buildResult(work *domain.CustomerSnapshot, touched *touchSet, applied []domain.AppliedDeduction) *domain.DeductionResult {
	result := &domain.DeductionResult{
		Entitlements: make([]domain.EntitlementUpdate, 0, len(touched.entitlements)),
		Rollovers:    make([]domain.RolloverUpdate, 0, len(touched.rollovers)),
		Applied:      applied,
	}
	for _, id := range touched.entitlements {
		ent := work.Entitlement(id)
		result.Entitlements = append(result.Entitlements, domain.EntitlementUpdate{
			ID:           ent.ID,
			Balance:      ent.Balance,
			Usage:        ent.Usage,
			Adjustment:   ent.Adjustment,
			Entities:     ent.Entities,
			Replaceables: ent.Replaceables,
		})
	}
	for _, id := range touched.rollovers {
		ro := work.Rollover(id)
		result.Rollovers = append(result.Rollovers, domain.RolloverUpdate{
			ID:       ro.ID,
			Balance:  ro.Balance,
			Usage:    ro.Usage,
			Entities: ro.Entities,
		})
	}
	return result
}

func removeString(values []string, target string) []string {
	for i, v := range values {
		if v == target {
			return append(values[:i], values[i+1:]...)
		}
	}
	return values
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
