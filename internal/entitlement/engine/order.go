package engine

import (
	"sort"
	"time"

	"github.com/smallbiznis/drawdown/internal/entitlement/domain"
)

// featureSources holds every usable balance source for one feature, in
// consumption order: soonest-expiring rollovers first, then base grants.
// A rollover expiring sooner is drawn first so the customer loses the
// least value; base grants come last because they reset anyway. Grants
// order by id so the sequence is total and deterministic.
type featureSources struct {
	grants    []*domain.EntitlementState
	rollovers []*domain.RolloverState
	paidOnly  bool
}

func collectSources(work *domain.CustomerSnapshot, featureID string, now time.Time, opts Options) featureSources {
	var out featureSources

	matched := 0
	for i := range work.Entitlements {
		grant := &work.Entitlements[i]
		if grant.FeatureID != featureID {
			continue
		}
		matched++
		if grant.PaidAllocation && !opts.AllowPaidAllocation {
			continue
		}
		out.grants = append(out.grants, grant)
	}
	out.paidOnly = matched > 0 && len(out.grants) == 0

	sort.Slice(out.grants, func(i, j int) bool {
		return idLess(out.grants[i].ID, out.grants[j].ID)
	})

	grantIDs := make(map[string]struct{}, len(out.grants))
	for _, grant := range out.grants {
		grantIDs[grant.ID] = struct{}{}
	}
	for i := range work.Rollovers {
		ro := &work.Rollovers[i]
		if _, ok := grantIDs[ro.EntitlementID]; !ok {
			continue
		}
		if ro.ExpiredAt(now) {
			continue
		}
		out.rollovers = append(out.rollovers, ro)
	}
	sort.Slice(out.rollovers, func(i, j int) bool {
		return out.rollovers[j].ExpiresAfter(*out.rollovers[i])
	})

	return out
}

// idLess compares snowflake ids rendered as decimal strings.
func idLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// touchSet tracks which records a request mutated, in first-touch order.
type touchSet struct {
	entitlements []string
	rollovers    []string
	seen         map[string]struct{}
}

func newTouchSet() *touchSet {
	return &touchSet{seen: make(map[string]struct{})}
}

func (t *touchSet) entitlement(id string) {
	if _, ok := t.seen["e:"+id]; ok {
		return
	}
	t.seen["e:"+id] = struct{}{}
	t.entitlements = append(t.entitlements, id)
}

func (t *touchSet) rollover(id string) {
	if _, ok := t.seen["r:"+id]; ok {
		return
	}
	t.seen["r:"+id] = struct{}{}
	t.rollovers = append(t.rollovers, id)
}
