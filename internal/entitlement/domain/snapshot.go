package domain

import "time"

// CustomerSnapshot is the flat, id-keyed view of one customer's balance
// state. It is the value stored in the fast-path store, the input to the
// pure deduction engine, and the shape callers merge deduction deltas
// into. IDs are strings because the JSON codec must survive Lua's
// double-precision numbers.
type CustomerSnapshot struct {
	CustomerID   string             `json:"customer_id"`
	OrgID        string             `json:"org_id"`
	Env          string             `json:"env"`
	Entitlements []EntitlementState `json:"entitlements"`
	Rollovers    []RolloverState    `json:"rollovers,omitempty"`
}

// EntitlementState mirrors one entitlement row.
type EntitlementState struct {
	ID          string `json:"id"`
	FeatureID   string `json:"feature_id"`
	FeatureCode string `json:"feature_code"`

	GrantedAmount  float64  `json:"granted_amount"`
	Unlimited      bool     `json:"unlimited,omitempty"`
	OverageAllowed bool     `json:"overage_allowed,omitempty"`
	UsageLimit     *float64 `json:"usage_limit,omitempty"`
	PaidAllocation bool     `json:"paid_allocation,omitempty"`

	Balance    float64 `json:"balance"`
	Usage      float64 `json:"usage"`
	Adjustment float64 `json:"adjustment,omitempty"`

	Entities     map[string]EntityBalance `json:"entities,omitempty"`
	Replaceables []string                 `json:"replaceables,omitempty"`
}

// RolloverState mirrors one rollover row. Expiry is carried as unix
// milliseconds so the fast-path script can order rollovers numerically.
type RolloverState struct {
	ID            string `json:"id"`
	EntitlementID string `json:"entitlement_id"`

	Balance float64 `json:"balance"`
	Usage   float64 `json:"usage"`

	ExpiresAtMs *int64                   `json:"expires_at_ms,omitempty"`
	Entities    map[string]EntityBalance `json:"entities,omitempty"`
}

// BuildSnapshot flattens the persistence rows into a snapshot.
func BuildSnapshot(customer Customer, entitlements []Entitlement, rollovers []Rollover) *CustomerSnapshot {
	snapshot := &CustomerSnapshot{
		CustomerID:   customer.ID.String(),
		OrgID:        customer.OrgID.String(),
		Env:          customer.Env,
		Entitlements: make([]EntitlementState, 0, len(entitlements)),
		Rollovers:    make([]RolloverState, 0, len(rollovers)),
	}
	for _, row := range entitlements {
		snapshot.Entitlements = append(snapshot.Entitlements, EntitlementState{
			ID:             row.ID.String(),
			FeatureID:      row.FeatureID.String(),
			FeatureCode:    row.FeatureCode,
			GrantedAmount:  row.GrantedAmount,
			Unlimited:      row.Unlimited,
			OverageAllowed: row.OverageAllowed,
			UsageLimit:     row.UsageLimit,
			PaidAllocation: row.PaidAllocation,
			Balance:        row.Balance,
			Usage:          row.Usage,
			Adjustment:     row.Adjustment,
			Entities:       row.Entities.Data(),
			Replaceables:   row.Replaceables.Data(),
		})
	}
	for _, row := range rollovers {
		state := RolloverState{
			ID:            row.ID.String(),
			EntitlementID: row.EntitlementID.String(),
			Balance:       row.Balance,
			Usage:         row.Usage,
			Entities:      row.Entities.Data(),
		}
		if row.ExpiresAt != nil {
			ms := row.ExpiresAt.UnixMilli()
			state.ExpiresAtMs = &ms
		}
		snapshot.Rollovers = append(snapshot.Rollovers, state)
	}
	return snapshot
}

// Clone deep-copies the snapshot so the engine can mutate freely and
// commit all-or-nothing.
func (s *CustomerSnapshot) Clone() *CustomerSnapshot {
	if s == nil {
		return nil
	}
	out := &CustomerSnapshot{
		CustomerID:   s.CustomerID,
		OrgID:        s.OrgID,
		Env:          s.Env,
		Entitlements: make([]EntitlementState, len(s.Entitlements)),
		Rollovers:    make([]RolloverState, len(s.Rollovers)),
	}
	for i, ent := range s.Entitlements {
		out.Entitlements[i] = ent.clone()
	}
	for i, ro := range s.Rollovers {
		out.Rollovers[i] = ro.clone()
	}
	return out
}

func (e EntitlementState) clone() EntitlementState {
	out := e
	if e.UsageLimit != nil {
		limit := *e.UsageLimit
		out.UsageLimit = &limit
	}
	out.Entities = cloneEntities(e.Entities)
	if e.Replaceables != nil {
		out.Replaceables = append([]string(nil), e.Replaceables...)
	}
	return out
}

func (r RolloverState) clone() RolloverState {
	out := r
	if r.ExpiresAtMs != nil {
		ms := *r.ExpiresAtMs
		out.ExpiresAtMs = &ms
	}
	out.Entities = cloneEntities(r.Entities)
	return out
}

func cloneEntities(entities map[string]EntityBalance) map[string]EntityBalance {
	if entities == nil {
		return nil
	}
	out := make(map[string]EntityBalance, len(entities))
	for k, v := range entities {
		out[k] = v
	}
	return out
}

// Entitlement returns the entitlement state with the given id, or nil.
func (s *CustomerSnapshot) Entitlement(id string) *EntitlementState {
	for i := range s.Entitlements {
		if s.Entitlements[i].ID == id {
			return &s.Entitlements[i]
		}
	}
	return nil
}

// Rollover returns the rollover state with the given id, or nil.
func (s *CustomerSnapshot) Rollover(id string) *RolloverState {
	for i := range s.Rollovers {
		if s.Rollovers[i].ID == id {
			return &s.Rollovers[i]
		}
	}
	return nil
}

// ExpiresAfter reports whether r expires after other. A rollover without
// an expiry sorts last; ties break on id so the order is total.
func (r RolloverState) ExpiresAfter(other RolloverState) bool {
	switch {
	case r.ExpiresAtMs == nil && other.ExpiresAtMs == nil:
		return r.ID > other.ID
	case r.ExpiresAtMs == nil:
		return true
	case other.ExpiresAtMs == nil:
		return false
	case *r.ExpiresAtMs != *other.ExpiresAtMs:
		return *r.ExpiresAtMs > *other.ExpiresAtMs
	default:
		return r.ID > other.ID
	}
}

// ExpiredAt reports whether the rollover is past its expiry at t.
func (r RolloverState) ExpiredAt(t time.Time) bool {
	return r.ExpiresAtMs != nil && *r.ExpiresAtMs <= t.UnixMilli()
}
