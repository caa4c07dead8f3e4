package domain

// EntitlementUpdate carries the post-deduction state of one entitlement
// row touched by a request.
type EntitlementUpdate struct {
	ID         string  `json:"id"`
	Balance    float64 `json:"balance"`
	Usage      float64 `json:"usage"`
	Adjustment float64 `json:"adjustment,omitempty"`

	Entities     map[string]EntityBalance `json:"entities,omitempty"`
	Replaceables []string                 `json:"replaceables,omitempty"`
}

// RolloverUpdate carries the post-deduction state of one rollover.
type RolloverUpdate struct {
	ID      string  `json:"id"`
	Balance float64 `json:"balance"`
	Usage   float64 `json:"usage"`

	Entities map[string]EntityBalance `json:"entities,omitempty"`
}

// AppliedDeduction records how one feature deduction was satisfied. The
// entitlement id is the primary (base grant) source even when part of
// the amount was drawn from rollovers.
type AppliedDeduction struct {
	FeatureID     string  `json:"feature_id"`
	FeatureCode   string  `json:"feature_code"`
	EntitlementID string  `json:"entitlement_id"`
	EntityID      string  `json:"entity_id,omitempty"`
	Amount        float64 `json:"amount"`
	Unlimited     bool    `json:"unlimited,omitempty"`
}

// DeductionResult describes the effect of one accepted request: the new
// state of every balance record it touched, plus one applied entry per
// feature from which the usage events are built.
type DeductionResult struct {
	Entitlements []EntitlementUpdate `json:"entitlements"`
	Rollovers    []RolloverUpdate    `json:"rollovers,omitempty"`
	Applied      []AppliedDeduction  `json:"applied"`
}

// Update returns the entitlement update for id, or nil.
func (r *DeductionResult) Update(id string) *EntitlementUpdate {
	for i := range r.Entitlements {
		if r.Entitlements[i].ID == id {
			return &r.Entitlements[i]
		}
	}
	return nil
}
