package domain

import (
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// OveragePolicy controls what happens when a deduction exceeds the
// available balance.
type OveragePolicy string

const (
	// OverageCap rejects any deduction that would exceed the available
	// balance.
	OverageCap OveragePolicy = "cap"
	// OverageAllow permits the balance to go negative, bounded by the
	// grant's usage limit when one is set.
	OverageAllow OveragePolicy = "allow"
)

// FeatureDeduction is one feature/amount pair within a request. Negative
// amounts are credits and always succeed.
type FeatureDeduction struct {
	FeatureID string  `json:"feature_id"`
	Amount    float64 `json:"amount"`
}

// DeductionRequest is a fully-resolved request to deduct usage from one
// customer's balances. All feature deductions apply together or not at
// all.
type DeductionRequest struct {
	OrgID      snowflake.ID
	Env        string
	CustomerID snowflake.ID

	Features []FeatureDeduction
	Policy   OveragePolicy
	EntityID string // optional; targets one sub-entity's allocation

	IdempotencyKey string
	RecordedAt     time.Time
	Metadata       map[string]any
}

// Validate rejects requests the engine must never see.
func (r DeductionRequest) Validate() error {
	if r.OrgID == 0 {
		return ErrInvalidOrganization
	}
	if r.CustomerID == 0 {
		return ErrInvalidCustomer
	}
	if len(r.Features) == 0 {
		return ErrNoFeatures
	}
	seen := make(map[string]struct{}, len(r.Features))
	for _, f := range r.Features {
		id := strings.TrimSpace(f.FeatureID)
		if id == "" {
			return ErrInvalidFeature
		}
		if math.IsNaN(f.Amount) || math.IsInf(f.Amount, 0) {
			return ErrInvalidAmount
		}
		if _, dup := seen[id]; dup {
			return ErrInvalidFeature
		}
		seen[id] = struct{}{}
	}
	switch r.Policy {
	case OverageCap, OverageAllow:
	default:
		return ErrInvalidPolicy
	}
	return nil
}

// Scope returns the idempotency scope for this request.
func (r DeductionRequest) Scope() string {
	env := strings.TrimSpace(r.Env)
	if env == "" {
		env = "live"
	}
	return r.OrgID.String() + ":" + env + ":" + r.CustomerID.String()
}
