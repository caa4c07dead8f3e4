// Package domain contains the balance tracking models: entitlement grants,
// their mutable balance state, rollovers carried across reset cycles, and
// the flat snapshot shape shared by the fast path and the fallback path.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Customer is the minimal customer row the engine needs for existence
// checks; everything else about customers lives in the billing plane.
type Customer struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	OrgID     snowflake.ID `gorm:"not null;index:idx_customers_scope"`
	Env       string       `gorm:"type:text;not null;default:'live';index:idx_customers_scope"`
	Name      string       `gorm:"type:text"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Customer) TableName() string { return "customers" }

// Interval values for entitlement resets.
const (
	IntervalMonth    = "month"
	IntervalYear     = "year"
	IntervalLifetime = "lifetime"
)

// EntityBalance is the balance/usage pair tracked for one sub-entity
// (e.g. a seat) when a grant is split per entity.
type EntityBalance struct {
	Balance float64 `json:"balance"`
	Usage   float64 `json:"usage"`
}

// Entitlement is one grant instance for a (customer, feature) pair plus
// its mutable balance state. Invariant outside the atomic mutation:
// balance + usage == granted_amount + adjustment, per row or per entity
// entry when the grant is split per entity.
type Entitlement struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	OrgID       snowflake.ID `gorm:"not null;index:idx_entitlements_scope"`
	Env         string       `gorm:"type:text;not null;default:'live';index:idx_entitlements_scope"`
	CustomerID  snowflake.ID `gorm:"not null;index:idx_entitlements_scope"`
	FeatureID   snowflake.ID `gorm:"not null;index"`
	FeatureCode string       `gorm:"type:text;not null"` // snapshot

	GrantedAmount  float64  `gorm:"not null"`
	Interval       string   `gorm:"type:text;not null;default:'month'"`
	Unlimited      bool     `gorm:"not null;default:false"`
	OverageAllowed bool     `gorm:"not null;default:false"`
	UsageLimit     *float64 // max purchase; bounds permitted overage
	PaidAllocation bool     `gorm:"not null;default:false"` // paid, non-resettable allocation

	Balance    float64 `gorm:"not null"`
	Usage      float64 `gorm:"not null;default:0"`
	Adjustment float64 `gorm:"not null;default:0"` // manual correction offset

	Entities     datatypes.JSONType[map[string]EntityBalance] `gorm:"type:jsonb"`
	Replaceables datatypes.JSONType[[]string]                 `gorm:"type:jsonb"`

	NextResetAt *time.Time
	CreatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Entitlement) TableName() string { return "entitlements" }

// Rollover is unused balance carried from a prior reset cycle. Rows are
// pruned on expiry by a periodic job, not by the deduction engine.
type Rollover struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	OrgID         snowflake.ID `gorm:"not null;index"`
	EntitlementID snowflake.ID `gorm:"not null;index"`

	Balance float64 `gorm:"not null"`
	Usage   float64 `gorm:"not null;default:0"`

	ExpiresAt *time.Time
	Entities  datatypes.JSONType[map[string]EntityBalance] `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Rollover) TableName() string { return "rollovers" }
