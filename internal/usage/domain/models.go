// Package domain contains persistence models for accepted usage events.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageEvent is the immutable record of one accepted deduction. It is
// created once, batched, and bulk-inserted; rows are never mutated.
type UsageEvent struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	OrgID          snowflake.ID      `gorm:"not null;uniqueIndex:uq_usage_events_org_idem,where:idempotency_key IS NOT NULL"`
	Env            string            `gorm:"type:text;not null;default:'live'"`
	CustomerID     snowflake.ID      `gorm:"not null;index"`
	EntitlementID  snowflake.ID      `gorm:"not null"`
	FeatureID      snowflake.ID      `gorm:"not null"`
	FeatureCode    string            `gorm:"type:text;not null"` // snapshot
	EntityID       *string           `gorm:"type:text"`
	Amount         float64           `gorm:"not null"`
	RecordedAt     time.Time         `gorm:"not null"`
	IdempotencyKey *string           `gorm:"type:text;uniqueIndex:uq_usage_events_org_idem,where:idempotency_key IS NOT NULL"`
	Source         string            `gorm:"type:text;not null"` // fast_path | fallback
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }

const (
	SourceFastPath = "fast_path"
	SourceFallback = "fallback"
)
