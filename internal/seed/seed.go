// Package seed provisions demo balance data for local development.
package seed

import (
	"time"

	"github.com/bwmarrin/snowflake"
	entdomain "github.com/smallbiznis/drawdown/internal/entitlement/domain"
	"gorm.io/gorm"
)

// EnsureDemoCustomer creates one customer with a capped and an
// overage-enabled grant when the org has no customers yet. Idempotent.
func EnsureDemoCustomer(db *gorm.DB, orgID int64) error {
	var count int64
	if err := db.Model(&entdomain.Customer{}).
		Where("org_id = ?", orgID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	customer := entdomain.Customer{
		ID:        node.Generate(),
		OrgID:     snowflake.ID(orgID),
		Env:       "live",
		Name:      "Demo Customer",
		CreatedAt: now,
	}

	limit := 1500.0
	entitlements := []entdomain.Entitlement{
		{
			ID:            node.Generate(),
			OrgID:         snowflake.ID(orgID),
			Env:           "live",
			CustomerID:    customer.ID,
			FeatureID:     node.Generate(),
			FeatureCode:   "api_calls",
			GrantedAmount: 1000,
			Interval:      entdomain.IntervalMonth,
			Balance:       1000,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		{
			ID:             node.Generate(),
			OrgID:          snowflake.ID(orgID),
			Env:            "live",
			CustomerID:     customer.ID,
			FeatureID:      node.Generate(),
			FeatureCode:    "compute_minutes",
			GrantedAmount:  500,
			Interval:       entdomain.IntervalMonth,
			OverageAllowed: true,
			UsageLimit:     &limit,
			Balance:        500,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	}

	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&customer).Error; err != nil {
			return err
		}
		return tx.Create(&entitlements).Error
	})
}
