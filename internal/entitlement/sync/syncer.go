// Package sync merges deduction deltas onto an already-loaded customer
// snapshot, so a caller that just wrote can observe its own write
// without a round-trip re-read.
package sync

import (
	"github.com/smallbiznis/drawdown/internal/entitlement/domain"
)

// Apply folds a DeductionResult into the snapshot in place. It performs
// no I/O and fails only when the result references records the snapshot
// does not hold.
func Apply(snapshot *domain.CustomerSnapshot, result *domain.DeductionResult) error {
	if snapshot == nil || result == nil {
		return domain.ErrMalformedResult
	}

	for _, update := range result.Entitlements {
		ent := snapshot.Entitlement(update.ID)
		if ent == nil {
			return domain.ErrMalformedResult
		}
		ent.Balance = update.Balance
		ent.Usage = update.Usage
		ent.Adjustment = update.Adjustment
		if update.Entities != nil {
			ent.Entities = update.Entities
		}
		ent.Replaceables = update.Replaceables
	}

	for _, update := range result.Rollovers {
		ro := snapshot.Rollover(update.ID)
		if ro == nil {
			return domain.ErrMalformedResult
		}
		ro.Balance = update.Balance
		ro.Usage = update.Usage
		if update.Entities != nil {
			ro.Entities = update.Entities
		}
	}

	return nil
}
