package domain

import "context"

// Service is the deduction engine's public surface. Track applies one
// request end to end: idempotency gate, fast path, at most one fallback,
// event batching. Snapshot loads the durable balance state for a
// customer.
type Service interface {
	Track(ctx context.Context, req DeductionRequest) (*DeductionResult, error)
	Snapshot(ctx context.Context, customerID string) (*CustomerSnapshot, error)
}
