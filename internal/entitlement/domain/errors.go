package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidCustomer     = errors.New("invalid_customer")
	ErrInvalidFeature      = errors.New("invalid_feature")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidPolicy       = errors.New("invalid_policy")
	ErrInvalidCursor       = errors.New("invalid_cursor")
	ErrNoFeatures          = errors.New("no_features")

	ErrCustomerNotFound    = errors.New("customer_not_found")
	ErrNoCustomerProducts  = errors.New("no_customer_products")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrPaidAllocated       = errors.New("paid_allocated")
	ErrDuplicateRequest    = errors.New("duplicate_request")
	ErrInfrastructure      = errors.New("infrastructure_failure")

	ErrMalformedResult = errors.New("malformed_deduction_result")
)

// InsufficientBalanceError identifies the feature and shortfall of a
// rejected deduction. It is final on whichever path produced it.
type InsufficientBalanceError struct {
	FeatureID string
	Requested float64
	Remaining float64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for feature %s: requested %v, remaining %v",
		e.FeatureID, e.Requested, e.Remaining)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// Kind enumerates deduction outcomes for retry decisions. Errors carry
// no retry behavior themselves; eligibility is a table lookup.
type Kind int

const (
	KindNone Kind = iota
	KindValidation
	KindCustomerNotFound
	KindNoCustomerProducts
	KindInsufficientBalance
	KindPaidAllocated
	KindDuplicateRequest
	KindInfrastructure
)

// KindOf maps an error to its kind. Unknown errors from a store are
// infrastructure failures: the path could not answer authoritatively.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrCustomerNotFound):
		return KindCustomerNotFound
	case errors.Is(err, ErrNoCustomerProducts):
		return KindNoCustomerProducts
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrPaidAllocated):
		return KindPaidAllocated
	case errors.Is(err, ErrDuplicateRequest):
		return KindDuplicateRequest
	case errors.Is(err, ErrInvalidOrganization),
		errors.Is(err, ErrInvalidCustomer),
		errors.Is(err, ErrInvalidFeature),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidPolicy),
		errors.Is(err, ErrInvalidCursor),
		errors.Is(err, ErrNoFeatures):
		return KindValidation
	default:
		return KindInfrastructure
	}
}

// fallbackEligible lists the kinds the durable store may answer when the
// fast path cannot. InsufficientBalance is authoritative on the fast
// path and never retried.
var fallbackEligible = map[Kind]bool{
	KindCustomerNotFound:   true,
	KindNoCustomerProducts: true,
	KindPaidAllocated:      true,
	KindInfrastructure:     true,
}

// FallbackEligible reports whether a fast-path failure of the given kind
// should be retried against the durable store.
func FallbackEligible(k Kind) bool {
	return fallbackEligible[k]
}
