package fallback

import (
	"errors"
	"testing"

	"github.com/smallbiznis/drawdown/internal/entitlement/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStoredErrorInsufficientBalance(t *testing.T) {
	err := errors.New(`ERROR: INSUFFICIENT_BALANCE|featureId:1927364510|value:50|remaining:40 (SQLSTATE P0001)`)

	parsed := ParseStoredError(err)

	var insufficient *domain.InsufficientBalanceError
	require.ErrorAs(t, parsed, &insufficient)
	assert.Equal(t, "1927364510", insufficient.FeatureID)
	assert.Equal(t, 50.0, insufficient.Requested)
	assert.Equal(t, 40.0, insufficient.Remaining)
	assert.ErrorIs(t, parsed, domain.ErrInsufficientBalance)
}

func TestParseStoredErrorFractionalAmounts(t *testing.T) {
	err := errors.New(`INSUFFICIENT_BALANCE|featureId:7|value:0.5|remaining:0.25`)

	parsed := ParseStoredError(err)

	var insufficient *domain.InsufficientBalanceError
	require.ErrorAs(t, parsed, &insufficient)
	assert.Equal(t, 0.5, insufficient.Requested)
	assert.Equal(t, 0.25, insufficient.Remaining)
}

func TestParseStoredErrorSentinels(t *testing.T) {
	assert.ErrorIs(t,
		ParseStoredError(errors.New(`ERROR: CUSTOMER_NOT_FOUND (SQLSTATE P0001)`)),
		domain.ErrCustomerNotFound)
	assert.ErrorIs(t,
		ParseStoredError(errors.New(`ERROR: NO_CUSTOMER_PRODUCTS (SQLSTATE P0001)`)),
		domain.ErrNoCustomerProducts)
}

func TestParseStoredErrorPassthrough(t *testing.T) {
	err := errors.New("dial tcp 10.0.0.1:5432: connection refused")
	assert.Same(t, err, ParseStoredError(err))

	assert.NoError(t, ParseStoredError(nil))
}
