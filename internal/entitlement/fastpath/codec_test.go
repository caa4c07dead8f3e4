package fastpath

import (
	"testing"

	"github.com/smallbiznis/drawdown/internal/entitlement/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "drawdown:42:live:cus:1001", Key("42", "live", "1001"))
	assert.Equal(t, "drawdown:42:sandbox:cus:1001", Key("42", "sandbox", "1001"))
	// Missing environment defaults to live.
	assert.Equal(t, "drawdown:42:live:cus:1001", Key("42", "", "1001"))
}

func TestDecodeReplySuccess(t *testing.T) {
	raw := `{
		"ok": true,
		"result": {
			"entitlements": [{"id":"10","balance":90,"usage":10}],
			"rollovers": [{"id":"20","balance":0,"usage":5}],
			"applied": [{"feature_id":"f1","feature_code":"api_calls","entitlement_id":"10","amount":10}]
		}
	}`

	result, err := decodeReply(raw)
	require.NoError(t, err)

	require.Len(t, result.Entitlements, 1)
	assert.Equal(t, 90.0, result.Entitlements[0].Balance)
	require.Len(t, result.Rollovers, 1)
	assert.Equal(t, "20", result.Rollovers[0].ID)
	require.Len(t, result.Applied, 1)
	assert.Equal(t, "f1", result.Applied[0].FeatureID)
}

func TestDecodeReplyEmptyTablesAsObjects(t *testing.T) {
	// cjson renders empty Lua tables as {}; decoding must tolerate that
	// for the list fields.
	raw := `{
		"ok": true,
		"result": {
			"entitlements": {},
			"rollovers": {},
			"applied": [{"feature_id":"f1","feature_code":"api_calls","entitlement_id":"10","amount":0}]
		}
	}`

	result, err := decodeReply(raw)
	require.NoError(t, err)
	assert.Empty(t, result.Entitlements)
	assert.Empty(t, result.Rollovers)
	require.Len(t, result.Applied, 1)
}

func TestDecodeReplyInsufficientBalance(t *testing.T) {
	raw := `{"ok":false,"err":"INSUFFICIENT_BALANCE","feature_id":"f1","value":50,"remaining":40}`

	_, err := decodeReply(raw)

	var insufficient *domain.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "f1", insufficient.FeatureID)
	assert.Equal(t, 50.0, insufficient.Requested)
	assert.Equal(t, 40.0, insufficient.Remaining)
}

func TestDecodeReplyErrorCodes(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"CUSTOMER_NOT_FOUND", domain.ErrCustomerNotFound},
		{"NO_CUSTOMER_PRODUCTS", domain.ErrNoCustomerProducts},
		{"PAID_ALLOCATED", domain.ErrPaidAllocated},
	}
	for _, tc := range cases {
		_, err := decodeReply(`{"ok":false,"err":"` + tc.code + `"}`)
		assert.ErrorIs(t, err, tc.want, tc.code)
	}

	// Unknown script errors are infrastructure failures.
	_, err := decodeReply(`{"ok":false,"err":"BOOM"}`)
	assert.ErrorIs(t, err, domain.ErrInfrastructure)
}

func TestDecodeReplyMalformed(t *testing.T) {
	for _, raw := range []string{
		"not json",
		`{"ok":true}`,
		`{"ok":true,"result":{"applied":[]}}`,
	} {
		_, err := decodeReply(raw)
		assert.ErrorIs(t, err, domain.ErrMalformedResult, raw)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	snapshot := &domain.CustomerSnapshot{
		CustomerID: "1001",
		OrgID:      "42",
		Env:        "live",
		Entitlements: []domain.EntitlementState{
			{ID: "10", FeatureID: "f1", FeatureCode: "api_calls", GrantedAmount: 100, Balance: 90, Usage: 10},
		},
	}

	raw, err := EncodeSnapshot(snapshot)
	require.NoError(t, err)

	decoded, err := DecodeSnapshot(raw)
	require.NoError(t, err)
	assert.Equal(t, snapshot, decoded)

	_, err = DecodeSnapshot([]byte("not json"))
	assert.ErrorIs(t, err, domain.ErrMalformedResult)
}
