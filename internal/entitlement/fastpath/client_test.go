package fastpath

import (
	"context"
	"errors"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/drawdown/internal/entitlement/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStore answers every script invocation with a canned reply and
// keeps Set/Get/Del state in a map.
type fakeStore struct {
	reply   string
	evalErr error
	data    map[string]string
	lastTTL time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]string)}
}

func (f *fakeStore) eval() *redis.Cmd {
	if f.evalErr != nil {
		return redis.NewCmdResult(nil, f.evalErr)
	}
	return redis.NewCmdResult(f.reply, nil)
}

func (f *fakeStore) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.eval()
}

func (f *fakeStore) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.eval()
}

func (f *fakeStore) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.eval()
}

func (f *fakeStore) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.eval()
}

func (f *fakeStore) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult([]bool{true}, nil)
}

func (f *fakeStore) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("sha", nil)
}

func (f *fakeStore) Get(ctx context.Context, key string) *redis.StringCmd {
	value, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(value, nil)
}

func (f *fakeStore) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	raw, ok := value.([]byte)
	if !ok {
		return redis.NewStatusResult("", errors.New("unexpected value type"))
	}
	f.data[key] = string(raw)
	f.lastTTL = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeStore) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	for _, key := range keys {
		delete(f.data, key)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func deductRequest() domain.DeductionRequest {
	return domain.DeductionRequest{
		OrgID:      42,
		Env:        "live",
		CustomerID: 1001,
		Features:   []domain.FeatureDeduction{{FeatureID: "123", Amount: 10}},
		Policy:     domain.OverageCap,
	}
}

func TestClientDeduct(t *testing.T) {
	store := newFakeStore()
	store.reply = `{"ok":true,"result":{"entitlements":[{"id":"10","balance":90,"usage":10}],"rollovers":{},"applied":[{"feature_id":"123","feature_code":"api_calls","entitlement_id":"10","amount":10}]}}`
	client := NewClient(store, zap.NewNop(), time.Hour)

	result, err := client.Deduct(context.Background(), deductRequest(), time.Now())
	require.NoError(t, err)
	require.Len(t, result.Applied, 1)
	assert.Equal(t, "123", result.Applied[0].FeatureID)
}

func TestClientDeductScriptRejection(t *testing.T) {
	store := newFakeStore()
	store.reply = `{"ok":false,"err":"INSUFFICIENT_BALANCE","feature_id":"123","value":10,"remaining":4}`
	client := NewClient(store, zap.NewNop(), time.Hour)

	_, err := client.Deduct(context.Background(), deductRequest(), time.Now())

	var insufficient *domain.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 4.0, insufficient.Remaining)
	// A script rejection is an answer, not an outage.
	assert.NotErrorIs(t, err, domain.ErrInfrastructure)
}

func TestClientDeductTransportError(t *testing.T) {
	store := newFakeStore()
	store.evalErr = errors.New("connection refused")
	client := NewClient(store, zap.NewNop(), time.Hour)

	_, err := client.Deduct(context.Background(), deductRequest(), time.Now())
	assert.ErrorIs(t, err, domain.ErrInfrastructure)
}

func TestClientWarmAndSnapshot(t *testing.T) {
	store := newFakeStore()
	client := NewClient(store, zap.NewNop(), time.Hour)

	snapshot := &domain.CustomerSnapshot{
		CustomerID: "1001",
		OrgID:      "42",
		Env:        "live",
		Entitlements: []domain.EntitlementState{
			{ID: "10", FeatureID: "123", FeatureCode: "api_calls", GrantedAmount: 100, Balance: 90, Usage: 10},
		},
	}

	require.NoError(t, client.Warm(context.Background(), snapshot))
	assert.Equal(t, time.Hour, store.lastTTL)

	loaded, err := client.Snapshot(context.Background(), "42", "live", "1001")
	require.NoError(t, err)
	assert.Equal(t, snapshot, loaded)

	require.NoError(t, client.Invalidate(context.Background(), "42", "live", "1001"))
	_, err = client.Snapshot(context.Background(), "42", "live", "1001")
	assert.ErrorIs(t, err, domain.ErrCustomerNotFound)
}

func TestClientWarmNilSnapshot(t *testing.T) {
	store := newFakeStore()
	client := NewClient(store, zap.NewNop(), time.Hour)

	require.NoError(t, client.Warm(context.Background(), nil))
	assert.Empty(t, store.data)
}

func TestNewClientNilStore(t *testing.T) {
	assert.Nil(t, NewClient(nil, zap.NewNop(), time.Hour))
}
