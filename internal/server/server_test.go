package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/drawdown/internal/config"
	entdomain "github.com/smallbiznis/drawdown/internal/entitlement/domain"
	"github.com/smallbiznis/drawdown/internal/orgcontext"
	usagedomain "github.com/smallbiznis/drawdown/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubEntService struct {
	result   *entdomain.DeductionResult
	snapshot *entdomain.CustomerSnapshot
	err      error

	lastCtx context.Context
	lastReq entdomain.DeductionRequest
}

func (s *stubEntService) Track(ctx context.Context, req entdomain.DeductionRequest) (*entdomain.DeductionResult, error) {
	s.lastCtx = ctx
	s.lastReq = req
	return s.result, s.err
}

func (s *stubEntService) Snapshot(ctx context.Context, customerID string) (*entdomain.CustomerSnapshot, error) {
	s.lastCtx = ctx
	return s.snapshot, s.err
}

type stubUsageService struct {
	page usagedomain.ListUsageResponse
	err  error
}

func (s *stubUsageService) List(ctx context.Context, req usagedomain.ListUsageRequest) (usagedomain.ListUsageResponse, error) {
	return s.page, s.err
}

func newTestServer(ent *stubEntService, usage *stubUsageService) *Server {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	s := &Server{
		engine:   engine,
		cfg:      config.Config{DefaultOrgID: 42},
		log:      zap.NewNop(),
		entsvc:   ent,
		usagesvc: usage,
	}
	s.RegisterAPIRoutes()
	return s
}

func doRequest(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func TestTrackEndpoint(t *testing.T) {
	ent := &stubEntService{
		result: &entdomain.DeductionResult{
			Applied: []entdomain.AppliedDeduction{
				{FeatureID: "123", FeatureCode: "api_calls", EntitlementID: "10", Amount: 10},
			},
		},
	}
	s := newTestServer(ent, &stubUsageService{})

	w := doRequest(s, http.MethodPost, "/v1/track",
		`{"customer_id":"1001","features":[{"feature_id":"123","amount":10}]}`,
		map[string]string{"Idempotency-Key": "req-1"})

	require.Equal(t, http.StatusOK, w.Code)

	var result entdomain.DeductionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Len(t, result.Applied, 1)

	// The handler resolved scope and defaults before calling the service.
	assert.Equal(t, int64(1001), int64(ent.lastReq.CustomerID))
	assert.Equal(t, entdomain.OverageCap, ent.lastReq.Policy)
	assert.Equal(t, "req-1", ent.lastReq.IdempotencyKey)
	orgID, ok := orgcontext.OrgIDFromContext(ent.lastCtx)
	require.True(t, ok)
	assert.Equal(t, int64(42), int64(orgID))
}

func TestTrackInsufficientBalance(t *testing.T) {
	ent := &stubEntService{
		err: &entdomain.InsufficientBalanceError{FeatureID: "123", Requested: 10, Remaining: 4},
	}
	s := newTestServer(ent, &stubUsageService{})

	w := doRequest(s, http.MethodPost, "/v1/track",
		`{"customer_id":"1001","features":[{"feature_id":"123","amount":10}]}`, nil)

	require.Equal(t, http.StatusConflict, w.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "insufficient_balance", resp.Error.Type)
	assert.Equal(t, "123", resp.Error.FeatureID)
	assert.Equal(t, 10.0, resp.Error.Requested)
	assert.Equal(t, 4.0, resp.Error.Remaining)
}

func TestTrackErrorStatuses(t *testing.T) {
	cases := []struct {
		err    error
		status int
		typ    string
	}{
		{entdomain.ErrCustomerNotFound, http.StatusNotFound, "customer_not_found"},
		{entdomain.ErrNoCustomerProducts, http.StatusNotFound, "no_customer_products"},
		{entdomain.ErrDuplicateRequest, http.StatusConflict, "duplicate_request"},
		{entdomain.ErrPaidAllocated, http.StatusConflict, "paid_allocated"},
		{entdomain.ErrNoFeatures, http.StatusBadRequest, "validation_error"},
		{entdomain.ErrInfrastructure, http.StatusServiceUnavailable, "service_unavailable"},
	}
	for _, tc := range cases {
		s := newTestServer(&stubEntService{err: tc.err}, &stubUsageService{})

		w := doRequest(s, http.MethodPost, "/v1/track",
			`{"customer_id":"1001","features":[{"feature_id":"123","amount":10}]}`, nil)

		assert.Equal(t, tc.status, w.Code, tc.typ)
		var resp errorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, tc.typ, resp.Error.Type)
	}
}

func TestTrackMalformedBody(t *testing.T) {
	s := newTestServer(&stubEntService{}, &stubUsageService{})

	w := doRequest(s, http.MethodPost, "/v1/track", `{"features":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(s, http.MethodPost, "/v1/track",
		`{"customer_id":"not-an-id","features":[{"feature_id":"123","amount":1}]}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOrgHeaderOverridesDefault(t *testing.T) {
	ent := &stubEntService{result: &entdomain.DeductionResult{}}
	s := newTestServer(ent, &stubUsageService{})

	w := doRequest(s, http.MethodPost, "/v1/track",
		`{"customer_id":"1001","features":[{"feature_id":"123","amount":1}]}`,
		map[string]string{"X-Org-ID": "77", "X-Environment": "sandbox"})
	require.Equal(t, http.StatusOK, w.Code)

	orgID, ok := orgcontext.OrgIDFromContext(ent.lastCtx)
	require.True(t, ok)
	assert.Equal(t, int64(77), int64(orgID))
	assert.Equal(t, "sandbox", orgcontext.EnvFromContext(ent.lastCtx))

	w = doRequest(s, http.MethodPost, "/v1/track",
		`{"customer_id":"1001","features":[{"feature_id":"123","amount":1}]}`,
		map[string]string{"X-Org-ID": "garbage"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCustomerBalancesEndpoint(t *testing.T) {
	ent := &stubEntService{
		snapshot: &entdomain.CustomerSnapshot{CustomerID: "1001", OrgID: "42", Env: "live"},
	}
	s := newTestServer(ent, &stubUsageService{})

	w := doRequest(s, http.MethodGet, "/v1/customers/1001/balances", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snapshot entdomain.CustomerSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	assert.Equal(t, "1001", snapshot.CustomerID)
}

func TestListUsageEndpoint(t *testing.T) {
	usage := &stubUsageService{
		page: usagedomain.ListUsageResponse{Data: []*usagedomain.UsageEvent{{FeatureCode: "api_calls"}}},
	}
	s := newTestServer(&stubEntService{}, usage)

	w := doRequest(s, http.MethodGet, "/v1/usage?feature_code=api_calls&page_size=5", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page usagedomain.ListUsageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Data, 1)
	assert.Equal(t, "api_calls", page.Data[0].FeatureCode)
}
