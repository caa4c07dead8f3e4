package fastpath

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/smallbiznis/drawdown/internal/entitlement/domain"
)

const keyFormat = "drawdown:%s:%s:cus:%s"

// Key builds the fast-path key for one customer's snapshot. Keys are
// org/environment scoped so tenants never share state.
func Key(orgID, env, customerID string) string {
	env = strings.TrimSpace(env)
	if env == "" {
		env = "live"
	}
	return fmt.Sprintf(keyFormat, orgID, env, customerID)
}

// scriptRequest is the ARGV payload handed to the deduction script.
type scriptRequest struct {
	Features []domain.FeatureDeduction `json:"features"`
	Policy   string                    `json:"policy"`
	EntityID string                    `json:"entity_id,omitempty"`
	NowMs    int64                     `json:"now_ms"`
}

// scriptReply is the decoded script response. Exactly one of OK or Err
// is set.
type scriptReply struct {
	OK  bool   `json:"ok"`
	Err string `json:"err"`

	// INSUFFICIENT_BALANCE payload
	FeatureID string  `json:"feature_id"`
	Value     float64 `json:"value"`
	Remaining float64 `json:"remaining"`

	Result *scriptResult `json:"result"`
}

type scriptResult struct {
	Entitlements json.RawMessage `json:"entitlements"`
	Rollovers    json.RawMessage `json:"rollovers"`
	Applied      json.RawMessage `json:"applied"`
}

// EncodeSnapshot renders the snapshot as the stored JSON document.
func EncodeSnapshot(snapshot *domain.CustomerSnapshot) ([]byte, error) {
	return json.Marshal(snapshot)
}

// DecodeSnapshot parses a stored snapshot document.
func DecodeSnapshot(raw []byte) (*domain.CustomerSnapshot, error) {
	var snapshot domain.CustomerSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedResult, err)
	}
	return &snapshot, nil
}

func decodeReply(raw string) (*domain.DeductionResult, error) {
	var reply scriptReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedResult, err)
	}
	if reply.Err != "" {
		return nil, replyError(reply)
	}
	if !reply.OK || reply.Result == nil {
		return nil, domain.ErrMalformedResult
	}

	result := &domain.DeductionResult{}
	if err := decodeList(reply.Result.Entitlements, &result.Entitlements); err != nil {
		return nil, err
	}
	if err := decodeList(reply.Result.Rollovers, &result.Rollovers); err != nil {
		return nil, err
	}
	if err := decodeList(reply.Result.Applied, &result.Applied); err != nil {
		return nil, err
	}
	if len(result.Applied) == 0 {
		return nil, domain.ErrMalformedResult
	}
	return result, nil
}

// decodeList tolerates cjson's habit of rendering an empty Lua table as
// an object instead of an array.
func decodeList(raw json.RawMessage, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedResult, err)
	}
	return nil
}

func replyError(reply scriptReply) error {
	switch reply.Err {
	case "CUSTOMER_NOT_FOUND":
		return domain.ErrCustomerNotFound
	case "NO_CUSTOMER_PRODUCTS":
		return domain.ErrNoCustomerProducts
	case "PAID_ALLOCATED":
		return domain.ErrPaidAllocated
	case "INSUFFICIENT_BALANCE":
		return &domain.InsufficientBalanceError{
			FeatureID: reply.FeatureID,
			Requested: reply.Value,
			Remaining: reply.Remaining,
		}
	default:
		return fmt.Errorf("%w: script error %q", domain.ErrInfrastructure, reply.Err)
	}
}
