package fallback

import (
	"strconv"
	"strings"

	"github.com/smallbiznis/drawdown/internal/entitlement/domain"
)

// The durable store's stored function rejects a deduction by raising an
// error whose message encodes the business outcome:
//
//	INSUFFICIENT_BALANCE|featureId:<id>|value:<amount>|remaining:<balance>
//
// The format is shared with pre-existing deployments of the function, so
// it must be parsed exactly as written.
const insufficientPrefix = "INSUFFICIENT_BALANCE|"

// ParseStoredError classifies an error raised by the stored function.
// Unrecognized errors pass through unchanged.
func ParseStoredError(err error) error {
	if err == nil {
		return nil
	}
	message := err.Error()

	switch {
	case strings.Contains(message, "CUSTOMER_NOT_FOUND"):
		return domain.ErrCustomerNotFound
	case strings.Contains(message, "NO_CUSTOMER_PRODUCTS"):
		return domain.ErrNoCustomerProducts
	}

	idx := strings.Index(message, insufficientPrefix)
	if idx < 0 {
		return err
	}

	parsed := &domain.InsufficientBalanceError{}
	payload := message[idx+len(insufficientPrefix):]
	for _, part := range strings.Split(payload, "|") {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		switch key {
		case "featureId":
			parsed.FeatureID = strings.TrimSpace(value)
		case "value":
			parsed.Requested = parseFloat(value)
		case "remaining":
			parsed.Remaining = parseFloat(value)
		}
	}
	return parsed
}

func parseFloat(value string) float64 {
	value = strings.TrimSpace(value)
	// The message may be followed by driver detail ("... remaining:40 (SQLSTATE P0001)").
	if cut := strings.IndexAny(value, " ("); cut >= 0 {
		value = value[:cut]
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return parsed
}
