// Package publicview projects the refund audit log into a redacted, read-only
// shape safe for unauthenticated consumption.
package publicview

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/privnode/zelo-refund/internal/refundstore"
)

// Redacted replaces any value whose key identifies an external party.
const Redacted = "[redacted]"

// maxArrayLen caps arrays in redacted output; longer ones collapse to a
// {count, truncated} stub.
const maxArrayLen = 50

// sensitiveKeys is the fixed blocklist: values under these keys are replaced
// wholesale regardless of type.
var sensitiveKeys = map[string]bool{
	"trade_no":               true,
	"out_trade_no":           true,
	"topup_trade_no":         true,
	"charge_id":              true,
	"card_charge_id":         true,
	"payment_intent_id":      true,
	"card_payment_intent_id": true,
	"customer":               true,
	"customer_id":            true,
	"stripe_customer_id":     true,
	"provider_refund_no":     true,
	"out_refund_no":          true,
	"email":                  true,
	"receipt_email":          true,
	"performed_by":           true,
}

// idPattern scrubs provider identifiers that leak through string values.
var idPattern = regexp.MustCompile(`\b(ch|pi|cus)_[A-Za-z0-9]+`)

// Redact walks an arbitrary JSON-shaped value applying the key blocklist, the
// identifier regex on strings, and the array-length cap.
func Redact(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if sensitiveKeys[k] {
				out[k] = Redacted
				continue
			}
			out[k] = Redact(child)
		}
		return out
	case []any:
		if len(val) > maxArrayLen {
			return map[string]any{"count": len(val), "truncated": true}
		}
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = Redact(child)
		}
		return out
	case string:
		return idPattern.ReplaceAllString(val, "${1}_"+Redacted)
	default:
		return v
	}
}

// RedactRaw parses and redacts an opaque JSON blob. Unparseable blobs are
// dropped entirely rather than leaked.
func RedactRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return Redact(v)
}

// Activity is the public projection of one refund log row.
type Activity struct {
	ID            string     `json:"id"`
	CreatedAt     time.Time  `json:"created_at"`
	PaymentMethod string     `json:"payment_method,omitempty"`
	Currency      string     `json:"currency,omitempty"`
	RefundMoney   string     `json:"refund_money"`
	Provider      string     `json:"provider"`
	Status        string     `json:"status"`
	ExecutedAt    *time.Time `json:"executed_at,omitempty"`
}

// ActivityDetail adds the redacted blobs for the detail endpoint.
type ActivityDetail struct {
	Activity
	RawRequest  any `json:"raw_request,omitempty"`
	RawResponse any `json:"raw_response,omitempty"`
}

// FromLog projects a refund log row into the public list shape.
func FromLog(row refundstore.RefundLog) Activity {
	return Activity{
		ID:            row.ID,
		CreatedAt:     row.CreatedAt,
		PaymentMethod: row.PaymentMethod,
		Currency:      row.Currency,
		RefundMoney:   row.RefundMoney,
		Provider:      row.Provider,
		Status:        row.Status,
		ExecutedAt:    row.ExecutedAt,
	}
}

// DetailFromLog projects a refund log row into the public detail shape.
// Error messages are withheld: internal failures never surface here.
func DetailFromLog(row refundstore.RefundLog) ActivityDetail {
	return ActivityDetail{
		Activity:    FromLog(row),
		RawRequest:  RedactRaw(row.RawRequest),
		RawResponse: RedactRaw(row.RawResponse),
	}
}
