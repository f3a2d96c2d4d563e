package refundstore

import (
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested refund log row is missing.
var ErrNotFound = errors.New("refundstore: not found")

// Refund log statuses. A row is inserted as pending before the provider call
// and moved to exactly one terminal state afterwards. quota_delta on a
// pending or succeeded row is the authoritative amount already removed from
// the user's quota; failed rows do not count against balance.
const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Providers a refund leg can execute against.
const (
	ProviderAggregator = "aggregator"
	ProviderCard       = "card"
)

// RefundLog is one audit row in the refund store.
type RefundLog struct {
	ID                  string
	CreatedAt           time.Time
	UserID              int64
	TopUpTradeNo        string
	CardChargeID        string
	CardPaymentIntentID string
	PaymentMethod       string
	Currency            string
	RefundMoney         string // yuan decimal
	RefundMoneyMinor    int64  // cents
	QuotaDelta          *big.Int
	Provider            string
	OutRefundNo         string // our idempotency key
	ProviderRefundNo    string // echoed back by the provider
	Status              string
	ErrorMessage        string
	PerformedBy         string
	ExecutedAt          *time.Time
	RawRequest          json.RawMessage
	RawResponse         json.RawMessage
}

// NewID creates a refund log identifier.
func NewID() string {
	return uuid.NewString()
}

// Filter narrows List.
type Filter struct {
	UserID        *int64
	Status        string
	PaymentMethod string
	StartAt       *time.Time
	EndAt         *time.Time
	Q             string // substring over trade_no / charge id / out_refund_no
	Limit         int
	Offset        int
}

// TargetTotals aggregates prior refunds (pending + succeeded) per refund
// target, the inputs the quote algorithm subtracts from history.
type TargetTotals struct {
	RefundedCents int64
	RefundedQuota *big.Int
}

// UserAggregates groups a user's prior-refund totals by target key.
type UserAggregates struct {
	ByTradeNo  map[string]TargetTotals
	ByChargeID map[string]TargetTotals
}

// foldAggregates accumulates rows into per-target totals. Only pending and
// succeeded rows count: a pending row has already reserved the user's quota,
// a failed row had its reserve released.
func foldAggregates(rows []RefundLog) UserAggregates {
	agg := UserAggregates{
		ByTradeNo:  make(map[string]TargetTotals),
		ByChargeID: make(map[string]TargetTotals),
	}
	for _, row := range rows {
		if row.Status != StatusPending && row.Status != StatusSucceeded {
			continue
		}
		if row.TopUpTradeNo != "" {
			agg.ByTradeNo[row.TopUpTradeNo] = addTotals(agg.ByTradeNo[row.TopUpTradeNo], row)
		}
		if row.CardChargeID != "" {
			agg.ByChargeID[row.CardChargeID] = addTotals(agg.ByChargeID[row.CardChargeID], row)
		}
	}
	return agg
}

func addTotals(t TargetTotals, row RefundLog) TargetTotals {
	t.RefundedCents += row.RefundMoneyMinor
	if t.RefundedQuota == nil {
		t.RefundedQuota = new(big.Int)
	} else {
		t.RefundedQuota = new(big.Int).Set(t.RefundedQuota)
	}
	if row.QuotaDelta != nil {
		t.RefundedQuota.Add(t.RefundedQuota, row.QuotaDelta)
	}
	return t
}
