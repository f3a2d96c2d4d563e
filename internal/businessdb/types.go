package businessdb

import (
	"errors"
	"math/big"
	"time"
)

// ErrNotFound is returned when a requested entity is missing from the
// business database.
var ErrNotFound = errors.New("businessdb: not found")

// Payment methods recorded on top-ups.
const (
	MethodAlipay = "alipay"
	MethodWxpay  = "wxpay"
	MethodStripe = "stripe"
)

// Top-up statuses. A top-up transitions success → refund once fully
// refunded; never the reverse.
const (
	StatusSuccess = "success"
	StatusRefund  = "refund"
)

// User is the business database's view of an account. Quota balances are
// big integers: promotional grants can push them past float-safe range.
type User struct {
	ID               int64
	Email            string
	StripeCustomerID string
	Quota            *big.Int
	UsedQuota        *big.Int
}

// TopUp is a completed purchase record granting quota.
//
// Money is the paid amount in yuan (two decimals) and is authoritative only
// for aggregator payments; for card payments the card processor's ledger is
// the source of truth. Amount is the granted quota expressed in yuan
// equivalent (convertible to quota by ×500000); it may be empty for old rows.
type TopUp struct {
	ID            int64
	UserID        int64
	Money         string
	Amount        string
	TradeNo       string
	CreateTime    time.Time
	CompleteTime  time.Time
	PaymentMethod string
	Status        string
}

// IsAggregator reports whether the top-up was paid through the aggregator.
func (t TopUp) IsAggregator() bool {
	return t.PaymentMethod == MethodAlipay || t.PaymentMethod == MethodWxpay
}

// TopUpFilter narrows ListTopUps.
type TopUpFilter struct {
	Q             string // matches trade_no or user id
	Status        string
	PaymentMethod string
	Limit         int
	Offset        int
}

// TopUpWithUser joins a top-up with its owning user for detail views.
type TopUpWithUser struct {
	TopUp
	UserEmail string
}
