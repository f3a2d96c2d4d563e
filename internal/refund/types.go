package refund

import (
	"context"
	"math/big"

	"github.com/privnode/zelo-refund/internal/businessdb"
	"github.com/privnode/zelo-refund/internal/cardproc"
	"github.com/privnode/zelo-refund/internal/money"
)

// BusinessStore is the business-database surface the quote service and the
// execution engine depend on. *businessdb.Repo is the production
// implementation.
type BusinessStore interface {
	GetUser(ctx context.Context, id int64) (businessdb.User, error)
	ListUserTopUps(ctx context.Context, userID int64) ([]businessdb.TopUp, error)
	GetTopUpByTradeNo(ctx context.Context, tradeNo string) (businessdb.TopUpWithUser, error)
	ReserveQuota(ctx context.Context, userID int64, delta *big.Int) error
	ReleaseQuota(ctx context.Context, userID int64, delta *big.Int) error
	RefundTopUpFull(ctx context.Context, tradeNo string, grantQuota *big.Int, call func(businessdb.TopUp) error) (businessdb.TopUp, error)
}

// Order is one refundable unit of payment history entering the quote
// algorithm: a normalized view of an aggregator top-up, a card charge, or the
// synthetic gift pool.
type Order struct {
	ID       string // "topup:<id>", "charge:<id>", or "gift_pool"
	Provider string // refundstore.ProviderAggregator / ProviderCard, "" for the gift pool

	TradeNo         string
	ChargeID        string
	PaymentIntentID string
	PaymentMethod   string

	// PaidCents is the currently-refundable paid amount: paid minus cash
	// already refunded, clamped at zero.
	PaidCents *big.Int
	// GrantQuota is the currently-refundable granted quota: original grant
	// minus quota already refunded, clamped at zero.
	GrantQuota *big.Int
	CreatedAt  int64

	// Filled by the consumption allocation.
	ConsumedQuota   *big.Int
	RefundableQuota *big.Int
}

// paidQuota is the paid amount expressed in quota units.
func (o *Order) paidQuota() *big.Int {
	return money.CentsToQuota(o.PaidCents)
}

// Plan is the provider split of the due amount.
type Plan struct {
	CardCents       *big.Int
	AggregatorCents *big.Int
}

// ChannelSummary aggregates one payment channel's history for the quote view.
type ChannelSummary struct {
	GrossCents    *big.Int
	RefundedCents *big.Int
	NetCents      *big.Int
}

// AggregatorTarget is one aggregator top-up the execution engine may refund
// against, with its remaining refundable value.
type AggregatorTarget struct {
	TradeNo       string
	PaymentMethod string
	NetCents      *big.Int
	CompleteTime  int64
}

// Quote is the transient result of the quote algorithm for one user.
type Quote struct {
	User businessdb.User

	DueCents *big.Int
	Plan     Plan

	Aggregator ChannelSummary
	Card       ChannelSummary

	// TotalNetPaidCents is the clamp ceiling: the sum of refundable paid
	// amounts across all real orders.
	TotalNetPaidCents *big.Int
	GiftPoolQuota     *big.Int

	// Orders is the sorted per-order computation trace.
	Orders []*Order

	// Execution inputs, pre-sorted into leg order.
	CardCharges       []cardproc.Charge
	AggregatorTargets []AggregatorTarget

	// Currency is the single card currency observed ("" when no card history).
	Currency string
	Notes    []string
}

// DueYuan renders the due amount for display.
func (q *Quote) DueYuan() string {
	return money.FormatCentsToYuan(q.DueCents)
}
