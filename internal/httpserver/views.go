package httpserver

import (
	"encoding/json"
	"time"

	"github.com/privnode/zelo-refund/internal/businessdb"
	"github.com/privnode/zelo-refund/internal/money"
	"github.com/privnode/zelo-refund/internal/refund"
	"github.com/privnode/zelo-refund/internal/refundstore"
)

// userView renders a user with quota balances as decimal strings; the values
// can exceed float-safe range and must never pass through JSON numbers.
type userView struct {
	ID               int64  `json:"id"`
	Email            string `json:"email,omitempty"`
	StripeCustomerID string `json:"stripe_customer_id,omitempty"`
	Quota            string `json:"quota"`
	UsedQuota        string `json:"used_quota"`
	RemainingYuan    string `json:"remaining_yuan"`
	UsedYuan         string `json:"used_yuan"`
}

func toUserView(u businessdb.User) userView {
	return userView{
		ID:               u.ID,
		Email:            u.Email,
		StripeCustomerID: u.StripeCustomerID,
		Quota:            u.Quota.String(),
		UsedQuota:        u.UsedQuota.String(),
		RemainingYuan:    money.QuotaToYuan(u.Quota),
		UsedYuan:         money.QuotaToYuan(u.UsedQuota),
	}
}

type topUpView struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	Money         string    `json:"money"`
	Amount        string    `json:"amount,omitempty"`
	TradeNo       string    `json:"trade_no"`
	CreateTime    time.Time `json:"create_time"`
	CompleteTime  time.Time `json:"complete_time"`
	PaymentMethod string    `json:"payment_method"`
	Status        string    `json:"status"`
	UserEmail     string    `json:"user_email,omitempty"`
}

func toTopUpView(t businessdb.TopUp) topUpView {
	return topUpView{
		ID:            t.ID,
		UserID:        t.UserID,
		Money:         t.Money,
		Amount:        t.Amount,
		TradeNo:       t.TradeNo,
		CreateTime:    t.CreateTime,
		CompleteTime:  t.CompleteTime,
		PaymentMethod: t.PaymentMethod,
		Status:        t.Status,
	}
}

type channelView struct {
	GrossYuan    string `json:"gross_yuan"`
	RefundedYuan string `json:"refunded_yuan"`
	NetYuan      string `json:"net_yuan"`
}

func toChannelView(c refund.ChannelSummary) channelView {
	return channelView{
		GrossYuan:    money.FormatCentsToYuan(c.GrossCents),
		RefundedYuan: money.FormatCentsToYuan(c.RefundedCents),
		NetYuan:      money.FormatCentsToYuan(c.NetCents),
	}
}

type orderView struct {
	ID              string `json:"id"`
	Provider        string `json:"provider,omitempty"`
	PaidCents       string `json:"paid_cents"`
	GrantQuota      string `json:"grant_quota"`
	CreatedAt       int64  `json:"created_at"`
	ConsumedQuota   string `json:"consumed_quota"`
	RefundableQuota string `json:"refundable_quota"`
}

type planView struct {
	CardYuan        string `json:"card_yuan"`
	AggregatorYuan  string `json:"aggregator_yuan"`
	CardCents       int64  `json:"card_cents"`
	AggregatorCents int64  `json:"aggregator_cents"`
}

type quoteView struct {
	User       userView    `json:"user"`
	Aggregator channelView `json:"aggregator"`
	Card       channelView `json:"card"`
	DueYuan    string      `json:"due_yuan"`
	DueCents   int64       `json:"due_cents"`
	Plan       planView    `json:"plan"`
	Orders     []orderView `json:"orders"`
	Currency   string      `json:"currency,omitempty"`
	Notes      []string    `json:"notes,omitempty"`
}

func toQuoteView(q *refund.Quote) quoteView {
	view := quoteView{
		User:       toUserView(q.User),
		Aggregator: toChannelView(q.Aggregator),
		Card:       toChannelView(q.Card),
		DueYuan:    q.DueYuan(),
		DueCents:   q.DueCents.Int64(),
		Plan: planView{
			CardYuan:        money.FormatCentsToYuan(q.Plan.CardCents),
			AggregatorYuan:  money.FormatCentsToYuan(q.Plan.AggregatorCents),
			CardCents:       q.Plan.CardCents.Int64(),
			AggregatorCents: q.Plan.AggregatorCents.Int64(),
		},
		Currency: q.Currency,
		Notes:    q.Notes,
	}
	for _, o := range q.Orders {
		view.Orders = append(view.Orders, orderView{
			ID:              o.ID,
			Provider:        o.Provider,
			PaidCents:       o.PaidCents.String(),
			GrantQuota:      o.GrantQuota.String(),
			CreatedAt:       o.CreatedAt,
			ConsumedQuota:   o.ConsumedQuota.String(),
			RefundableQuota: o.RefundableQuota.String(),
		})
	}
	return view
}

type refundLogView struct {
	ID                  string          `json:"id"`
	CreatedAt           time.Time       `json:"created_at"`
	UserID              int64           `json:"user_id"`
	TopUpTradeNo        string          `json:"topup_trade_no,omitempty"`
	CardChargeID        string          `json:"card_charge_id,omitempty"`
	CardPaymentIntentID string          `json:"card_payment_intent_id,omitempty"`
	PaymentMethod       string          `json:"payment_method,omitempty"`
	Currency            string          `json:"currency,omitempty"`
	RefundMoney         string          `json:"refund_money"`
	RefundMoneyMinor    int64           `json:"refund_money_minor"`
	QuotaDelta          string          `json:"quota_delta"`
	Provider            string          `json:"provider"`
	OutRefundNo         string          `json:"out_refund_no"`
	ProviderRefundNo    string          `json:"provider_refund_no,omitempty"`
	Status              string          `json:"status"`
	ErrorMessage        string          `json:"error_message,omitempty"`
	PerformedBy         string          `json:"performed_by,omitempty"`
	ExecutedAt          *time.Time      `json:"executed_at,omitempty"`
	RawRequest          json.RawMessage `json:"raw_request,omitempty"`
	RawResponse         json.RawMessage `json:"raw_response,omitempty"`
}

func toRefundLogView(row refundstore.RefundLog, includeRaw bool) refundLogView {
	view := refundLogView{
		ID:                  row.ID,
		CreatedAt:           row.CreatedAt,
		UserID:              row.UserID,
		TopUpTradeNo:        row.TopUpTradeNo,
		CardChargeID:        row.CardChargeID,
		CardPaymentIntentID: row.CardPaymentIntentID,
		PaymentMethod:       row.PaymentMethod,
		Currency:            row.Currency,
		RefundMoney:         row.RefundMoney,
		RefundMoneyMinor:    row.RefundMoneyMinor,
		QuotaDelta:          row.QuotaDelta.String(),
		Provider:            row.Provider,
		OutRefundNo:         row.OutRefundNo,
		ProviderRefundNo:    row.ProviderRefundNo,
		Status:              row.Status,
		ErrorMessage:        row.ErrorMessage,
		PerformedBy:         row.PerformedBy,
		ExecutedAt:          row.ExecutedAt,
	}
	if includeRaw {
		view.RawRequest = row.RawRequest
		view.RawResponse = row.RawResponse
	}
	return view
}
