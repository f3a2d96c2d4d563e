package refund

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/privnode/zelo-refund/internal/aggregator"
	"github.com/privnode/zelo-refund/internal/businessdb"
	"github.com/privnode/zelo-refund/internal/cardproc"
	"github.com/privnode/zelo-refund/internal/circuitbreaker"
	apperrors "github.com/privnode/zelo-refund/internal/errors"
	"github.com/privnode/zelo-refund/internal/logger"
	"github.com/privnode/zelo-refund/internal/money"
	"github.com/privnode/zelo-refund/internal/refundstore"

	stripeapi "github.com/stripe/stripe-go/v72"
)

// SingleTopUpResult is the outcome of the narrow full-refund path.
type SingleTopUpResult struct {
	TradeNo          string `json:"trade_no"`
	RefundYuan       string `json:"refund_yuan"`
	QuotaDelta       string `json:"quota_delta"`
	RefundLogID      string `json:"refund_log_id"`
	OutRefundNo      string `json:"out_refund_no"`
	ProviderRefundNo string `json:"provider_refund_no,omitempty"`
}

// RefundSingleTopUp fully refunds one specific top-up by trade number. The
// business-side mutation runs inside one transaction holding the row lock:
// verify status, call the provider, flip status to refund, and decrement the
// user's quota by the full grant. The audit row is inserted pending before
// the transaction and settled after it, so the idempotency key survives any
// crash in between.
func (e *Engine) RefundSingleTopUp(ctx context.Context, tradeNo, performedBy string) (*SingleTopUpResult, error) {
	log := logger.FromContext(ctx)

	t, err := e.db.GetTopUpByTradeNo(ctx, tradeNo)
	if err == businessdb.ErrNotFound {
		return nil, apperrors.Newf(apperrors.CodeTopUpNotFound, "top-up %s not found", tradeNo)
	}
	if err != nil {
		return nil, err
	}
	if t.Status != businessdb.StatusSuccess {
		return nil, apperrors.Newf(apperrors.CodeTopUpNotRefundable, "top-up %s has status %s", tradeNo, t.Status)
	}

	moneyCents, err := money.ParseYuanToCents(t.Money)
	if err != nil || moneyCents.Sign() <= 0 {
		return nil, apperrors.Newf(apperrors.CodeInvalidAmount, "top-up %s carries no refundable amount", tradeNo)
	}
	grantQuota := grantFromTopUp(t.TopUp, moneyCents)

	provider := refundstore.ProviderAggregator
	customerID := ""
	if !t.IsAggregator() {
		provider = refundstore.ProviderCard
		// The owner's card customer handle gates the refund: the processor
		// verifies the charge belongs to it and has succeeded.
		owner, err := e.db.GetUser(ctx, t.UserID)
		if err != nil {
			return nil, err
		}
		customerID = owner.StripeCustomerID
	}
	batchID := fmt.Sprintf("userrefund_%d_%d", t.UserID, time.Now().UnixMilli())
	outRefundNo := fmt.Sprintf("%s_%s_%s_%s", provider, batchID, tradeNo, moneyCents.String())

	logID := refundstore.NewID()
	row := refundstore.RefundLog{
		ID:               logID,
		UserID:           t.UserID,
		TopUpTradeNo:     tradeNo,
		PaymentMethod:    t.PaymentMethod,
		Currency:         CurrencyCNY,
		RefundMoney:      money.FormatCentsToYuan(moneyCents),
		RefundMoneyMinor: moneyCents.Int64(),
		QuotaDelta:       grantQuota,
		Provider:         provider,
		OutRefundNo:      outRefundNo,
		Status:           refundstore.StatusPending,
		PerformedBy:      performedBy,
		RawRequest:       json.RawMessage(fmt.Sprintf(`{"path":"single_topup","trade_no":%q}`, tradeNo)),
	}
	if provider == refundstore.ProviderCard {
		if strings.HasPrefix(tradeNo, "pi_") {
			row.CardPaymentIntentID = tradeNo
		} else {
			row.CardChargeID = tradeNo
		}
	}
	if err := e.store.Insert(ctx, row); err != nil {
		return nil, err
	}

	var providerRefundNo string
	var rawResponse json.RawMessage

	_, err = e.db.RefundTopUpFull(ctx, tradeNo, grantQuota, func(locked businessdb.TopUp) error {
		providerRefundNo, rawResponse, err = e.callSingleProvider(ctx, locked, customerID, outRefundNo)
		return err
	})
	now := time.Now().UTC()
	if err != nil {
		if markErr := e.store.MarkFailed(ctx, logID, err.Error(), rawResponse, now); markErr != nil {
			log.Error().Err(markErr).Str("refund_log_id", logID).Msg("refund.single_mark_failed_failed")
		}
		return nil, err
	}

	if markErr := e.store.MarkSucceeded(ctx, logID, providerRefundNo, rawResponse, now); markErr != nil {
		// The refund is durable on the provider and business side; a settle
		// failure leaves a pending row the idempotency key can resolve.
		log.Error().Err(markErr).Str("refund_log_id", logID).Msg("refund.single_mark_succeeded_failed")
	}

	log.Info().
		Str("trade_no", logger.TruncateID(tradeNo)).
		Str("refund_yuan", money.FormatCentsToYuan(moneyCents)).
		Msg("refund.single_topup_succeeded")

	return &SingleTopUpResult{
		TradeNo:          tradeNo,
		RefundYuan:       money.FormatCentsToYuan(moneyCents),
		QuotaDelta:       grantQuota.String(),
		RefundLogID:      logID,
		OutRefundNo:      outRefundNo,
		ProviderRefundNo: providerRefundNo,
	}, nil
}

func (e *Engine) callSingleProvider(ctx context.Context, t businessdb.TopUp, customerID, outRefundNo string) (string, json.RawMessage, error) {
	if t.IsAggregator() {
		res, err := e.breakers.Execute(circuitbreaker.ServiceAggregator, func() (any, error) {
			return e.agg.Refund(ctx, aggregator.RefundRequest{
				OrderNoField: aggregator.FieldTradeNo,
				OrderNo:      t.TradeNo,
				MoneyYuan:    t.Money,
				OutRefundNo:  outRefundNo,
			})
		})
		if err != nil {
			return "", nil, err
		}
		r := res.(*aggregator.RefundResponse)
		return r.RefundNo, json.RawMessage(r.Raw), nil
	}

	res, err := e.breakers.Execute(circuitbreaker.ServiceCard, func() (any, error) {
		req := cardproc.RefundRequest{
			IdempotencyKey: outRefundNo,
			CustomerID:     customerID,
		}
		if strings.HasPrefix(t.TradeNo, "pi_") {
			req.PaymentIntentID = t.TradeNo
		} else {
			req.ChargeID = t.TradeNo
		}
		return e.card.Refund(ctx, req)
	})
	if err != nil {
		return "", nil, err
	}
	r := res.(*stripeapi.Refund)
	raw, _ := json.Marshal(r)
	return r.ID, raw, nil
}
