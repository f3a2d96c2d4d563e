package refund

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/privnode/zelo-refund/internal/aggregator"
	"github.com/privnode/zelo-refund/internal/businessdb"
	"github.com/privnode/zelo-refund/internal/cardproc"
	"github.com/privnode/zelo-refund/internal/circuitbreaker"
	apperrors "github.com/privnode/zelo-refund/internal/errors"
	"github.com/privnode/zelo-refund/internal/logger"
	"github.com/privnode/zelo-refund/internal/metrics"
	"github.com/privnode/zelo-refund/internal/money"
	"github.com/privnode/zelo-refund/internal/refundstore"

	stripeapi "github.com/stripe/stripe-go/v72"
)

// AggregatorAPI is the aggregator surface the engine depends on.
type AggregatorAPI interface {
	Refund(ctx context.Context, req aggregator.RefundRequest) (*aggregator.RefundResponse, error)
}

// Engine executes refund batches: it derives amounts from a quote plus
// operator directives, then drives the per-leg reserve → log → call → settle
// protocol against both providers.
type Engine struct {
	db       BusinessStore
	store    refundstore.Store
	agg      AggregatorAPI
	card     cardproc.API
	quotes   *QuoteService
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics

	defaultFeeBps int64
	minYuan       string
	maxYuan       string
}

// NewEngine wires the execution engine.
func NewEngine(db BusinessStore, store refundstore.Store, agg AggregatorAPI, card cardproc.API, quotes *QuoteService, breakers *circuitbreaker.Manager, m *metrics.Metrics, defaultFeeBps int64, minYuan, maxYuan string) *Engine {
	if defaultFeeBps <= 0 {
		defaultFeeBps = 500
	}
	return &Engine{
		db:            db,
		store:         store,
		agg:           agg,
		card:          card,
		quotes:        quotes,
		breakers:      breakers,
		metrics:       m,
		defaultFeeBps: defaultFeeBps,
		minYuan:       minYuan,
		maxYuan:       maxYuan,
	}
}

// ExecuteRequest carries the operator's directives for one refund batch.
type ExecuteRequest struct {
	AmountYuan    string
	FeePercent    string
	MinRefundYuan string
	MaxRefundYuan string
	ClearBalance  bool
	DryRun        bool
}

// LegResult summarizes one executed leg.
type LegResult struct {
	Provider         string `json:"provider"`
	TargetID         string `json:"target_id"`
	AmountCents      int64  `json:"amount_cents"`
	AmountYuan       string `json:"amount_yuan"`
	QuotaDelta       string `json:"quota_delta"`
	Status           string `json:"status"`
	RefundLogID      string `json:"refund_log_id"`
	OutRefundNo      string `json:"out_refund_no"`
	ProviderRefundNo string `json:"provider_refund_no,omitempty"`
	Error            string `json:"error,omitempty"`
}

// ExecuteResult is the outcome of one batch.
type ExecuteResult struct {
	BatchID    string      `json:"batch_id"`
	DryRun     bool        `json:"dry_run"`
	GrossCents *big.Int    `json:"-"`
	FeeCents   *big.Int    `json:"-"`
	NetCents   *big.Int    `json:"-"`
	GrossYuan  string      `json:"gross_yuan"`
	FeeYuan    string      `json:"fee_yuan"`
	NetYuan    string      `json:"net_yuan"`
	FeeBps     int64       `json:"fee_bps"`
	QuotaDelta string      `json:"quota_delta"`
	Legs       []LegResult `json:"legs"`
	// RefundedCents is the sum over succeeded legs.
	RefundedCents *big.Int `json:"-"`
	RefundedYuan  string   `json:"refunded_yuan"`
	RemainingYuan string   `json:"remaining_yuan"`
	// ReservedResidueQuota is set when a batch ends incomplete: the part of
	// the target quota delta that no succeeded leg deducted. Each leg's
	// reserve is either kept by the succeeded leg or released, so this quota
	// is still on the user's balance.
	ReservedResidueQuota string   `json:"reserved_residue_quota,omitempty"`
	Warnings             []string `json:"warnings,omitempty"`
	Quote                *Quote   `json:"-"`
}

// derivation is the validated amount set for a batch.
type derivation struct {
	quote            *Quote
	feeBps           int64
	grossCents       *big.Int
	feeCents         *big.Int
	netCents         *big.Int
	targetQuotaDelta *big.Int
}

// Execute runs one refund batch for a user. Legs are strictly serialized: the
// user's quota row is the shared resource, and each leg's conditional
// decrement must settle before the next begins.
//
// Each leg deducts a truncated proportional share of the remaining quota
// delta; the full remainder is assigned to the final leg only when that leg
// exhausts the remaining cents. When the batch ends incomplete, the undeducted
// part of the target delta is reported as reserved_residue_quota in the
// refund_incomplete details and is left on the user's balance.
func (e *Engine) Execute(ctx context.Context, userID int64, req ExecuteRequest, performedBy string) (*ExecuteResult, error) {
	start := time.Now()
	log := logger.FromContext(ctx)

	d, trace, err := e.derive(ctx, userID, req)
	if err != nil {
		e.metrics.ObserveBatch("rejected", time.Since(start))
		return nil, err
	}

	result := &ExecuteResult{
		DryRun:        req.DryRun,
		GrossCents:    d.grossCents,
		FeeCents:      d.feeCents,
		NetCents:      d.netCents,
		GrossYuan:     money.FormatCentsToYuan(d.grossCents),
		FeeYuan:       money.FormatCentsToYuan(d.feeCents),
		NetYuan:       money.FormatCentsToYuan(d.netCents),
		FeeBps:        d.feeBps,
		QuotaDelta:    d.targetQuotaDelta.String(),
		RefundedCents: new(big.Int),
		Quote:         d.quote,
	}

	if req.DryRun {
		result.RefundedYuan = "0.00"
		result.RemainingYuan = money.FormatCentsToYuan(d.netCents)
		e.metrics.ObserveBatch("dry_run", time.Since(start))
		return result, nil
	}

	batchID := fmt.Sprintf("userrefund_%d_%d", userID, time.Now().UnixMilli())
	result.BatchID = batchID
	trace.Add("execution.init", map[string]any{
		"batch_id":           batchID,
		"performed_by":       performedBy,
		"net_cents":          d.netCents.String(),
		"target_quota_delta": d.targetQuotaDelta.String(),
	})

	remainingCents := new(big.Int).Set(d.netCents)
	remainingQuota := new(big.Int).Set(d.targetQuotaDelta)

	abort := func(legErr error) (*ExecuteResult, error) {
		result.RefundedYuan = money.FormatCentsToYuan(result.RefundedCents)
		result.RemainingYuan = money.FormatCentsToYuan(remainingCents)
		e.metrics.ObserveBatch("failed", time.Since(start))
		if appErr := apperrors.AsError(legErr); appErr != nil {
			return result, appErr.WithDetail("refunded_yuan", result.RefundedYuan).WithDetail("legs", result.Legs)
		}
		return result, legErr
	}

	// Card legs first, newest charge first, each capped at its remaining.
	for _, ch := range d.quote.CardCharges {
		if remainingCents.Sign() == 0 {
			break
		}
		amount := money.MinInt(remainingCents, big.NewInt(ch.Remaining()))
		if amount.Sign() <= 0 {
			continue
		}
		leg := legSpec{
			provider:        refundstore.ProviderCard,
			targetID:        ch.ID,
			chargeID:        ch.ID,
			paymentIntentID: ch.PaymentIntentID,
			customerID:      d.quote.User.StripeCustomerID,
			paymentMethod:   businessdb.MethodStripe,
			currency:        d.quote.Currency,
			amountCents:     amount,
		}
		if err := e.executeLeg(ctx, d, batchID, performedBy, leg, trace, remainingCents, remainingQuota, result); err != nil {
			return abort(err)
		}
	}

	// Then aggregator top-ups, newest complete_time first.
	for _, target := range d.quote.AggregatorTargets {
		if remainingCents.Sign() == 0 {
			break
		}
		amount := money.MinInt(remainingCents, target.NetCents)
		if amount.Sign() <= 0 {
			continue
		}
		leg := legSpec{
			provider:      refundstore.ProviderAggregator,
			targetID:      target.TradeNo,
			tradeNo:       target.TradeNo,
			paymentMethod: target.PaymentMethod,
			currency:      CurrencyCNY,
			amountCents:   amount,
		}
		if err := e.executeLeg(ctx, d, batchID, performedBy, leg, trace, remainingCents, remainingQuota, result); err != nil {
			return abort(err)
		}
	}

	result.RefundedYuan = money.FormatCentsToYuan(result.RefundedCents)
	result.RemainingYuan = money.FormatCentsToYuan(remainingCents)

	if remainingCents.Sign() > 0 {
		// Partial success is never silently hidden.
		if remainingQuota.Sign() > 0 {
			result.ReservedResidueQuota = remainingQuota.String()
		}
		e.metrics.ObserveBatch("partial", time.Since(start))
		incomplete := apperrors.New(apperrors.CodeRefundIncomplete, "refund could not be fully placed across providers").
			WithDetail("refunded_yuan", result.RefundedYuan).
			WithDetail("remaining_yuan", result.RemainingYuan).
			WithDetail("legs", result.Legs)
		if result.ReservedResidueQuota != "" {
			incomplete.WithDetail("reserved_residue_quota", result.ReservedResidueQuota)
		}
		return result, incomplete
	}

	log.Info().
		Str("batch_id", batchID).
		Int64("user_id", userID).
		Str("net_yuan", result.NetYuan).
		Int("legs", len(result.Legs)).
		Msg("refund.batch_succeeded")
	e.metrics.ObserveBatch("success", time.Since(start))
	return result, nil
}

// derive validates operator inputs against the fresh quote.
func (e *Engine) derive(ctx context.Context, userID int64, req ExecuteRequest) (*derivation, *Trace, error) {
	quote, err := e.quotes.BuildQuote(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	trace := &Trace{}
	trace.Add("inputs", map[string]any{
		"amount_yuan":     req.AmountYuan,
		"fee_percent":     req.FeePercent,
		"min_refund_yuan": req.MinRefundYuan,
		"max_refund_yuan": req.MaxRefundYuan,
		"clear_balance":   req.ClearBalance,
		"dry_run":         req.DryRun,
	})
	trace.addQuoteSteps(quote)

	feeBps, err := money.ParseFeePercent(req.FeePercent, e.defaultFeeBps)
	if err != nil {
		return nil, nil, apperrors.Newf(apperrors.CodeInvalidFeePercent, "fee percent must be 0-100 with at most 2 decimals")
	}

	gross := new(big.Int).Set(quote.DueCents)
	if req.AmountYuan != "" {
		override, err := money.ParseYuanToCents(req.AmountYuan)
		if err != nil || override.Sign() <= 0 {
			return nil, nil, apperrors.Newf(apperrors.CodeInvalidAmount, "amount must be a positive yuan value")
		}
		gross = money.MinInt(override, quote.DueCents)
		trace.Add("amount.override", map[string]any{
			"requested_cents": override.String(),
			"gross_cents":     gross.String(),
		})
	}
	if gross.Sign() <= 0 {
		return nil, nil, apperrors.Newf(apperrors.CodeNothingToRefund, "user has no refundable balance")
	}

	feeCents := money.ApplyFeeBps(gross, feeBps)
	netCents := new(big.Int).Sub(gross, feeCents)
	trace.Add("fee", map[string]any{
		"fee_bps":     feeBps,
		"gross_cents": gross.String(),
		"fee_cents":   feeCents.String(),
		"net_cents":   netCents.String(),
	})
	if netCents.Sign() <= 0 {
		return nil, nil, apperrors.Newf(apperrors.CodeFeeTooHigh, "fee leaves nothing to refund")
	}

	if err := e.checkRange(netCents, req); err != nil {
		return nil, nil, err
	}

	var targetQuota *big.Int
	if req.ClearBalance {
		targetQuota = new(big.Int).Set(quote.User.Quota)
	} else {
		targetQuota = money.CentsToQuota(gross)
	}
	trace.Add("quota_delta", map[string]any{
		"clear_balance":      req.ClearBalance,
		"target_quota_delta": targetQuota.String(),
	})

	return &derivation{
		quote:            quote,
		feeBps:           feeBps,
		grossCents:       gross,
		feeCents:         feeCents,
		netCents:         netCents,
		targetQuotaDelta: targetQuota,
	}, trace, nil
}

func (e *Engine) checkRange(netCents *big.Int, req ExecuteRequest) error {
	minYuan := req.MinRefundYuan
	if minYuan == "" {
		minYuan = e.minYuan
	}
	maxYuan := req.MaxRefundYuan
	if maxYuan == "" {
		maxYuan = e.maxYuan
	}

	var minCents, maxCents *big.Int
	if minYuan != "" {
		v, err := money.ParseYuanToCents(minYuan)
		if err != nil {
			return apperrors.Newf(apperrors.CodeInvalidRefundAmountRange, "min_refund_yuan is not a valid amount")
		}
		minCents = v
	}
	if maxYuan != "" {
		v, err := money.ParseYuanToCents(maxYuan)
		if err != nil {
			return apperrors.Newf(apperrors.CodeInvalidRefundAmountRange, "max_refund_yuan is not a valid amount")
		}
		maxCents = v
	}
	if minCents != nil && maxCents != nil && minCents.Cmp(maxCents) > 0 {
		return apperrors.Newf(apperrors.CodeInvalidRefundAmountRange, "min refund exceeds max refund")
	}
	if minCents != nil && netCents.Cmp(minCents) < 0 {
		return apperrors.Newf(apperrors.CodeRefundAmountOutOfRange, "net refund %s below minimum %s",
			money.FormatCentsToYuan(netCents), money.FormatCentsToYuan(minCents))
	}
	if maxCents != nil && netCents.Cmp(maxCents) > 0 {
		return apperrors.Newf(apperrors.CodeRefundAmountOutOfRange, "net refund %s above maximum %s",
			money.FormatCentsToYuan(netCents), money.FormatCentsToYuan(maxCents))
	}
	return nil
}

// legSpec describes one provider call to make.
type legSpec struct {
	provider        string
	targetID        string
	tradeNo         string
	chargeID        string
	paymentIntentID string
	customerID      string
	paymentMethod   string
	currency        string
	amountCents     *big.Int
}

// executeLeg runs the reserve → log → call → settle protocol for one leg,
// mutating remainingCents/remainingQuota on success.
func (e *Engine) executeLeg(ctx context.Context, d *derivation, batchID, performedBy string, leg legSpec, trace *Trace, remainingCents, remainingQuota *big.Int, result *ExecuteResult) error {
	log := logger.FromContext(ctx)

	// Proportional quota share; the final leg absorbs the division remainder
	// when it exhausts the remaining cents.
	var deltaQuota *big.Int
	if leg.amountCents.Cmp(remainingCents) >= 0 {
		deltaQuota = new(big.Int).Set(remainingQuota)
	} else {
		deltaQuota = new(big.Int).Mul(remainingQuota, leg.amountCents)
		deltaQuota.Quo(deltaQuota, remainingCents)
	}

	outRefundNo := fmt.Sprintf("%s_%s_%s_%s", leg.provider, batchID, leg.targetID, leg.amountCents.String())
	legResult := LegResult{
		Provider:    leg.provider,
		TargetID:    leg.targetID,
		AmountCents: leg.amountCents.Int64(),
		AmountYuan:  money.FormatCentsToYuan(leg.amountCents),
		QuotaDelta:  deltaQuota.String(),
		OutRefundNo: outRefundNo,
	}

	// Reserve: the conditional decrement is the only lock we take.
	if err := e.db.ReserveQuota(ctx, d.quote.User.ID, deltaQuota); err != nil {
		legResult.Status = "aborted"
		legResult.Error = err.Error()
		result.Legs = append(result.Legs, legResult)
		e.metrics.ObserveLeg(leg.provider, "aborted", 0)
		return err
	}

	// Log pending before the provider call: the idempotency key must survive
	// a crash between call and settle.
	logID := refundstore.NewID()
	legResult.RefundLogID = logID
	opDetail := map[string]any{
		"leg_index":    len(result.Legs),
		"provider":     leg.provider,
		"target_id":    leg.targetID,
		"amount_cents": leg.amountCents.String(),
		"delta_quota":  deltaQuota.String(),
	}
	row := refundstore.RefundLog{
		ID:                  logID,
		UserID:              d.quote.User.ID,
		TopUpTradeNo:        leg.tradeNo,
		CardChargeID:        leg.chargeID,
		CardPaymentIntentID: leg.paymentIntentID,
		PaymentMethod:       leg.paymentMethod,
		Currency:            leg.currency,
		RefundMoney:         money.FormatCentsToYuan(leg.amountCents),
		RefundMoneyMinor:    leg.amountCents.Int64(),
		QuotaDelta:          deltaQuota,
		Provider:            leg.provider,
		OutRefundNo:         outRefundNo,
		Status:              refundstore.StatusPending,
		PerformedBy:         performedBy,
		RawRequest:          trace.Render(opDetail),
	}
	if err := e.store.Insert(ctx, row); err != nil {
		// The reserve must not leak when the audit row cannot be written.
		if relErr := e.db.ReleaseQuota(ctx, d.quote.User.ID, deltaQuota); relErr != nil {
			log.Error().Err(relErr).Str("batch_id", batchID).Msg("refund.release_after_log_failure_failed")
			result.Warnings = append(result.Warnings, "quota release failed after audit write failure: "+relErr.Error())
		}
		legResult.Status = "aborted"
		legResult.Error = err.Error()
		result.Legs = append(result.Legs, legResult)
		e.metrics.ObserveLeg(leg.provider, "aborted", 0)
		return err
	}

	providerRefundNo, rawResponse, callErr := e.callProvider(ctx, leg, outRefundNo)
	now := time.Now().UTC()

	if callErr != nil {
		// Compensate: release the reserve, settle the audit row as failed.
		if relErr := e.db.ReleaseQuota(ctx, d.quote.User.ID, deltaQuota); relErr != nil {
			log.Error().Err(relErr).Str("refund_log_id", logID).Msg("refund.compensating_release_failed")
			result.Warnings = append(result.Warnings, "compensating quota release failed: "+relErr.Error())
		}
		if markErr := e.store.MarkFailed(ctx, logID, callErr.Error(), rawResponse, now); markErr != nil {
			log.Error().Err(markErr).Str("refund_log_id", logID).Msg("refund.mark_failed_failed")
			result.Warnings = append(result.Warnings, "audit row settle failed: "+markErr.Error())
		}
		legResult.Status = refundstore.StatusFailed
		legResult.Error = callErr.Error()
		result.Legs = append(result.Legs, legResult)
		e.metrics.ObserveLeg(leg.provider, "failed", 0)
		log.Warn().
			Err(callErr).
			Str("provider", leg.provider).
			Str("target_id", logger.TruncateID(leg.targetID)).
			Msg("refund.leg_failed")
		return callErr
	}

	// Success: the external side has refunded. A failed audit update is a
	// warning, never a rollback.
	if err := e.store.MarkSucceeded(ctx, logID, providerRefundNo, rawResponse, now); err != nil {
		log.Error().Err(err).Str("refund_log_id", logID).Msg("refund.mark_succeeded_failed")
		result.Warnings = append(result.Warnings, "audit row settle failed for succeeded leg "+logID+": "+err.Error())
	}

	remainingCents.Sub(remainingCents, leg.amountCents)
	remainingQuota.Sub(remainingQuota, deltaQuota)
	result.RefundedCents.Add(result.RefundedCents, leg.amountCents)

	legResult.Status = refundstore.StatusSucceeded
	legResult.ProviderRefundNo = providerRefundNo
	result.Legs = append(result.Legs, legResult)
	e.metrics.ObserveLeg(leg.provider, "succeeded", legResult.AmountCents)

	log.Info().
		Str("provider", leg.provider).
		Str("target_id", logger.TruncateID(leg.targetID)).
		Str("amount_yuan", legResult.AmountYuan).
		Msg("refund.leg_succeeded")
	return nil
}

// callProvider dispatches one leg through the matching circuit breaker.
func (e *Engine) callProvider(ctx context.Context, leg legSpec, outRefundNo string) (providerRefundNo string, rawResponse json.RawMessage, err error) {
	start := time.Now()
	switch leg.provider {
	case refundstore.ProviderCard:
		res, cbErr := e.breakers.Execute(circuitbreaker.ServiceCard, func() (any, error) {
			amount := leg.amountCents.Int64()
			req := cardproc.RefundRequest{
				Amount:         &amount,
				IdempotencyKey: outRefundNo,
				CustomerID:     leg.customerID,
			}
			if leg.paymentIntentID != "" {
				req.PaymentIntentID = leg.paymentIntentID
			} else {
				req.ChargeID = leg.chargeID
			}
			return e.card.Refund(ctx, req)
		})
		e.metrics.ObserveProviderCall("card", callStatus(cbErr), time.Since(start))
		if cbErr != nil {
			return "", nil, cbErr
		}
		r := res.(*stripeapi.Refund)
		raw, _ := json.Marshal(r)
		return r.ID, raw, nil

	case refundstore.ProviderAggregator:
		res, cbErr := e.breakers.Execute(circuitbreaker.ServiceAggregator, func() (any, error) {
			return e.agg.Refund(ctx, aggregator.RefundRequest{
				OrderNoField: aggregator.FieldTradeNo,
				OrderNo:      leg.tradeNo,
				MoneyYuan:    money.FormatCentsToYuan(leg.amountCents),
				OutRefundNo:  outRefundNo,
			})
		})
		e.metrics.ObserveProviderCall("aggregator", callStatus(cbErr), time.Since(start))
		if cbErr != nil {
			return "", nil, cbErr
		}
		r := res.(*aggregator.RefundResponse)
		return r.RefundNo, json.RawMessage(r.Raw), nil

	default:
		return "", nil, apperrors.Newf(apperrors.CodeInternalError, "unknown provider %q", leg.provider)
	}
}

func callStatus(err error) string {
	if err != nil {
		return "failed"
	}
	return "succeeded"
}
