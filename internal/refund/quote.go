// Package refund implements the per-user refund computation and execution
// engine: the quote algorithm that allocates consumed quota across historical
// top-ups, and the transactional pipeline that turns a quote into provider
// calls, balance mutations, and audit writes.
package refund

import (
	"context"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/privnode/zelo-refund/internal/businessdb"
	"github.com/privnode/zelo-refund/internal/cardproc"
	apperrors "github.com/privnode/zelo-refund/internal/errors"
	"github.com/privnode/zelo-refund/internal/logger"
	"github.com/privnode/zelo-refund/internal/metrics"
	"github.com/privnode/zelo-refund/internal/money"
	"github.com/privnode/zelo-refund/internal/refundstore"
)

// CurrencyCNY is the only currency the refund engine mixes with quota.
const CurrencyCNY = "cny"

// QuoteService assembles quote inputs from the business database, the refund
// ledger, and the card processor, then runs the pure allocation.
type QuoteService struct {
	db      BusinessStore
	store   refundstore.Store
	card    cardproc.API
	metrics *metrics.Metrics
}

// NewQuoteService wires the quote dependencies.
func NewQuoteService(db BusinessStore, store refundstore.Store, card cardproc.API, m *metrics.Metrics) *QuoteService {
	return &QuoteService{db: db, store: store, card: card, metrics: m}
}

// BuildQuote gathers a user's payment history and computes their refund
// quote. All I/O happens here; the allocation itself is pure.
func (s *QuoteService) BuildQuote(ctx context.Context, userID int64) (*Quote, error) {
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.QuoteDuration.Observe(time.Since(start).Seconds())
		}
	}()

	user, err := s.db.GetUser(ctx, userID)
	if err == businessdb.ErrNotFound {
		return nil, apperrors.Newf(apperrors.CodeUserNotFound, "user %d not found", userID)
	}
	if err != nil {
		return nil, err
	}

	topups, err := s.db.ListUserTopUps(ctx, userID)
	if err != nil {
		return nil, err
	}

	agg, err := s.store.AggregateUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var charges []cardproc.Charge
	if user.StripeCustomerID != "" {
		charges, err = s.card.ListCustomerCharges(ctx, user.StripeCustomerID)
		if err != nil {
			return nil, err
		}
	}

	quote, err := ComputeQuote(user, topups, charges, agg)
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Int64("user_id", userID).
		Str("due_yuan", quote.DueYuan()).
		Int("orders", len(quote.Orders)).
		Msg("refund.quote_built")
	return quote, nil
}

// ComputeQuote is the pure quote algorithm: given a user snapshot, their
// top-up history, card charges, and prior-refund aggregates, it decides how
// much the user may reclaim right now and how the amount splits across
// channels. It performs no I/O.
func ComputeQuote(user businessdb.User, topups []businessdb.TopUp, charges []cardproc.Charge, prior refundstore.UserAggregates) (*Quote, error) {
	currency, err := cardCurrency(charges)
	if err != nil {
		return nil, err
	}

	quote := &Quote{
		User:     user,
		Currency: currency,
	}

	useCard := len(charges) > 0
	if currency != "" && currency != CurrencyCNY {
		// A single foreign currency cannot be mixed with quota pricing; the
		// card channel is excluded and the quote notes it.
		useCard = false
		quote.Notes = append(quote.Notes, "card_charges_non_cny_excluded")
	}

	orders, notes := buildOrders(topups, charges, prior, useCard)
	quote.Notes = append(quote.Notes, notes...)

	// Channel summaries.
	quote.Aggregator = summarizeAggregator(topups, prior)
	quote.Card = summarizeCard(charges)

	// Synthetic gift pool: grants that no longer map to any payment.
	balanceTotal := new(big.Int).Add(user.Quota, user.UsedQuota)
	grantTotal := new(big.Int)
	for _, o := range orders {
		grantTotal.Add(grantTotal, o.GrantQuota)
	}
	if grantTotal.Cmp(balanceTotal) < 0 {
		quote.GiftPoolQuota = new(big.Int).Sub(balanceTotal, grantTotal)
		orders = append(orders, &Order{
			ID:         "gift_pool",
			PaidCents:  new(big.Int),
			GrantQuota: new(big.Int).Set(quote.GiftPoolQuota),
			CreatedAt:  0,
		})
	} else {
		quote.GiftPoolQuota = new(big.Int)
	}

	sortOrders(orders)
	allocateConsumption(orders, user.UsedQuota)

	// Total refundable quota and the due amount.
	refundable := new(big.Int)
	totalNetPaid := new(big.Int)
	cardNetPaid := new(big.Int)
	for _, o := range orders {
		refundable.Add(refundable, o.RefundableQuota)
		totalNetPaid.Add(totalNetPaid, o.PaidCents)
		if o.Provider == refundstore.ProviderCard {
			cardNetPaid.Add(cardNetPaid, o.PaidCents)
		}
	}

	due := money.QuotaToCentsFloor(refundable)
	due = money.MinInt(due, totalNetPaid)

	quote.DueCents = due
	quote.TotalNetPaidCents = totalNetPaid
	quote.Orders = orders

	// Card is preferred: faster to reconcile, cheaper operationally.
	cardCents := money.MinInt(due, cardNetPaid)
	quote.Plan = Plan{
		CardCents:       cardCents,
		AggregatorCents: new(big.Int).Sub(due, cardCents),
	}

	quote.CardCharges = executableCharges(charges, useCard)
	quote.AggregatorTargets = aggregatorTargets(orders)
	return quote, nil
}

// cardCurrency returns the single currency across charges, or fails when the
// customer mixes currencies.
func cardCurrency(charges []cardproc.Charge) (string, error) {
	currency := ""
	for _, ch := range charges {
		if ch.Currency == "" {
			continue
		}
		if currency == "" {
			currency = ch.Currency
			continue
		}
		if ch.Currency != currency {
			return "", apperrors.New(apperrors.CodeStripeMultipleCurrencies, "card customer has charges in multiple currencies")
		}
	}
	return currency, nil
}

// buildOrders derives the per-order tuples (id, paid_cents, grant_quota,
// created_at) with prior refunds subtracted.
func buildOrders(topups []businessdb.TopUp, charges []cardproc.Charge, prior refundstore.UserAggregates, useCard bool) ([]*Order, []string) {
	var orders []*Order
	var notes []string

	// Aggregator top-ups. Money is authoritative for these rows.
	for _, t := range topups {
		if !t.IsAggregator() {
			continue
		}
		moneyCents, err := money.ParseYuanToCents(t.Money)
		if err != nil {
			notes = append(notes, "topup_"+t.TradeNo+"_unparseable_money")
			continue
		}

		totals := prior.ByTradeNo[t.TradeNo]
		paid := money.MaxZero(new(big.Int).Sub(moneyCents, big.NewInt(totals.RefundedCents)))

		grantOrig := grantFromTopUp(t, moneyCents)
		grant := subtractQuota(grantOrig, totals.RefundedQuota)

		orders = append(orders, &Order{
			ID:            "topup:" + formatID(t.ID),
			Provider:      refundstore.ProviderAggregator,
			TradeNo:       t.TradeNo,
			PaymentMethod: t.PaymentMethod,
			PaidCents:     paid,
			GrantQuota:    grant,
			CreatedAt:     t.CompleteTime.Unix(),
		})
	}

	if !useCard {
		return orders, notes
	}

	// Card charges. The card processor's ledger is authoritative for the paid
	// side; the grant comes from the matching top-up row.
	byTradeNo := make(map[string]businessdb.TopUp, len(topups))
	for _, t := range topups {
		if t.TradeNo != "" {
			byTradeNo[t.TradeNo] = t
		}
	}

	for _, ch := range charges {
		totals := prior.ByChargeID[ch.ID]
		paid := big.NewInt(ch.Remaining())
		chargeCents := big.NewInt(ch.Amount)

		var grantOrig *big.Int
		if t, ok := matchTopUp(byTradeNo, ch); ok {
			grantOrig = grantFromTopUp(t, chargeCents)
		} else {
			// No matching top-up row: assume a grant equal to the paid amount.
			// Promotional grants are invisible on this path, which can
			// misrank the order; surfaced as a note, never corrected.
			grantOrig = money.CentsToQuota(chargeCents)
			notes = append(notes, "charge_"+ch.ID+"_grant_fallback")
		}
		grant := subtractQuota(grantOrig, totals.RefundedQuota)

		orders = append(orders, &Order{
			ID:              "charge:" + ch.ID,
			Provider:        refundstore.ProviderCard,
			ChargeID:        ch.ID,
			PaymentIntentID: ch.PaymentIntentID,
			PaidCents:       paid,
			GrantQuota:      grant,
			CreatedAt:       ch.Created,
		})
	}
	return orders, notes
}

func matchTopUp(byTradeNo map[string]businessdb.TopUp, ch cardproc.Charge) (businessdb.TopUp, bool) {
	if t, ok := byTradeNo[ch.ID]; ok {
		return t, true
	}
	if ch.PaymentIntentID != "" {
		if t, ok := byTradeNo[ch.PaymentIntentID]; ok {
			return t, true
		}
	}
	return businessdb.TopUp{}, false
}

// grantFromTopUp converts a top-up's granted amount to quota, falling back to
// the paid amount when no explicit grant was recorded.
func grantFromTopUp(t businessdb.TopUp, paidCents *big.Int) *big.Int {
	if t.Amount != "" {
		if amountCents, err := money.ParseYuanToCents(t.Amount); err == nil {
			return money.CentsToQuota(amountCents)
		}
	}
	return money.CentsToQuota(paidCents)
}

func subtractQuota(orig, refunded *big.Int) *big.Int {
	if refunded == nil {
		return money.MaxZero(orig)
	}
	return money.MaxZero(new(big.Int).Sub(orig, refunded))
}

// sortOrders orders by promotional ratio descending, then grant descending,
// then created_at ascending, then id ascending. The ratio comparison is done
// with cross-multiplied integers so the sort is total and exact.
func sortOrders(orders []*Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		return orderLess(orders[i], orders[j])
	})
}

func orderLess(a, b *Order) bool {
	// r = (g - p_quota) / g, treated as 0/1 when g = 0.
	na, ga := ratioTerms(a)
	nb, gb := ratioTerms(b)

	left := new(big.Int).Mul(na, gb)
	right := new(big.Int).Mul(nb, ga)
	if cmp := left.Cmp(right); cmp != 0 {
		return cmp > 0 // higher ratio first
	}
	if cmp := a.GrantQuota.Cmp(b.GrantQuota); cmp != 0 {
		return cmp > 0 // larger grant first
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

func ratioTerms(o *Order) (num, den *big.Int) {
	if o.GrantQuota.Sign() == 0 {
		return new(big.Int), big.NewInt(1)
	}
	return new(big.Int).Sub(o.GrantQuota, o.paidQuota()), o.GrantQuota
}

// allocateConsumption walks the sorted orders assigning the user's consumed
// quota greedily: high-ratio (mostly promotional) orders absorb consumption
// first, so refunding what remains pays back the least cash per quota
// consumed without ever under-refunding.
func allocateConsumption(orders []*Order, usedQuota *big.Int) {
	remaining := new(big.Int).Set(usedQuota)
	for _, o := range orders {
		consumed := money.MinInt(o.GrantQuota, remaining)
		if consumed.Sign() < 0 {
			consumed = new(big.Int)
		}
		remaining.Sub(remaining, consumed)

		o.ConsumedQuota = consumed
		o.RefundableQuota = money.MaxZero(new(big.Int).Sub(o.paidQuota(), consumed))
	}
}

func summarizeAggregator(topups []businessdb.TopUp, prior refundstore.UserAggregates) ChannelSummary {
	sum := ChannelSummary{
		GrossCents:    new(big.Int),
		RefundedCents: new(big.Int),
		NetCents:      new(big.Int),
	}
	for _, t := range topups {
		if !t.IsAggregator() {
			continue
		}
		moneyCents, err := money.ParseYuanToCents(t.Money)
		if err != nil {
			continue
		}
		refunded := big.NewInt(prior.ByTradeNo[t.TradeNo].RefundedCents)
		sum.GrossCents.Add(sum.GrossCents, moneyCents)
		sum.RefundedCents.Add(sum.RefundedCents, refunded)
		sum.NetCents.Add(sum.NetCents, money.MaxZero(new(big.Int).Sub(moneyCents, refunded)))
	}
	return sum
}

func summarizeCard(charges []cardproc.Charge) ChannelSummary {
	sum := ChannelSummary{
		GrossCents:    new(big.Int),
		RefundedCents: new(big.Int),
		NetCents:      new(big.Int),
	}
	for _, ch := range charges {
		sum.GrossCents.Add(sum.GrossCents, big.NewInt(ch.Amount))
		sum.RefundedCents.Add(sum.RefundedCents, big.NewInt(ch.AmountRefunded))
		sum.NetCents.Add(sum.NetCents, big.NewInt(ch.Remaining()))
	}
	return sum
}

// executableCharges returns the card legs in execution order (newest first),
// keeping only charges with refundable balance.
func executableCharges(charges []cardproc.Charge, useCard bool) []cardproc.Charge {
	if !useCard {
		return nil
	}
	var out []cardproc.Charge
	for _, ch := range cardproc.SortChargesNewestFirst(charges) {
		if ch.Remaining() > 0 {
			out = append(out, ch)
		}
	}
	return out
}

// aggregatorTargets returns the aggregator legs in execution order (newest
// complete_time first), keeping only orders with refundable cash.
func aggregatorTargets(orders []*Order) []AggregatorTarget {
	var out []AggregatorTarget
	for _, o := range orders {
		if o.Provider != refundstore.ProviderAggregator || o.PaidCents.Sign() <= 0 {
			continue
		}
		out = append(out, AggregatorTarget{
			TradeNo:       o.TradeNo,
			PaymentMethod: o.PaymentMethod,
			NetCents:      new(big.Int).Set(o.PaidCents),
			CompleteTime:  o.CreatedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CompleteTime != out[j].CompleteTime {
			return out[i].CompleteTime > out[j].CompleteTime
		}
		return out[i].TradeNo < out[j].TradeNo
	})
	return out
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
