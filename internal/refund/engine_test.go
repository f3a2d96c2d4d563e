package refund

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	stripeapi "github.com/stripe/stripe-go/v72"

	"github.com/privnode/zelo-refund/internal/aggregator"
	"github.com/privnode/zelo-refund/internal/businessdb"
	"github.com/privnode/zelo-refund/internal/cardproc"
	"github.com/privnode/zelo-refund/internal/circuitbreaker"
	apperrors "github.com/privnode/zelo-refund/internal/errors"
	"github.com/privnode/zelo-refund/internal/refundstore"
)

// fakeBusiness implements BusinessStore over in-memory state.
type fakeBusiness struct {
	users   map[int64]*businessdb.User
	topups  []businessdb.TopUp
	reserves int
}

func (f *fakeBusiness) GetUser(_ context.Context, id int64) (businessdb.User, error) {
	u, ok := f.users[id]
	if !ok {
		return businessdb.User{}, businessdb.ErrNotFound
	}
	return businessdb.User{
		ID:        u.ID,
		Email:     u.Email,
		StripeCustomerID: u.StripeCustomerID,
		Quota:     new(big.Int).Set(u.Quota),
		UsedQuota: new(big.Int).Set(u.UsedQuota),
	}, nil
}

func (f *fakeBusiness) ListUserTopUps(_ context.Context, userID int64) ([]businessdb.TopUp, error) {
	var out []businessdb.TopUp
	for _, t := range f.topups {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeBusiness) GetTopUpByTradeNo(_ context.Context, tradeNo string) (businessdb.TopUpWithUser, error) {
	for _, t := range f.topups {
		if t.TradeNo == tradeNo {
			return businessdb.TopUpWithUser{TopUp: t}, nil
		}
	}
	return businessdb.TopUpWithUser{}, businessdb.ErrNotFound
}

func (f *fakeBusiness) ReserveQuota(_ context.Context, userID int64, delta *big.Int) error {
	f.reserves++
	u := f.users[userID]
	if u.Quota.Cmp(delta) < 0 {
		return apperrors.New(apperrors.CodeInsufficientUserQuota, "user quota below requested reservation")
	}
	u.Quota.Sub(u.Quota, delta)
	return nil
}

func (f *fakeBusiness) ReleaseQuota(_ context.Context, userID int64, delta *big.Int) error {
	f.users[userID].Quota.Add(f.users[userID].Quota, delta)
	return nil
}

func (f *fakeBusiness) RefundTopUpFull(ctx context.Context, tradeNo string, grantQuota *big.Int, call func(businessdb.TopUp) error) (businessdb.TopUp, error) {
	for i, t := range f.topups {
		if t.TradeNo != tradeNo {
			continue
		}
		if t.Status != businessdb.StatusSuccess {
			return businessdb.TopUp{}, apperrors.New(apperrors.CodeTopUpNotRefundable, "wrong status")
		}
		if err := call(t); err != nil {
			return businessdb.TopUp{}, err
		}
		f.topups[i].Status = businessdb.StatusRefund
		u := f.users[t.UserID]
		u.Quota.Sub(u.Quota, grantQuota)
		if u.Quota.Sign() < 0 {
			u.Quota.SetInt64(0)
		}
		return t, nil
	}
	return businessdb.TopUp{}, businessdb.ErrNotFound
}

// fakeCard implements cardproc.API with a programmable failure hook.
type fakeCard struct {
	charges []cardproc.Charge
	refunds []cardproc.RefundRequest
	failOn  map[string]error // keyed by charge id
}

func (f *fakeCard) ListCustomerCharges(_ context.Context, _ string) ([]cardproc.Charge, error) {
	return f.charges, nil
}

func (f *fakeCard) Refund(_ context.Context, req cardproc.RefundRequest) (*stripeapi.Refund, error) {
	if err := f.failOn[req.ChargeID]; err != nil {
		return nil, err
	}
	f.refunds = append(f.refunds, req)
	return &stripeapi.Refund{ID: "re_" + req.ChargeID}, nil
}

// fakeAgg implements AggregatorAPI.
type fakeAgg struct {
	refunds []aggregator.RefundRequest
	err     error
}

func (f *fakeAgg) Refund(_ context.Context, req aggregator.RefundRequest) (*aggregator.RefundResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.refunds = append(f.refunds, req)
	return &aggregator.RefundResponse{Code: 0, RefundNo: "agg_" + req.OutRefundNo, Raw: []byte(`{"code":0}`)}, nil
}

func newTestEngine(db *fakeBusiness, store refundstore.Store, agg *fakeAgg, card *fakeCard) *Engine {
	quotes := NewQuoteService(db, store, card, nil)
	breakers := circuitbreaker.NewManager(false, circuitbreaker.BreakerConfig{})
	return NewEngine(db, store, agg, card, quotes, breakers, nil, 500, "", "")
}

func singleTopUpFixture() *fakeBusiness {
	return &fakeBusiness{
		users: map[int64]*businessdb.User{
			1: {ID: 1, Quota: big.NewInt(5000000), UsedQuota: big.NewInt(0)},
		},
		topups: []businessdb.TopUp{
			aggTopUp(1, "trade_a", "10.00", "10.00", 1000),
		},
	}
}

// S1: one aggregator top-up, clear_balance, default 5% fee. One leg of 9.50,
// quota drops to zero, one succeeded audit row.
func TestExecuteSingleAggregatorLeg(t *testing.T) {
	ctx := context.Background()
	db := singleTopUpFixture()
	store := refundstore.NewMemoryStore()
	agg := &fakeAgg{}
	engine := newTestEngine(db, store, agg, &fakeCard{})

	result, err := engine.Execute(ctx, 1, ExecuteRequest{ClearBalance: true}, "admin@example.com")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.NetYuan != "9.50" {
		t.Errorf("net = %s, want 9.50 after 5%% fee", result.NetYuan)
	}
	if len(result.Legs) != 1 || result.Legs[0].Status != refundstore.StatusSucceeded {
		t.Fatalf("legs = %+v", result.Legs)
	}
	if db.users[1].Quota.Sign() != 0 {
		t.Errorf("user quota = %v, want 0 (clear_balance)", db.users[1].Quota)
	}
	if len(agg.refunds) != 1 || agg.refunds[0].MoneyYuan != "9.50" {
		t.Errorf("aggregator calls = %+v", agg.refunds)
	}

	rows, _ := store.List(ctx, refundstore.Filter{})
	if len(rows) != 1 || rows[0].Status != refundstore.StatusSucceeded || rows[0].RefundMoney != "9.50" {
		t.Errorf("audit rows = %+v", rows)
	}
	if rows[0].PerformedBy != "admin@example.com" {
		t.Errorf("performed_by = %q", rows[0].PerformedBy)
	}
	// The out_refund_no is deterministic given (batch, target, amount).
	if !strings.HasPrefix(rows[0].OutRefundNo, "aggregator_userrefund_1_") || !strings.HasSuffix(rows[0].OutRefundNo, "_trade_a_950") {
		t.Errorf("out_refund_no = %q", rows[0].OutRefundNo)
	}
}

func cardSplitFixture() (*fakeBusiness, *fakeCard) {
	db := &fakeBusiness{
		users: map[int64]*businessdb.User{
			1: {ID: 1, StripeCustomerID: "cus_1", Quota: big.NewInt(12500000), UsedQuota: big.NewInt(7500000)},
		},
		topups: []businessdb.TopUp{
			aggTopUp(1, "trade_a", "10.00", "10.00", 50),
		},
	}
	card := &fakeCard{
		charges: []cardproc.Charge{
			{ID: "ch_old", Created: 100, Currency: "cny", Amount: 1000, Paid: true, Status: "succeeded"},
			{ID: "ch_new", Created: 200, Currency: "cny", Amount: 2000, Paid: true, Status: "succeeded"},
		},
		failOn: map[string]error{},
	}
	return db, card
}

// S4: due 25.00 splits card-first; leg 1 refunds 20.00 on the newest charge,
// leg 2 refunds 5.00 on the older one.
func TestExecuteCardFirstLegs(t *testing.T) {
	ctx := context.Background()
	db, card := cardSplitFixture()
	store := refundstore.NewMemoryStore()
	engine := newTestEngine(db, store, &fakeAgg{}, card)

	result, err := engine.Execute(ctx, 1, ExecuteRequest{FeePercent: "0"}, "admin")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.NetYuan != "25.00" || result.RemainingYuan != "0.00" {
		t.Errorf("net=%s remaining=%s", result.NetYuan, result.RemainingYuan)
	}
	if len(result.Legs) != 2 {
		t.Fatalf("legs = %+v", result.Legs)
	}
	if result.Legs[0].TargetID != "ch_new" || result.Legs[0].AmountCents != 2000 {
		t.Errorf("leg 1 = %+v", result.Legs[0])
	}
	if result.Legs[1].TargetID != "ch_old" || result.Legs[1].AmountCents != 500 {
		t.Errorf("leg 2 = %+v", result.Legs[1])
	}

	// Quota decremented by cents_to_quota(25.00) = 12,500,000.
	if db.users[1].Quota.Sign() != 0 {
		t.Errorf("quota = %v, want 0", db.users[1].Quota)
	}

	// Refund amounts were capped per charge remaining.
	if len(card.refunds) != 2 || *card.refunds[0].Amount != 2000 || *card.refunds[1].Amount != 500 {
		t.Errorf("card refunds = %+v", card.refunds)
	}
	// Every card leg carries the owner's customer handle so the adapter can
	// verify ownership before refunding.
	for _, req := range card.refunds {
		if req.CustomerID != "cus_1" {
			t.Errorf("card refund missing customer id: %+v", req)
		}
	}
}

// S5: leg 2 fails at the provider. Leg 1 stays durably refunded, leg 2's
// reserve is released, the audit log holds one succeeded and one failed row.
func TestExecuteProviderFailureMidBatch(t *testing.T) {
	ctx := context.Background()
	db, card := cardSplitFixture()
	card.failOn["ch_old"] = errors.New("card processor unavailable")
	store := refundstore.NewMemoryStore()
	engine := newTestEngine(db, store, &fakeAgg{}, card)

	result, err := engine.Execute(ctx, 1, ExecuteRequest{FeePercent: "0"}, "admin")
	if err == nil {
		t.Fatal("expected failure")
	}
	if result == nil {
		t.Fatal("partial result must be returned")
	}
	if result.RefundedYuan != "20.00" {
		t.Errorf("refunded = %s, want 20.00", result.RefundedYuan)
	}

	// Only leg 1's proportional share (10,000,000 quota) stays deducted.
	wantQuota := big.NewInt(12500000 - 10000000)
	if db.users[1].Quota.Cmp(wantQuota) != 0 {
		t.Errorf("quota = %v, want %v", db.users[1].Quota, wantQuota)
	}

	rows, _ := store.List(ctx, refundstore.Filter{})
	var succeeded, failed int
	for _, row := range rows {
		switch row.Status {
		case refundstore.StatusSucceeded:
			succeeded++
		case refundstore.StatusFailed:
			failed++
			if row.ErrorMessage == "" {
				t.Error("failed row missing error_message")
			}
		}
	}
	if succeeded != 1 || failed != 1 {
		t.Errorf("audit rows: %d succeeded, %d failed; want 1/1", succeeded, failed)
	}
}

// S6: dry run computes the plan with no side effects.
func TestExecuteDryRun(t *testing.T) {
	ctx := context.Background()
	db, card := cardSplitFixture()
	store := refundstore.NewMemoryStore()
	engine := newTestEngine(db, store, &fakeAgg{}, card)

	result, err := engine.Execute(ctx, 1, ExecuteRequest{FeePercent: "0", DryRun: true}, "admin")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.DryRun {
		t.Error("dry_run flag not set")
	}
	if result.NetYuan != "25.00" {
		t.Errorf("net = %s, want 25.00", result.NetYuan)
	}
	if db.reserves != 0 {
		t.Errorf("reserve called %d times during dry run", db.reserves)
	}
	if db.users[1].Quota.Cmp(big.NewInt(12500000)) != 0 {
		t.Errorf("quota changed during dry run: %v", db.users[1].Quota)
	}
	rows, _ := store.List(ctx, refundstore.Filter{})
	if len(rows) != 0 {
		t.Errorf("audit rows written during dry run: %v", rows)
	}
}

func TestExecuteDerivationErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing to refund", func(t *testing.T) {
		db := &fakeBusiness{users: map[int64]*businessdb.User{
			1: {ID: 1, Quota: big.NewInt(0), UsedQuota: big.NewInt(123)},
		}}
		engine := newTestEngine(db, refundstore.NewMemoryStore(), &fakeAgg{}, &fakeCard{})
		_, err := engine.Execute(ctx, 1, ExecuteRequest{}, "admin")
		assertCode(t, err, apperrors.CodeNothingToRefund)
	})

	t.Run("full fee fails", func(t *testing.T) {
		engine := newTestEngine(singleTopUpFixture(), refundstore.NewMemoryStore(), &fakeAgg{}, &fakeCard{})
		_, err := engine.Execute(ctx, 1, ExecuteRequest{FeePercent: "100"}, "admin")
		assertCode(t, err, apperrors.CodeFeeTooHigh)
	})

	t.Run("zero amount override", func(t *testing.T) {
		engine := newTestEngine(singleTopUpFixture(), refundstore.NewMemoryStore(), &fakeAgg{}, &fakeCard{})
		_, err := engine.Execute(ctx, 1, ExecuteRequest{AmountYuan: "0"}, "admin")
		assertCode(t, err, apperrors.CodeInvalidAmount)
	})

	t.Run("net below minimum", func(t *testing.T) {
		engine := newTestEngine(singleTopUpFixture(), refundstore.NewMemoryStore(), &fakeAgg{}, &fakeCard{})
		_, err := engine.Execute(ctx, 1, ExecuteRequest{MinRefundYuan: "100.00"}, "admin")
		assertCode(t, err, apperrors.CodeRefundAmountOutOfRange)
	})

	t.Run("inverted range", func(t *testing.T) {
		engine := newTestEngine(singleTopUpFixture(), refundstore.NewMemoryStore(), &fakeAgg{}, &fakeCard{})
		_, err := engine.Execute(ctx, 1, ExecuteRequest{MinRefundYuan: "5.00", MaxRefundYuan: "1.00"}, "admin")
		assertCode(t, err, apperrors.CodeInvalidRefundAmountRange)
	})

	t.Run("override above due is capped", func(t *testing.T) {
		db := singleTopUpFixture()
		engine := newTestEngine(db, refundstore.NewMemoryStore(), &fakeAgg{}, &fakeCard{})
		result, err := engine.Execute(ctx, 1, ExecuteRequest{AmountYuan: "999.00", FeePercent: "0", DryRun: true}, "admin")
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if result.GrossYuan != "10.00" {
			t.Errorf("gross = %s, want capped at due 10.00", result.GrossYuan)
		}
	})
}

// Invariant 5: after each leg, remaining counters decrease by exactly the leg
// amounts; on full success both end at zero (checked via quota arithmetic).
func TestExecuteQuotaAccounting(t *testing.T) {
	ctx := context.Background()
	db, card := cardSplitFixture()
	store := refundstore.NewMemoryStore()
	engine := newTestEngine(db, store, &fakeAgg{}, card)

	before := new(big.Int).Set(db.users[1].Quota)
	result, err := engine.Execute(ctx, 1, ExecuteRequest{FeePercent: "0"}, "admin")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	deducted := new(big.Int).Sub(before, db.users[1].Quota)
	var fromLegs = new(big.Int)
	for _, leg := range result.Legs {
		d, _ := new(big.Int).SetString(leg.QuotaDelta, 10)
		fromLegs.Add(fromLegs, d)
	}
	if deducted.Cmp(fromLegs) != 0 {
		t.Errorf("quota deducted %v != sum of leg deltas %v", deducted, fromLegs)
	}
	if result.QuotaDelta != fromLegs.String() {
		t.Errorf("target delta %s != executed %v", result.QuotaDelta, fromLegs)
	}
}

func TestRefundSingleTopUp(t *testing.T) {
	ctx := context.Background()
	db := singleTopUpFixture()
	store := refundstore.NewMemoryStore()
	agg := &fakeAgg{}
	engine := newTestEngine(db, store, agg, &fakeCard{})

	result, err := engine.RefundSingleTopUp(ctx, "trade_a", "admin")
	if err != nil {
		t.Fatalf("RefundSingleTopUp: %v", err)
	}
	if result.RefundYuan != "10.00" {
		t.Errorf("refund = %s, want 10.00", result.RefundYuan)
	}
	if db.topups[0].Status != businessdb.StatusRefund {
		t.Errorf("top-up status = %s, want refund", db.topups[0].Status)
	}
	if db.users[1].Quota.Sign() != 0 {
		t.Errorf("quota = %v, want 0", db.users[1].Quota)
	}

	rows, _ := store.List(ctx, refundstore.Filter{})
	if len(rows) != 1 || rows[0].Status != refundstore.StatusSucceeded {
		t.Fatalf("audit rows = %+v", rows)
	}

	// A second attempt must fail: the status already flipped.
	if _, err := engine.RefundSingleTopUp(ctx, "trade_a", "admin"); err == nil {
		t.Fatal("second refund of the same top-up must fail")
	}
}

func TestRefundSingleTopUpProviderFailure(t *testing.T) {
	ctx := context.Background()
	db := singleTopUpFixture()
	store := refundstore.NewMemoryStore()
	agg := &fakeAgg{err: errors.New("gateway timeout")}
	engine := newTestEngine(db, store, agg, &fakeCard{})

	if _, err := engine.RefundSingleTopUp(ctx, "trade_a", "admin"); err == nil {
		t.Fatal("expected provider failure")
	}

	// Nothing committed on the business side; audit row settled failed.
	if db.topups[0].Status != businessdb.StatusSuccess {
		t.Errorf("top-up status = %s, want success", db.topups[0].Status)
	}
	if db.users[1].Quota.Cmp(big.NewInt(5000000)) != 0 {
		t.Errorf("quota = %v, want unchanged", db.users[1].Quota)
	}
	rows, _ := store.List(ctx, refundstore.Filter{})
	if len(rows) != 1 || rows[0].Status != refundstore.StatusFailed {
		t.Errorf("audit rows = %+v", rows)
	}
}

func assertCode(t *testing.T, err error, code apperrors.Code) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error")
	}
	appErr := apperrors.AsError(err)
	if appErr == nil || appErr.Code != code {
		t.Fatalf("error = %v, want code %s", err, code)
	}
}
