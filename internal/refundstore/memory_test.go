package refundstore

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"
)

func pendingRow(id string, userID int64, tradeNo, chargeID string, cents int64, quota int64) RefundLog {
	return RefundLog{
		ID:               id,
		UserID:           userID,
		TopUpTradeNo:     tradeNo,
		CardChargeID:     chargeID,
		RefundMoney:      "1.00",
		RefundMoneyMinor: cents,
		QuotaDelta:       big.NewInt(quota),
		Provider:         ProviderAggregator,
		OutRefundNo:      "out_" + id,
		Status:           StatusPending,
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	row := pendingRow("r1", 7, "trade_1", "", 1000, 5000000)
	if err := store.Insert(ctx, row); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}

	now := time.Now().UTC()
	if err := store.MarkSucceeded(ctx, "r1", "prov_9", json.RawMessage(`{"ok":true}`), now); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}
	got, _ = store.Get(ctx, "r1")
	if got.Status != StatusSucceeded || got.ProviderRefundNo != "prov_9" {
		t.Errorf("settled row = %+v", got)
	}
	if got.ExecutedAt == nil || !got.ExecutedAt.Equal(now) {
		t.Errorf("executed_at not recorded")
	}

	if err := store.MarkSucceeded(ctx, "missing", "x", nil, now); err != ErrNotFound {
		t.Errorf("settling a missing row: err = %v, want ErrNotFound", err)
	}
	if _, err := store.Get(ctx, "missing"); err != ErrNotFound {
		t.Errorf("Get missing: err = %v, want ErrNotFound", err)
	}
}

func TestAggregatesCountPendingAndSucceededOnly(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	// Two countable rows on the same trade, one failed row that must not count.
	_ = store.Insert(ctx, pendingRow("a", 1, "trade_1", "", 300, 1500000))
	succeeded := pendingRow("b", 1, "trade_1", "", 200, 1000000)
	_ = store.Insert(ctx, succeeded)
	_ = store.MarkSucceeded(ctx, "b", "p1", nil, time.Now())
	failed := pendingRow("c", 1, "trade_1", "", 999, 999)
	_ = store.Insert(ctx, failed)
	_ = store.MarkFailed(ctx, "c", "gateway down", nil, time.Now())

	// A card-side row for the same user.
	_ = store.Insert(ctx, pendingRow("d", 1, "", "ch_123", 500, 2500000))

	agg, err := store.AggregateUser(ctx, 1)
	if err != nil {
		t.Fatalf("AggregateUser: %v", err)
	}

	trade := agg.ByTradeNo["trade_1"]
	if trade.RefundedCents != 500 {
		t.Errorf("trade refunded cents = %d, want 500", trade.RefundedCents)
	}
	if trade.RefundedQuota.Cmp(big.NewInt(2500000)) != 0 {
		t.Errorf("trade refunded quota = %v, want 2500000", trade.RefundedQuota)
	}

	card := agg.ByChargeID["ch_123"]
	if card.RefundedCents != 500 || card.RefundedQuota.Cmp(big.NewInt(2500000)) != 0 {
		t.Errorf("card totals = %+v", card)
	}

	all, err := store.AggregateAll(ctx)
	if err != nil {
		t.Fatalf("AggregateAll: %v", err)
	}
	if got := all[1].ByTradeNo["trade_1"].RefundedCents; got != 500 {
		t.Errorf("AggregateAll trade cents = %d, want 500", got)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	r1 := pendingRow("r1", 1, "trade_x", "", 100, 1)
	r1.PaymentMethod = "alipay"
	r1.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = store.Insert(ctx, r1)

	r2 := pendingRow("r2", 2, "", "ch_abc", 200, 2)
	r2.PaymentMethod = "stripe"
	r2.CreatedAt = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	_ = store.Insert(ctx, r2)
	_ = store.MarkSucceeded(ctx, "r2", "p", nil, time.Now())

	uid := int64(1)
	rows, err := store.List(ctx, Filter{UserID: &uid})
	if err != nil || len(rows) != 1 || rows[0].ID != "r1" {
		t.Fatalf("filter by user: rows=%v err=%v", rows, err)
	}

	rows, _ = store.List(ctx, Filter{Status: StatusSucceeded})
	if len(rows) != 1 || rows[0].ID != "r2" {
		t.Errorf("filter by status: %v", rows)
	}

	rows, _ = store.List(ctx, Filter{Q: "CH_AB"})
	if len(rows) != 1 || rows[0].ID != "r2" {
		t.Errorf("filter by q: %v", rows)
	}

	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	rows, _ = store.List(ctx, Filter{StartAt: &start})
	if len(rows) != 1 || rows[0].ID != "r2" {
		t.Errorf("filter by start_at: %v", rows)
	}

	// Newest first.
	rows, _ = store.List(ctx, Filter{})
	if len(rows) != 2 || rows[0].ID != "r2" {
		t.Errorf("ordering: %v", rows)
	}
}
