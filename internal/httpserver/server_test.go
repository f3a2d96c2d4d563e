package httpserver

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	stripeapi "github.com/stripe/stripe-go/v72"

	"github.com/privnode/zelo-refund/internal/aggregator"
	"github.com/privnode/zelo-refund/internal/businessdb"
	"github.com/privnode/zelo-refund/internal/cardproc"
	"github.com/privnode/zelo-refund/internal/circuitbreaker"
	"github.com/privnode/zelo-refund/internal/config"
	"github.com/privnode/zelo-refund/internal/estimate"
	"github.com/privnode/zelo-refund/internal/refund"
	"github.com/privnode/zelo-refund/internal/refundstore"
)

// fakeDB implements Directory, refund.BusinessStore, and
// estimate.BusinessReader over fixture data.
type fakeDB struct {
	users  map[int64]*businessdb.User
	topups []businessdb.TopUp
}

func (f *fakeDB) GetUser(_ context.Context, id int64) (businessdb.User, error) {
	u, ok := f.users[id]
	if !ok {
		return businessdb.User{}, businessdb.ErrNotFound
	}
	return *u, nil
}

func (f *fakeDB) SearchUsers(_ context.Context, q string, _ int) ([]businessdb.User, error) {
	var out []businessdb.User
	for _, u := range f.users {
		if strings.Contains(u.Email, q) {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (f *fakeDB) ListTopUps(_ context.Context, _ businessdb.TopUpFilter) ([]businessdb.TopUp, error) {
	return f.topups, nil
}

func (f *fakeDB) GetTopUpByTradeNo(_ context.Context, tradeNo string) (businessdb.TopUpWithUser, error) {
	for _, t := range f.topups {
		if t.TradeNo == tradeNo {
			return businessdb.TopUpWithUser{TopUp: t}, nil
		}
	}
	return businessdb.TopUpWithUser{}, businessdb.ErrNotFound
}

func (f *fakeDB) ListUserTopUps(_ context.Context, userID int64) ([]businessdb.TopUp, error) {
	var out []businessdb.TopUp
	for _, t := range f.topups {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeDB) ListAllUsers(context.Context) ([]businessdb.User, error) {
	var out []businessdb.User
	for _, u := range f.users {
		out = append(out, *u)
	}
	return out, nil
}

func (f *fakeDB) ListAllTopUps(context.Context) ([]businessdb.TopUp, error) { return f.topups, nil }

func (f *fakeDB) ReserveQuota(_ context.Context, userID int64, delta *big.Int) error {
	u := f.users[userID]
	if u.Quota.Cmp(delta) < 0 {
		return businessdb.ErrNotFound
	}
	u.Quota = new(big.Int).Sub(u.Quota, delta)
	return nil
}

func (f *fakeDB) ReleaseQuota(_ context.Context, userID int64, delta *big.Int) error {
	u := f.users[userID]
	u.Quota = new(big.Int).Add(u.Quota, delta)
	return nil
}

func (f *fakeDB) RefundTopUpFull(_ context.Context, _ string, _ *big.Int, _ func(businessdb.TopUp) error) (businessdb.TopUp, error) {
	return businessdb.TopUp{}, businessdb.ErrNotFound
}

type nopCard struct{}

func (nopCard) ListCustomerCharges(context.Context, string) ([]cardproc.Charge, error) {
	return nil, nil
}
func (nopCard) Refund(context.Context, cardproc.RefundRequest) (*stripeapi.Refund, error) {
	return &stripeapi.Refund{ID: "re_1"}, nil
}

type nopAgg struct{}

func (nopAgg) Refund(_ context.Context, req aggregator.RefundRequest) (*aggregator.RefundResponse, error) {
	return &aggregator.RefundResponse{Code: 0, RefundNo: "agg_1", Raw: []byte(`{"code":0}`)}, nil
}

func testRouter(t *testing.T) (chi.Router, *refundstore.MemoryStore) {
	t.Helper()

	db := &fakeDB{
		users: map[int64]*businessdb.User{
			1: {ID: 1, Email: "alice@example.com", Quota: big.NewInt(5000000), UsedQuota: big.NewInt(0)},
		},
		topups: []businessdb.TopUp{{
			ID: 1, UserID: 1, Money: "10.00", Amount: "10.00", TradeNo: "trade_a",
			CreateTime: time.Unix(1000, 0), CompleteTime: time.Unix(1000, 0),
			PaymentMethod: businessdb.MethodAlipay, Status: businessdb.StatusSuccess,
		}},
	}

	store := refundstore.NewMemoryStore()
	quotes := refund.NewQuoteService(db, store, nopCard{}, nil)
	breakers := circuitbreaker.NewManager(false, circuitbreaker.BreakerConfig{})
	engine := refund.NewEngine(db, store, nopAgg{}, nopCard{}, quotes, breakers, nil, 500, "", "")
	estimator := estimate.NewJob(db, store, nopCard{}, quotes, nil, zerolog.Nop(), 5)

	cfg := &config.Config{}
	cfg.Auth.AdminAPIKey = "test-key"

	router := chi.NewRouter()
	configureRouter(router, cfg, handlers{
		cfg:       cfg,
		directory: db,
		store:     store,
		quotes:    quotes,
		engine:    engine,
		estimator: estimator,
		logger:    zerolog.Nop(),
	}, zerolog.Nop())
	return router, store
}

func doRequest(router http.Handler, method, path, token string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	router, _ := testRouter(t)

	for _, path := range []string{"/api/topups", "/api/users?q=x", "/api/refunds", "/api/refund-estimate"} {
		rec := doRequest(router, http.MethodGet, path, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: status = %d, want 401", path, rec.Code)
		}
	}

	rec := doRequest(router, http.MethodGet, "/api/topups", "wrong-key", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", rec.Code)
	}
}

func TestHealthIsPublic(t *testing.T) {
	router, _ := testRouter(t)
	rec := doRequest(router, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}

func TestQuoteEndpoint(t *testing.T) {
	router, _ := testRouter(t)

	rec := doRequest(router, http.MethodGet, "/api/users/1/refund-quote", "test-key", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	var view struct {
		DueYuan string `json:"due_yuan"`
		Plan    struct {
			AggregatorYuan string `json:"aggregator_yuan"`
		} `json:"plan"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.DueYuan != "10.00" || view.Plan.AggregatorYuan != "10.00" {
		t.Errorf("quote = %+v", view)
	}

	rec = doRequest(router, http.MethodGet, "/api/users/999/refund-quote", "test-key", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing user: status = %d, want 404", rec.Code)
	}

	rec = doRequest(router, http.MethodGet, "/api/users/abc/refund-quote", "test-key", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad uid: status = %d, want 400", rec.Code)
	}
}

func TestExecuteRefundEndpointDryRun(t *testing.T) {
	router, store := testRouter(t)

	rec := doRequest(router, http.MethodPost, "/api/users/1/refund", "test-key", `{"dry_run":true,"fee_percent":"0"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	var result struct {
		DryRun  bool   `json:"dry_run"`
		NetYuan string `json:"net_yuan"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.DryRun || result.NetYuan != "10.00" {
		t.Errorf("result = %+v", result)
	}

	rows, _ := store.List(context.Background(), refundstore.Filter{})
	if len(rows) != 0 {
		t.Errorf("dry run wrote %d audit rows", len(rows))
	}
}

func TestPublicActivityIsRedactedAndUncached(t *testing.T) {
	router, store := testRouter(t)

	_ = store.Insert(context.Background(), refundstore.RefundLog{
		ID:               "00000000-0000-0000-0000-000000000001",
		UserID:           1,
		TopUpTradeNo:     "trade_secret",
		RefundMoney:      "9.50",
		RefundMoneyMinor: 950,
		QuotaDelta:       big.NewInt(1),
		Provider:         refundstore.ProviderAggregator,
		OutRefundNo:      "aggregator_batch_x_950",
		Status:           refundstore.StatusSucceeded,
		RawRequest:       json.RawMessage(`{"out_refund_no":"aggregator_batch_x_950","note":"charge ch_12345"}`),
	})

	rec := doRequest(router, http.MethodGet, "/api/public/refunds/activity", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("cache-control = %q, want no-store", got)
	}
	body := rec.Body.String()
	if strings.Contains(body, "trade_secret") || strings.Contains(body, "aggregator_batch_x_950") {
		t.Errorf("public list leaks identifiers: %s", body)
	}

	rec = doRequest(router, http.MethodGet, "/api/public/refunds/activity/00000000-0000-0000-0000-000000000001", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("detail status = %d", rec.Code)
	}
	body = rec.Body.String()
	if strings.Contains(body, "aggregator_batch_x_950") || strings.Contains(body, "ch_12345") {
		t.Errorf("public detail leaks identifiers: %s", body)
	}
	if !strings.Contains(body, "[redacted]") {
		t.Errorf("detail missing redaction markers: %s", body)
	}
}

func TestEstimateEndpoints(t *testing.T) {
	router, _ := testRouter(t)

	rec := doRequest(router, http.MethodGet, "/api/refund-estimate", "test-key", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var state struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &state)
	if state.Status != estimate.StatusIdle {
		t.Errorf("status = %q, want idle", state.Status)
	}

	rec = doRequest(router, http.MethodPost, "/api/refund-estimate/users", "test-key", `{"user_ids_text":"1, 1, bogus"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("estimate users status = %d body=%s", rec.Code, rec.Body.String())
	}
	var out struct {
		Items      []map[string]any `json:"items"`
		Invalid    []string         `json:"invalid_user_ids"`
		Duplicates []int64          `json:"duplicate_user_ids"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Items) != 1 || len(out.Invalid) != 1 || out.Invalid[0] != "bogus" {
		t.Errorf("estimate users = %+v", out)
	}
	if len(out.Duplicates) != 1 || out.Duplicates[0] != 1 {
		t.Errorf("duplicate_user_ids = %v", out.Duplicates)
	}
}
