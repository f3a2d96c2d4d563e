package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/privnode/zelo-refund/internal/auth"
	"github.com/privnode/zelo-refund/internal/businessdb"
	apperrors "github.com/privnode/zelo-refund/internal/errors"
	"github.com/privnode/zelo-refund/internal/refund"
	"github.com/privnode/zelo-refund/internal/refundstore"
	"github.com/privnode/zelo-refund/pkg/responders"
)

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(serverStartTime).Seconds()),
	})
}

func (h *handlers) listTopUps(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := pagination(q.Get("limit"), q.Get("offset"), 200)
	if err != nil {
		apperrors.WriteDomainError(w, err)
		return
	}

	topups, err := h.directory.ListTopUps(r.Context(), businessdb.TopUpFilter{
		Q:             q.Get("q"),
		Status:        q.Get("status"),
		PaymentMethod: q.Get("payment_method"),
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		apperrors.WriteDomainError(w, err)
		return
	}

	views := make([]topUpView, 0, len(topups))
	for _, t := range topups {
		views = append(views, toTopUpView(t))
	}
	responders.JSON(w, http.StatusOK, map[string]any{"topups": views})
}

func (h *handlers) getTopUp(w http.ResponseWriter, r *http.Request) {
	tradeNo := chi.URLParam(r, "tradeNo")
	t, err := h.directory.GetTopUpByTradeNo(r.Context(), tradeNo)
	if err == businessdb.ErrNotFound {
		apperrors.WriteError(w, apperrors.CodeTopUpNotFound, "top-up not found", nil)
		return
	}
	if err != nil {
		apperrors.WriteDomainError(w, err)
		return
	}

	view := toTopUpView(t.TopUp)
	view.UserEmail = t.UserEmail
	responders.JSON(w, http.StatusOK, view)
}

func (h *handlers) searchUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		apperrors.WriteError(w, apperrors.CodeInvalidQueryParam, "q is required", nil)
		return
	}

	users, err := h.directory.SearchUsers(r.Context(), q, 50)
	if err != nil {
		apperrors.WriteDomainError(w, err)
		return
	}

	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, toUserView(u))
	}
	responders.JSON(w, http.StatusOK, map[string]any{"users": views})
}

func (h *handlers) refundQuote(w http.ResponseWriter, r *http.Request) {
	uid, err := userIDParam(r)
	if err != nil {
		apperrors.WriteDomainError(w, err)
		return
	}

	quote, err := h.quotes.BuildQuote(r.Context(), uid)
	if err != nil {
		apperrors.WriteDomainError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, toQuoteView(quote))
}

type executeRefundBody struct {
	AmountYuan    string `json:"amount_yuan"`
	FeePercent    string `json:"fee_percent"`
	MinRefundYuan string `json:"min_refund_yuan"`
	MaxRefundYuan string `json:"max_refund_yuan"`
	ClearBalance  bool   `json:"clear_balance"`
	DryRun        bool   `json:"dry_run"`
}

func (h *handlers) executeRefund(w http.ResponseWriter, r *http.Request) {
	uid, err := userIDParam(r)
	if err != nil {
		apperrors.WriteDomainError(w, err)
		return
	}

	var body executeRefundBody
	if err := decodeBody(r, &body); err != nil {
		apperrors.WriteDomainError(w, err)
		return
	}

	result, err := h.engine.Execute(r.Context(), uid, refund.ExecuteRequest{
		AmountYuan:    body.AmountYuan,
		FeePercent:    body.FeePercent,
		MinRefundYuan: body.MinRefundYuan,
		MaxRefundYuan: body.MaxRefundYuan,
		ClearBalance:  body.ClearBalance,
		DryRun:        body.DryRun,
	}, auth.Actor(r.Context()))
	if err != nil {
		apperrors.WriteDomainError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, result)
}

func (h *handlers) listRefunds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := pagination(q.Get("limit"), q.Get("offset"), 200)
	if err != nil {
		apperrors.WriteDomainError(w, err)
		return
	}

	filter := refundstore.Filter{
		Status:        q.Get("status"),
		PaymentMethod: q.Get("payment_method"),
		Q:             q.Get("q"),
		Limit:         limit,
		Offset:        offset,
	}
	if raw := q.Get("mysql_user_id"); raw != "" {
		uid, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			apperrors.WriteError(w, apperrors.CodeInvalidQueryParam, "mysql_user_id must be numeric", nil)
			return
		}
		filter.UserID = &uid
	}
	if raw := q.Get("start_at"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			apperrors.WriteError(w, apperrors.CodeInvalidQueryParam, "start_at must be RFC 3339", nil)
			return
		}
		filter.StartAt = &t
	}
	if raw := q.Get("end_at"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			apperrors.WriteError(w, apperrors.CodeInvalidQueryParam, "end_at must be RFC 3339", nil)
			return
		}
		filter.EndAt = &t
	}

	rows, err := h.store.List(r.Context(), filter)
	if err != nil {
		apperrors.WriteDomainError(w, err)
		return
	}

	views := make([]refundLogView, 0, len(rows))
	for _, row := range rows {
		views = append(views, toRefundLogView(row, false))
	}
	responders.JSON(w, http.StatusOK, map[string]any{"refunds": views})
}

func (h *handlers) getRefund(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	row, err := h.store.Get(r.Context(), id)
	if err == refundstore.ErrNotFound {
		apperrors.WriteError(w, apperrors.CodeRefundNotFound, "refund not found", nil)
		return
	}
	if err != nil {
		apperrors.WriteDomainError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, toRefundLogView(row, true))
}

type singleTopUpBody struct {
	TradeNo string `json:"trade_no"`
}

func (h *handlers) singleTopUpRefund(w http.ResponseWriter, r *http.Request) {
	var body singleTopUpBody
	if err := decodeBody(r, &body); err != nil {
		apperrors.WriteDomainError(w, err)
		return
	}
	if body.TradeNo == "" {
		apperrors.WriteError(w, apperrors.CodeInvalidRequestBody, "trade_no is required", nil)
		return
	}

	result, err := h.engine.RefundSingleTopUp(r.Context(), body.TradeNo, auth.Actor(r.Context()))
	if err != nil {
		apperrors.WriteDomainError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, result)
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil // empty body means all defaults
		}
		return apperrors.Wrap(apperrors.CodeInvalidRequestBody, "request body is not valid JSON", err)
	}
	return nil
}

func userIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "uid")
	uid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || uid <= 0 {
		return 0, apperrors.New(apperrors.CodeInvalidUserID, "user id must be a positive integer")
	}
	return uid, nil
}

func pagination(rawLimit, rawOffset string, maxLimit int) (int, int, error) {
	limit := maxLimit
	offset := 0
	if rawLimit != "" {
		n, err := strconv.Atoi(rawLimit)
		if err != nil || n <= 0 || n > maxLimit {
			return 0, 0, apperrors.Newf(apperrors.CodeInvalidQueryParam, "limit must be 1-%d", maxLimit)
		}
		limit = n
	}
	if rawOffset != "" {
		n, err := strconv.Atoi(rawOffset)
		if err != nil || n < 0 {
			return 0, 0, apperrors.New(apperrors.CodeInvalidQueryParam, "offset must be non-negative")
		}
		offset = n
	}
	return limit, offset, nil
}
