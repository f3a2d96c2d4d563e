package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/privnode/zelo-refund/internal/errors"
	"github.com/privnode/zelo-refund/internal/publicview"
	"github.com/privnode/zelo-refund/internal/refundstore"
	"github.com/privnode/zelo-refund/pkg/responders"
)

func (h *handlers) publicActivityList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := pagination(q.Get("limit"), q.Get("offset"), 100)
	if err != nil {
		apperrors.WriteDomainError(w, err)
		return
	}

	rows, err := h.store.List(r.Context(), refundstore.Filter{Limit: limit, Offset: offset})
	if err != nil {
		// The public surface never leaks internal error details.
		apperrors.WriteError(w, apperrors.CodeInternalError, "activity temporarily unavailable", nil)
		return
	}

	items := make([]publicview.Activity, 0, len(rows))
	for _, row := range rows {
		items = append(items, publicview.FromLog(row))
	}
	responders.JSON(w, http.StatusOK, map[string]any{"activity": items})
}

func (h *handlers) publicActivityDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	row, err := h.store.Get(r.Context(), id)
	if err == refundstore.ErrNotFound {
		apperrors.WriteError(w, apperrors.CodeRefundNotFound, "refund not found", nil)
		return
	}
	if err != nil {
		apperrors.WriteError(w, apperrors.CodeInternalError, "activity temporarily unavailable", nil)
		return
	}
	responders.JSON(w, http.StatusOK, publicview.DetailFromLog(row))
}
