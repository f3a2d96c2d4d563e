package httpserver

import (
	"net/http"
	"strconv"
	"strings"

	apperrors "github.com/privnode/zelo-refund/internal/errors"
	"github.com/privnode/zelo-refund/internal/estimate"
	"github.com/privnode/zelo-refund/pkg/responders"
)

func (h *handlers) estimateState(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("autostart") == "1" {
		h.estimator.Start()
	}
	responders.JSON(w, http.StatusOK, h.estimator.Snapshot())
}

func (h *handlers) estimateRecompute(w http.ResponseWriter, r *http.Request) {
	started := h.estimator.Start()
	responders.JSON(w, http.StatusOK, map[string]any{
		"started": started,
		"status":  h.estimator.Snapshot().Status,
	})
}

type estimateUsersBody struct {
	UserIDs     []int64 `json:"user_ids"`
	UserIDsText string  `json:"user_ids_text"`
}

func (h *handlers) estimateUsers(w http.ResponseWriter, r *http.Request) {
	var body estimateUsersBody
	if err := decodeBody(r, &body); err != nil {
		apperrors.WriteDomainError(w, err)
		return
	}

	ids := body.UserIDs
	invalid := []string{}
	if body.UserIDsText != "" {
		parsed, bad := parseUserIDsText(body.UserIDsText)
		ids = append(ids, parsed...)
		invalid = bad
	}
	if len(ids) == 0 && len(invalid) > 0 {
		apperrors.WriteError(w, apperrors.CodeInvalidUserIDs, "no valid user ids", map[string]any{"invalid": invalid})
		return
	}

	out, err := h.estimator.EstimateUsers(r.Context(), ids)
	if err != nil {
		apperrors.WriteDomainError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"items":              out.Items,
		"total_yuan":         out.TotalYuan,
		"card_yuan":          out.CardYuan,
		"aggregator_yuan":    out.AggregatorYuan,
		"user_ids_not_found": out.UserIDsNotFound,
		"duplicate_user_ids": out.DuplicateUserIDs,
		"invalid_user_ids":   invalid,
		"max_user_ids":       estimate.MaxEstimateUsers,
	})
}

// parseUserIDsText splits free-form id input on commas, whitespace, and
// newlines, reporting unparseable tokens separately.
func parseUserIDsText(text string) (ids []int64, invalid []string) {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\n' || r == '\r' || r == '\t'
	})
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil || id <= 0 {
			invalid = append(invalid, f)
			continue
		}
		ids = append(ids, id)
	}
	return ids, invalid
}
