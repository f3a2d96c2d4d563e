package refund

import (
	"encoding/json"

	"github.com/privnode/zelo-refund/internal/money"
)

// TraceVersion identifies the consumption-allocation algorithm. Version 1 was
// the earlier proportional formula floor(P × R / T) and may still appear in
// old audit rows.
const TraceVersion = 2

// TraceStep is one entry of the forensic computation record attached to every
// refund leg's raw_request. The admin UI renders it as "computation detail".
type TraceStep struct {
	StepIndex int            `json:"step_index"`
	Name      string         `json:"name"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Trace accumulates computation steps across a refund execution.
type Trace struct {
	steps []TraceStep
}

// Add appends a step.
func (t *Trace) Add(name string, detail map[string]any) {
	t.steps = append(t.steps, TraceStep{
		StepIndex: len(t.steps),
		Name:      name,
		Detail:    detail,
	})
}

// Render serializes the trace plus a per-leg operation record into the JSON
// blob stored as raw_request.
func (t *Trace) Render(op map[string]any) json.RawMessage {
	payload := map[string]any{
		"calc_trace_version": TraceVersion,
		"calc_trace":         t.steps,
	}
	if op != nil {
		payload["op"] = op
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		// A trace that fails to serialize must not block the refund itself.
		return json.RawMessage(`{"calc_trace_version":2,"calc_trace_error":"serialization failed"}`)
	}
	return raw
}

// addQuoteSteps records the quote's inputs and outcome in the trace.
func (t *Trace) addQuoteSteps(q *Quote) {
	t.Add("quote.user", map[string]any{
		"user_id":    q.User.ID,
		"quota":      q.User.Quota.String(),
		"used_quota": q.User.UsedQuota.String(),
	})
	t.Add("quote.quota", map[string]any{
		"gift_pool_quota": q.GiftPoolQuota.String(),
	})
	t.Add("quote.aggregator", channelDetail(q.Aggregator))
	t.Add("quote.card", channelDetail(q.Card))

	preview := make([]map[string]any, 0, len(q.Orders))
	for _, o := range q.Orders {
		preview = append(preview, map[string]any{
			"id":               o.ID,
			"paid_cents":       o.PaidCents.String(),
			"grant_quota":      o.GrantQuota.String(),
			"created_at":       o.CreatedAt,
			"consumed_quota":   o.ConsumedQuota.String(),
			"refundable_quota": o.RefundableQuota.String(),
		})
	}
	t.Add("quote.due", map[string]any{
		"formula":              "due_cents = min(floor(sum(f_i) / 5000), total_net_paid_cents)",
		"due_cents":            q.DueCents.String(),
		"total_net_paid_cents": q.TotalNetPaidCents.String(),
		"sorted_orders":        preview,
	})
	t.Add("quote.plan", map[string]any{
		"card_cents":       q.Plan.CardCents.String(),
		"aggregator_cents": q.Plan.AggregatorCents.String(),
	})
}

func channelDetail(c ChannelSummary) map[string]any {
	return map[string]any{
		"gross_cents":    c.GrossCents.String(),
		"refunded_cents": c.RefundedCents.String(),
		"net_cents":      c.NetCents.String(),
		"gross_yuan":     money.FormatCentsToYuan(c.GrossCents),
		"net_yuan":       money.FormatCentsToYuan(c.NetCents),
	}
}
