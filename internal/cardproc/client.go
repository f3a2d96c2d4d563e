// Package cardproc wraps the card processor API: refund issuance against a
// prior charge or payment intent, and cursor-paginated charge listing for a
// customer.
package cardproc

import (
	"context"
	"sort"
	"strings"

	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/charge"
	"github.com/stripe/stripe-go/v72/paymentintent"
	"github.com/stripe/stripe-go/v72/refund"

	apperrors "github.com/privnode/zelo-refund/internal/errors"
	"github.com/privnode/zelo-refund/internal/logger"
)

// Charge is the normalized view of a card processor charge used by the quote
// algorithm and the execution engine.
type Charge struct {
	ID              string
	Created         int64
	Currency        string
	Amount          int64 // minor units
	AmountRefunded  int64 // minor units
	PaymentIntentID string
	Paid            bool
	Status          string
}

// Remaining returns the refundable balance on the charge, clamped at zero.
func (c Charge) Remaining() int64 {
	if c.Amount <= c.AmountRefunded {
		return 0
	}
	return c.Amount - c.AmountRefunded
}

// RefundRequest describes one refund leg. Exactly one of PaymentIntentID or
// ChargeID must be set. A nil Amount refunds the full remaining balance.
type RefundRequest struct {
	PaymentIntentID string
	ChargeID        string
	Amount          *int64 // minor units; nil = full remaining
	IdempotencyKey  string
	// CustomerID, when set, is verified against the target before refunding.
	CustomerID string
}

// API is the surface the refund engine and estimate job depend on; *Client is
// the production implementation.
type API interface {
	ListCustomerCharges(ctx context.Context, customerID string) ([]Charge, error)
	Refund(ctx context.Context, req RefundRequest) (*stripeapi.Refund, error)
}

// Client talks to the card processor with the configured secret key.
type Client struct{}

// NewClient sets up the card processor SDK with the provided credentials.
func NewClient(secretKey string) *Client {
	stripeapi.Key = secretKey
	return &Client{}
}

// ListCustomerCharges pages through all charges for a customer with a forward
// cursor, 100 per page, until the API reports no more. All charges are
// returned regardless of paid/succeeded state; filtering is the caller's
// responsibility.
func (c *Client) ListCustomerCharges(ctx context.Context, customerID string) ([]Charge, error) {
	params := &stripeapi.ChargeListParams{
		Customer: stripeapi.String(customerID),
	}
	params.Context = ctx
	params.Filters.AddFilter("limit", "", "100")

	var out []Charge
	iter := charge.List(params)
	for iter.Next() {
		out = append(out, normalizeCharge(iter.Charge()))
	}
	if err := iter.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCardProviderError, "list customer charges", err)
	}
	return out, nil
}

// Refund issues a refund with the caller-supplied idempotency key. Repeated
// calls with the same key return the original refund instead of creating a
// second one. When CustomerID is set, the target payment is first verified to
// belong to that customer and to be in succeeded state.
func (c *Client) Refund(ctx context.Context, req RefundRequest) (*stripeapi.Refund, error) {
	hasPI := req.PaymentIntentID != ""
	hasCharge := req.ChargeID != ""
	if hasPI == hasCharge {
		return nil, apperrors.New(apperrors.CodeCardProviderError, "exactly one of payment intent or charge must be provided")
	}
	if req.IdempotencyKey == "" {
		return nil, apperrors.New(apperrors.CodeCardProviderError, "idempotency key required")
	}

	if req.CustomerID != "" {
		if err := c.verifyOwnership(ctx, req); err != nil {
			return nil, err
		}
	}

	params := &stripeapi.RefundParams{}
	params.Context = ctx
	params.IdempotencyKey = stripeapi.String(req.IdempotencyKey)
	if hasPI {
		params.PaymentIntent = stripeapi.String(req.PaymentIntentID)
	} else {
		params.Charge = stripeapi.String(req.ChargeID)
	}
	if req.Amount != nil {
		params.Amount = stripeapi.Int64(*req.Amount)
	}

	r, err := refund.New(params)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCardProviderError, "create refund", err)
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("refund_id", r.ID).
		Str("idempotency_key", req.IdempotencyKey).
		Msg("cardproc.refund_created")
	return r, nil
}

// verifyOwnership checks the target payment belongs to the expected customer
// and has succeeded. Mismatches surface as integrity conflicts, not provider
// errors, because retrying cannot help.
func (c *Client) verifyOwnership(ctx context.Context, req RefundRequest) error {
	if req.PaymentIntentID != "" {
		piParams := &stripeapi.PaymentIntentParams{}
		piParams.Context = ctx
		pi, err := paymentintent.Get(req.PaymentIntentID, piParams)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeCardProviderError, "fetch payment intent", err)
		}
		if pi.Customer == nil || pi.Customer.ID != req.CustomerID {
			return apperrors.New(apperrors.CodeCustomerMismatch, "payment intent does not belong to customer")
		}
		if pi.Status != stripeapi.PaymentIntentStatusSucceeded {
			return apperrors.Newf(apperrors.CodeNotSucceeded, "not_succeeded:%s", pi.Status)
		}
		return nil
	}

	chParams := &stripeapi.ChargeParams{}
	chParams.Context = ctx
	ch, err := charge.Get(req.ChargeID, chParams)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeCardProviderError, "fetch charge", err)
	}
	if ch.Customer == nil || ch.Customer.ID != req.CustomerID {
		return apperrors.New(apperrors.CodeCustomerMismatch, "charge does not belong to customer")
	}
	if !ch.Paid || ch.Status != "succeeded" {
		return apperrors.Newf(apperrors.CodeNotSucceeded, "not_succeeded:%s", ch.Status)
	}
	return nil
}

func normalizeCharge(ch *stripeapi.Charge) Charge {
	out := Charge{
		ID:             ch.ID,
		Created:        ch.Created,
		Currency:       strings.ToLower(string(ch.Currency)),
		Amount:         ch.Amount,
		AmountRefunded: ch.AmountRefunded,
		Paid:           ch.Paid,
		Status:         string(ch.Status),
	}
	if ch.PaymentIntent != nil {
		out.PaymentIntentID = ch.PaymentIntent.ID
	}
	return out
}

// SortChargesNewestFirst orders charges by created timestamp descending with
// id as the tiebreaker, the leg order used by the execution engine.
func SortChargesNewestFirst(charges []Charge) []Charge {
	out := make([]Charge, len(charges))
	copy(out, charges)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Created != out[j].Created {
			return out[i].Created > out[j].Created
		}
		return out[i].ID < out[j].ID
	})
	return out
}
