// Package estimate implements the fleet-wide refund exposure job: a
// single-flight background computation that runs the quote algorithm over
// every user, bounding card API concurrency, exposing progress, and caching
// the last successful result.
package estimate

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/privnode/zelo-refund/internal/businessdb"
	"github.com/privnode/zelo-refund/internal/cardproc"
	apperrors "github.com/privnode/zelo-refund/internal/errors"
	"github.com/privnode/zelo-refund/internal/metrics"
	"github.com/privnode/zelo-refund/internal/money"
	"github.com/privnode/zelo-refund/internal/refund"
	"github.com/privnode/zelo-refund/internal/refundstore"
)

// Job statuses.
const (
	StatusIdle    = "idle"
	StatusRunning = "running"
	StatusReady   = "ready"
	StatusError   = "error"
)

// Phases of a run.
const (
	PhaseLoading    = "loading"
	PhaseCard       = "card"
	PhaseFinalizing = "finalizing"
)

// Progress exposes where a running computation is.
type Progress struct {
	Phase                      string `json:"phase,omitempty"`
	UsersTotal                 int    `json:"users_total"`
	CardCustomersTotal         int    `json:"card_customers_total"`
	CardCustomersDone          int    `json:"card_customers_done"`
	CardCustomersFailed        int    `json:"card_customers_failed"`
	CardCustomersMultiCurrency int    `json:"card_customers_multi_currency"`
	CardCustomersNonCNY        int    `json:"card_customers_non_cny"`
}

// Result is one completed fleet estimate.
type Result struct {
	TotalCents      int64 `json:"total_cents"`
	CardCents       int64 `json:"card_cents"`
	AggregatorCents int64 `json:"aggregator_cents"`

	TotalYuan      string `json:"total_yuan"`
	CardYuan       string `json:"card_yuan"`
	AggregatorYuan string `json:"aggregator_yuan"`

	UsersTotal                 int `json:"users_total"`
	PayingUsers                int `json:"paying_users"`
	RefundableUsers            int `json:"refundable_users"`
	UsersWithCardCustomer      int `json:"users_with_card_customer"`
	CardCustomersTotal         int `json:"card_customers_total"`
	CardCustomersFailed        int `json:"card_customers_failed"`
	CardCustomersMultiCurrency int `json:"card_customers_multi_currency"`
	CardCustomersNonCNY        int `json:"card_customers_non_cny"`

	ComputedAt time.Time `json:"computed_at"`
	DurationMs int64     `json:"duration_ms"`
}

// State is the process-wide record readers and the worker share. The job
// goroutine is the single writer.
type State struct {
	Status     string     `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	Progress   Progress   `json:"progress"`
	Result     *Result    `json:"result,omitempty"`
	LastResult *Result    `json:"last_result,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// BusinessReader is the read-only business database surface the job uses.
type BusinessReader interface {
	ListAllUsers(ctx context.Context) ([]businessdb.User, error)
	ListAllTopUps(ctx context.Context) ([]businessdb.TopUp, error)
}

// Job is the single-flight estimator.
type Job struct {
	mu    sync.Mutex
	state State

	db      BusinessReader
	store   refundstore.Store
	card    cardproc.API
	quotes  *refund.QuoteService
	metrics *metrics.Metrics
	log     zerolog.Logger
	workers int
}

// NewJob wires the estimator.
func NewJob(db BusinessReader, store refundstore.Store, card cardproc.API, quotes *refund.QuoteService, m *metrics.Metrics, log zerolog.Logger, workers int) *Job {
	if workers <= 0 {
		workers = 5
	}
	return &Job{
		state:   State{Status: StatusIdle},
		db:      db,
		store:   store,
		card:    card,
		quotes:  quotes,
		metrics: m,
		log:     log.With().Str("component", "estimate").Logger(),
		workers: workers,
	}
}

// Snapshot returns a copy of the current state.
func (j *Job) Snapshot() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Start launches a computation unless one is already running. It returns true
// when a new run was started. The previous result is preserved as last_result
// for readers while the new run progresses.
func (j *Job) Start() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Status == StatusRunning {
		return false
	}

	now := time.Now().UTC()
	last := j.state.Result
	if last == nil {
		last = j.state.LastResult
	}
	j.state = State{
		Status:     StatusRunning,
		StartedAt:  &now,
		LastResult: last,
		Progress:   Progress{Phase: PhaseLoading},
	}

	go j.run()
	return true
}

func (j *Job) run() {
	// The run outlives any admin request; it is bounded only by its own work.
	ctx := context.Background()
	start := time.Now()

	result, err := j.compute(ctx)
	elapsed := time.Since(start)

	j.mu.Lock()
	defer j.mu.Unlock()
	if err != nil {
		j.state.Status = StatusError
		j.state.Error = err.Error()
		j.metrics.ObserveEstimateRun(StatusError, elapsed)
		j.log.Error().Err(err).Dur("elapsed", elapsed).Msg("estimate.run_failed")
		return
	}

	result.ComputedAt = time.Now().UTC()
	result.DurationMs = elapsed.Milliseconds()
	j.state.Status = StatusReady
	j.state.Result = result
	j.state.LastResult = result
	j.metrics.ObserveEstimateRun(StatusReady, elapsed)
	j.log.Info().
		Dur("elapsed", elapsed).
		Int("users", result.UsersTotal).
		Str("total_yuan", result.TotalYuan).
		Msg("estimate.run_completed")
}

// customerOutcome classifies one card customer's listing attempt.
type customerOutcome int

const (
	customerOK customerOutcome = iota
	customerFailed
	customerMultiCurrency
	customerNonCNY
)

func (j *Job) compute(ctx context.Context) (*Result, error) {
	// Phase 1: load the business-side inputs in bulk.
	users, err := j.db.ListAllUsers(ctx)
	if err != nil {
		return nil, err
	}
	j.setProgress(func(p *Progress) {
		p.Phase = PhaseLoading
		p.UsersTotal = len(users)
	})

	topups, err := j.db.ListAllTopUps(ctx)
	if err != nil {
		return nil, err
	}
	topupsByUser := make(map[int64][]businessdb.TopUp)
	for _, t := range topups {
		topupsByUser[t.UserID] = append(topupsByUser[t.UserID], t)
	}

	prior, err := j.store.AggregateAll(ctx)
	if err != nil {
		return nil, err
	}

	// Phase 2: list card charges for customers with a fixed worker pool.
	// Workers stride over the customer slice; per-customer failures are
	// counted, never fatal.
	var customers []int // indexes into users
	for i, u := range users {
		if u.StripeCustomerID != "" {
			customers = append(customers, i)
		}
	}
	j.setProgress(func(p *Progress) {
		p.Phase = PhaseCard
		p.CardCustomersTotal = len(customers)
	})

	chargesByUser := make([][]cardproc.Charge, len(customers))
	outcomes := make([]customerOutcome, len(customers))

	var wg sync.WaitGroup
	for w := 0; w < j.workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := worker; i < len(customers); i += j.workers {
				u := users[customers[i]]
				charges, err := j.card.ListCustomerCharges(ctx, u.StripeCustomerID)
				outcome := customerOK
				switch {
				case err != nil:
					outcome = customerFailed
					j.log.Warn().Err(err).Int64("user_id", u.ID).Msg("estimate.customer_listing_failed")
				default:
					outcome = classifyCurrency(charges)
					if outcome == customerOK {
						chargesByUser[i] = charges
					}
				}
				outcomes[i] = outcome
				j.setProgress(func(p *Progress) {
					p.CardCustomersDone++
					switch outcome {
					case customerFailed:
						p.CardCustomersFailed++
					case customerMultiCurrency:
						p.CardCustomersMultiCurrency++
					case customerNonCNY:
						p.CardCustomersNonCNY++
					}
				})
			}
		}(w)
	}
	wg.Wait()

	// Phase 3: run the pure quote per user and accumulate.
	j.setProgress(func(p *Progress) { p.Phase = PhaseFinalizing })

	chargesByUserID := make(map[int64][]cardproc.Charge, len(customers))
	excluded := make(map[int64]bool)
	result := &Result{UsersTotal: len(users)}
	for i, idx := range customers {
		u := users[idx]
		switch outcomes[i] {
		case customerOK:
			chargesByUserID[u.ID] = chargesByUser[i]
		case customerFailed:
			result.CardCustomersFailed++
		case customerMultiCurrency:
			result.CardCustomersMultiCurrency++
			excluded[u.ID] = true
		case customerNonCNY:
			result.CardCustomersNonCNY++
		}
	}
	result.CardCustomersTotal = len(customers)
	result.UsersWithCardCustomer = len(customers)

	total := new(big.Int)
	card := new(big.Int)
	agg := new(big.Int)

	for _, u := range users {
		if excluded[u.ID] {
			continue
		}
		userTopups := topupsByUser[u.ID]
		charges := chargesByUserID[u.ID]
		if len(userTopups) > 0 || len(charges) > 0 {
			result.PayingUsers++
		}

		quote, err := refund.ComputeQuote(u, userTopups, charges, userPrior(prior, u.ID))
		if err != nil {
			// classifyCurrency already filtered currency conflicts; anything
			// else is counted like a listing failure.
			result.CardCustomersFailed++
			continue
		}
		if quote.DueCents.Sign() > 0 {
			result.RefundableUsers++
		}
		total.Add(total, quote.DueCents)
		card.Add(card, quote.Plan.CardCents)
		agg.Add(agg, quote.Plan.AggregatorCents)
	}

	result.TotalCents = total.Int64()
	result.CardCents = card.Int64()
	result.AggregatorCents = agg.Int64()
	result.TotalYuan = money.FormatCentsToYuan(total)
	result.CardYuan = money.FormatCentsToYuan(card)
	result.AggregatorYuan = money.FormatCentsToYuan(agg)
	return result, nil
}

func (j *Job) setProgress(mutate func(*Progress)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	mutate(&j.state.Progress)
}

func classifyCurrency(charges []cardproc.Charge) customerOutcome {
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
			return customerMultiCurrency
		}
	}
	if currency != "" && currency != refund.CurrencyCNY {
		return customerNonCNY
	}
	return customerOK
}

func userPrior(all map[int64]refundstore.UserAggregates, userID int64) refundstore.UserAggregates {
	if agg, ok := all[userID]; ok {
		return agg
	}
	return refundstore.UserAggregates{
		ByTradeNo:  map[string]refundstore.TargetTotals{},
		ByChargeID: map[string]refundstore.TargetTotals{},
	}
}

// UserItem is one row of the on-demand per-user estimate.
type UserItem struct {
	UserID     int64  `json:"user_id"`
	DueYuan    string `json:"due_yuan"`
	CardYuan   string `json:"card_yuan"`
	AggregatorYuan string `json:"aggregator_yuan"`
	Warning    string `json:"warning,omitempty"`
}

// UsersEstimate is the on-demand variant's response. Ids that could not be
// estimated are reported separately: missing users, and duplicates that were
// collapsed to a single computation.
type UsersEstimate struct {
	Items            []UserItem `json:"items"`
	TotalYuan        string     `json:"total_yuan"`
	CardYuan         string     `json:"card_yuan"`
	AggregatorYuan   string     `json:"aggregator_yuan"`
	UserIDsNotFound  []int64    `json:"user_ids_not_found,omitempty"`
	DuplicateUserIDs []int64    `json:"duplicate_user_ids,omitempty"`
}

// MaxEstimateUsers bounds the on-demand variant.
const MaxEstimateUsers = 1500

// EstimateUsers runs the quote for an explicit list of user ids. Per-user
// currency conflicts become warnings, not failures.
func (j *Job) EstimateUsers(ctx context.Context, ids []int64) (*UsersEstimate, error) {
	if len(ids) == 0 {
		return nil, apperrors.New(apperrors.CodeInvalidUserIDs, "at least one user id is required")
	}
	if len(ids) > MaxEstimateUsers {
		return nil, apperrors.Newf(apperrors.CodeTooManyUserIDs, "at most %d user ids per request", MaxEstimateUsers)
	}

	seen := make(map[int64]bool, len(ids))
	reportedDup := make(map[int64]bool)
	out := &UsersEstimate{}
	total := new(big.Int)
	card := new(big.Int)
	agg := new(big.Int)

	for _, id := range ids {
		if seen[id] {
			if !reportedDup[id] {
				reportedDup[id] = true
				out.DuplicateUserIDs = append(out.DuplicateUserIDs, id)
			}
			continue
		}
		seen[id] = true

		quote, err := j.quotes.BuildQuote(ctx, id)
		if err != nil {
			if appErr := apperrors.AsError(err); appErr != nil {
				switch appErr.Code {
				case apperrors.CodeUserNotFound:
					out.UserIDsNotFound = append(out.UserIDsNotFound, id)
					continue
				case apperrors.CodeStripeMultipleCurrencies:
					out.Items = append(out.Items, UserItem{
						UserID:  id,
						DueYuan: "0.00",
						Warning: string(appErr.Code),
					})
					continue
				}
			}
			return nil, err
		}

		item := UserItem{
			UserID:         id,
			DueYuan:        quote.DueYuan(),
			CardYuan:       money.FormatCentsToYuan(quote.Plan.CardCents),
			AggregatorYuan: money.FormatCentsToYuan(quote.Plan.AggregatorCents),
		}
		if len(quote.Notes) > 0 {
			item.Warning = quote.Notes[0]
		}
		out.Items = append(out.Items, item)
		total.Add(total, quote.DueCents)
		card.Add(card, quote.Plan.CardCents)
		agg.Add(agg, quote.Plan.AggregatorCents)
	}

	out.TotalYuan = money.FormatCentsToYuan(total)
	out.CardYuan = money.FormatCentsToYuan(card)
	out.AggregatorYuan = money.FormatCentsToYuan(agg)
	return out, nil
}
