// Package businessdb reads users and top-up records from the MySQL business
// database and performs the guarded quota mutations the refund engine relies
// on. The conditional `quota >= delta` decrement is the concurrency primitive
// of the batch path: the affected-row count decides whether a reservation held.
// The legacy single-top-up path locks the top-up row FOR UPDATE instead.
package businessdb

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	apperrors "github.com/privnode/zelo-refund/internal/errors"
	"github.com/privnode/zelo-refund/internal/metrics"
)

// Repo provides read access to users/top-ups and guarded quota mutations.
type Repo struct {
	db      *sql.DB
	metrics *metrics.Metrics
}

// Open connects to the business database and verifies the connection.
func Open(dsn string, maxOpen, maxIdle int, connLifetime time.Duration, m *metrics.Metrics) (*Repo, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("businessdb: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("businessdb: ping: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connLifetime)
	return &Repo{db: db, metrics: m}, nil
}

// NewWithDB wraps an existing connection pool (used by tests).
func NewWithDB(db *sql.DB, m *metrics.Metrics) *Repo {
	return &Repo{db: db, metrics: m}
}

// Close closes the underlying pool.
func (r *Repo) Close() error {
	return r.db.Close()
}

const userColumns = "id, COALESCE(email, ''), COALESCE(stripe_customer_id, ''), CAST(quota AS CHAR), CAST(used_quota AS CHAR)"

// GetUser fetches one user by id.
func (r *Repo) GetUser(ctx context.Context, id int64) (User, error) {
	defer r.observe("get_user")()
	row := r.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	return scanUser(row)
}

// SearchUsers finds users by exact numeric id or email substring.
func (r *Repo) SearchUsers(ctx context.Context, q string, limit int) ([]User, error) {
	defer r.observe("search_users")()
	if limit <= 0 || limit > 50 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if id, convErr := strconv.ParseInt(strings.TrimSpace(q), 10, 64); convErr == nil {
		rows, err = r.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ? LIMIT ?", id, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users WHERE email LIKE ? ORDER BY id LIMIT ?", "%"+q+"%", limit)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "search users", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUserRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "search users", err)
	}
	return out, nil
}

// ListAllUsers loads every user into one slice, querying in pages of 500
// ordered by id. Used by the fleet estimate job; strictly read-only.
func (r *Repo) ListAllUsers(ctx context.Context) ([]User, error) {
	defer r.observe("list_all_users")()
	const pageSize = 500

	var out []User
	lastID := int64(0)
	for {
		rows, err := r.db.QueryContext(ctx,
			"SELECT "+userColumns+" FROM users WHERE id > ? ORDER BY id LIMIT ?", lastID, pageSize)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "list users", err)
		}
		n := 0
		for rows.Next() {
			u, err := scanUserRows(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out = append(out, u)
			lastID = u.ID
			n++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "list users", err)
		}
		rows.Close()
		if n < pageSize {
			return out, nil
		}
	}
}

const topupColumns = "id, user_id, CAST(money AS CHAR), COALESCE(CAST(amount AS CHAR), ''), trade_no, create_time, COALESCE(complete_time, create_time), payment_method, status"

// ListUserTopUps returns all completed top-ups for one user, newest first.
func (r *Repo) ListUserTopUps(ctx context.Context, userID int64) ([]TopUp, error) {
	defer r.observe("list_user_topups")()
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+topupColumns+" FROM topups WHERE user_id = ? AND status IN (?, ?) ORDER BY create_time DESC, id DESC",
		userID, StatusSuccess, StatusRefund)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "list user top-ups", err)
	}
	defer rows.Close()
	return collectTopUps(rows)
}

// ListAllTopUps returns every completed top-up, for the fleet estimate.
func (r *Repo) ListAllTopUps(ctx context.Context) ([]TopUp, error) {
	defer r.observe("list_all_topups")()
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+topupColumns+" FROM topups WHERE status IN (?, ?) ORDER BY user_id, id", StatusSuccess, StatusRefund)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "list top-ups", err)
	}
	defer rows.Close()
	return collectTopUps(rows)
}

// ListTopUps applies the admin list filters.
func (r *Repo) ListTopUps(ctx context.Context, f TopUpFilter) ([]TopUp, error) {
	defer r.observe("list_topups")()
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 200
	}

	var where []string
	var args []any
	if f.Q != "" {
		if id, err := strconv.ParseInt(strings.TrimSpace(f.Q), 10, 64); err == nil {
			where = append(where, "(trade_no LIKE ? OR user_id = ?)")
			args = append(args, "%"+f.Q+"%", id)
		} else {
			where = append(where, "trade_no LIKE ?")
			args = append(args, "%"+f.Q+"%")
		}
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.PaymentMethod != "" {
		where = append(where, "payment_method = ?")
		args = append(args, f.PaymentMethod)
	}

	query := "SELECT " + topupColumns + " FROM topups"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY create_time DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "list top-ups", err)
	}
	defer rows.Close()
	return collectTopUps(rows)
}

// GetTopUpByTradeNo fetches one top-up with its owning user's email joined.
func (r *Repo) GetTopUpByTradeNo(ctx context.Context, tradeNo string) (TopUpWithUser, error) {
	defer r.observe("get_topup")()
	row := r.db.QueryRowContext(ctx,
		"SELECT t.id, t.user_id, CAST(t.money AS CHAR), COALESCE(CAST(t.amount AS CHAR), ''), t.trade_no, t.create_time, COALESCE(t.complete_time, t.create_time), t.payment_method, t.status, COALESCE(u.email, '') "+
			"FROM topups t JOIN users u ON u.id = t.user_id WHERE t.trade_no = ?", tradeNo)

	var t TopUpWithUser
	err := row.Scan(&t.ID, &t.UserID, &t.Money, &t.Amount, &t.TradeNo, &t.CreateTime, &t.CompleteTime, &t.PaymentMethod, &t.Status, &t.UserEmail)
	if err == sql.ErrNoRows {
		return TopUpWithUser{}, ErrNotFound
	}
	if err != nil {
		return TopUpWithUser{}, apperrors.Wrap(apperrors.CodeDatabaseError, "get top-up", err)
	}
	return t, nil
}

// ReserveQuota conditionally decrements a user's quota. The predicate
// `quota >= delta` plus the affected-row check is the concurrency primitive:
// if another batch drained the balance first, the update matches zero rows
// and the reservation fails without touching anything.
func (r *Repo) ReserveQuota(ctx context.Context, userID int64, delta *big.Int) error {
	defer r.observe("reserve_quota")()
	res, err := r.db.ExecContext(ctx,
		"UPDATE users SET quota = quota - ? WHERE id = ? AND quota >= ?",
		delta.String(), userID, delta.String())
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabaseError, "reserve quota", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabaseError, "reserve quota", err)
	}
	if n != 1 {
		return apperrors.New(apperrors.CodeInsufficientUserQuota, "user quota below requested reservation")
	}
	return nil
}

// ReleaseQuota returns a previously reserved amount after a failed leg.
func (r *Repo) ReleaseQuota(ctx context.Context, userID int64, delta *big.Int) error {
	defer r.observe("release_quota")()
	_, err := r.db.ExecContext(ctx,
		"UPDATE users SET quota = quota + ? WHERE id = ?", delta.String(), userID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeDatabaseError, "release quota", err)
	}
	return nil
}

// RefundTopUpFull executes the single-top-up full refund inside one
// transaction: lock the row, verify it is still refundable, run the provider
// call while holding the lock, then flip status and decrement the user's
// quota by the full grant. The audit log update happens outside, by the
// caller.
func (r *Repo) RefundTopUpFull(ctx context.Context, tradeNo string, grantQuota *big.Int, call func(TopUp) error) (TopUp, error) {
	defer r.observe("refund_topup_full")()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return TopUp{}, apperrors.Wrap(apperrors.CodeDatabaseError, "begin transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		"SELECT "+topupColumns+" FROM topups WHERE trade_no = ? FOR UPDATE", tradeNo)
	t, err := scanTopUpRow(row)
	if err == sql.ErrNoRows {
		return TopUp{}, ErrNotFound
	}
	if err != nil {
		return TopUp{}, apperrors.Wrap(apperrors.CodeDatabaseError, "lock top-up", err)
	}
	if t.Status != StatusSuccess {
		return TopUp{}, apperrors.Newf(apperrors.CodeTopUpNotRefundable, "top-up %s has status %s", tradeNo, t.Status)
	}

	if err := call(t); err != nil {
		return TopUp{}, err
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE topups SET status = ? WHERE id = ? AND status = ?", StatusRefund, t.ID, StatusSuccess)
	if err != nil {
		return TopUp{}, apperrors.Wrap(apperrors.CodeDatabaseError, "update top-up status", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return TopUp{}, apperrors.New(apperrors.CodeTopUpAlreadyUpdated, "top-up status changed concurrently")
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE users SET quota = GREATEST(quota - ?, 0) WHERE id = ?",
		grantQuota.String(), t.UserID); err != nil {
		return TopUp{}, apperrors.Wrap(apperrors.CodeDatabaseError, "decrement user quota", err)
	}

	if err := tx.Commit(); err != nil {
		return TopUp{}, apperrors.Wrap(apperrors.CodeDatabaseError, "commit refund", err)
	}
	return t, nil
}

func (r *Repo) observe(op string) func() {
	start := time.Now()
	return func() {
		r.metrics.ObserveDBQuery("business", op, time.Since(start))
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var u User
	var quota, used string
	err := row.Scan(&u.ID, &u.Email, &u.StripeCustomerID, &quota, &used)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, apperrors.Wrap(apperrors.CodeDatabaseError, "scan user", err)
	}
	u.Quota, err = parseBig(quota)
	if err != nil {
		return User{}, err
	}
	u.UsedQuota, err = parseBig(used)
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func scanUserRows(rows *sql.Rows) (User, error) {
	return scanUser(rows)
}

func scanTopUpRow(row rowScanner) (TopUp, error) {
	var t TopUp
	err := row.Scan(&t.ID, &t.UserID, &t.Money, &t.Amount, &t.TradeNo, &t.CreateTime, &t.CompleteTime, &t.PaymentMethod, &t.Status)
	if err != nil {
		return TopUp{}, err
	}
	return t, nil
}

func collectTopUps(rows *sql.Rows) ([]TopUp, error) {
	var out []TopUp
	for rows.Next() {
		t, err := scanTopUpRow(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "scan top-up", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "iterate top-ups", err)
	}
	return out, nil
}

func parseBig(s string) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return new(big.Int), nil
	}
	// Quota columns are DECIMAL(65,0); tolerate a trailing ".000" rendering.
	if dot := strings.IndexByte(trimmed, '.'); dot >= 0 {
		trimmed = trimmed[:dot]
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, apperrors.Newf(apperrors.CodeDatabaseError, "malformed numeric column value %q", s)
	}
	return v, nil
}
