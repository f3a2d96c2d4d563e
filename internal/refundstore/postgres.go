package refundstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "github.com/lib/pq"

	apperrors "github.com/privnode/zelo-refund/internal/errors"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore connects and bootstraps the refund log table.
func NewPostgresStore(connectionString, table string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("refundstore: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		// Close() error during initialization cleanup is not actionable;
		// the connection failure is the error that matters.
		_ = db.Close()
		return nil, fmt.Errorf("refundstore: ping postgres: %w", err)
	}

	store := &PostgresStore{db: db, table: table}
	if err := store.createTable(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) createTable() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			user_id BIGINT NOT NULL,
			topup_trade_no TEXT,
			card_charge_id TEXT,
			card_payment_intent_id TEXT,
			payment_method TEXT,
			currency TEXT,
			refund_money TEXT NOT NULL,
			refund_money_minor BIGINT NOT NULL,
			quota_delta NUMERIC(65,0) NOT NULL DEFAULT 0,
			provider TEXT NOT NULL,
			out_refund_no TEXT NOT NULL UNIQUE,
			provider_refund_no TEXT,
			status TEXT NOT NULL,
			error_message TEXT,
			performed_by TEXT,
			executed_at TIMESTAMPTZ,
			raw_request JSONB,
			raw_response JSONB
		);
		CREATE INDEX IF NOT EXISTS %s_user_id_idx ON %s (user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS %s_status_idx ON %s (status);
	`, s.table, s.table, s.table, s.table, s.table)

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("refundstore: create table: %w", err)
	}
	return nil
}

const pgColumns = `id, created_at, user_id, COALESCE(topup_trade_no, ''), COALESCE(card_charge_id, ''),
	COALESCE(card_payment_intent_id, ''), COALESCE(payment_method, ''), COALESCE(currency, ''),
	refund_money, refund_money_minor, CAST(quota_delta AS TEXT), provider, out_refund_no,
	COALESCE(provider_refund_no, ''), status, COALESCE(error_message, ''), COALESCE(performed_by, ''),
	executed_at, raw_request, raw_response`

func (s *PostgresStore) Insert(ctx context.Context, row RefundLog) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	quota := "0"
	if row.QuotaDelta != nil {
		quota = row.QuotaDelta.String()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, created_at, user_id, topup_trade_no, card_charge_id,
			card_payment_intent_id, payment_method, currency, refund_money,
			refund_money_minor, quota_delta, provider, out_refund_no,
			provider_refund_no, status, error_message, performed_by, executed_at,
			raw_request, raw_response)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, s.table)

	_, err := s.db.ExecContext(ctx, query,
		row.ID, row.CreatedAt, row.UserID,
		nullable(row.TopUpTradeNo), nullable(row.CardChargeID), nullable(row.CardPaymentIntentID),
		nullable(row.PaymentMethod), nullable(row.Currency),
		row.RefundMoney, row.RefundMoneyMinor, quota,
		row.Provider, row.OutRefundNo,
		nullable(row.ProviderRefundNo), row.Status, nullable(row.ErrorMessage),
		nullable(row.PerformedBy), row.ExecutedAt,
		jsonOrNull(row.RawRequest), jsonOrNull(row.RawResponse))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeRefundStoreError, "insert refund log", err)
	}
	return nil
}

func (s *PostgresStore) MarkSucceeded(ctx context.Context, id, providerRefundNo string, rawResponse json.RawMessage, executedAt time.Time) error {
	query := fmt.Sprintf(
		`UPDATE %s SET status = $2, provider_refund_no = $3, raw_response = $4, executed_at = $5 WHERE id = $1`, s.table)
	return s.settle(ctx, query, id, StatusSucceeded, nullable(providerRefundNo), jsonOrNull(rawResponse), executedAt)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id, errorMessage string, rawResponse json.RawMessage, executedAt time.Time) error {
	query := fmt.Sprintf(
		`UPDATE %s SET status = $2, error_message = $3, raw_response = $4, executed_at = $5 WHERE id = $1`, s.table)
	return s.settle(ctx, query, id, StatusFailed, nullable(errorMessage), jsonOrNull(rawResponse), executedAt)
}

func (s *PostgresStore) settle(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeRefundStoreError, "settle refund log", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (RefundLog, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, pgColumns, s.table)
	row := s.db.QueryRowContext(ctx, query, id)
	log, err := scanPGRow(row)
	if err == sql.ErrNoRows {
		return RefundLog{}, ErrNotFound
	}
	if err != nil {
		return RefundLog{}, apperrors.Wrap(apperrors.CodeRefundStoreError, "get refund log", err)
	}
	return log, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]RefundLog, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.UserID != nil {
		where = append(where, "user_id = "+arg(*f.UserID))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(f.Status))
	}
	if f.PaymentMethod != "" {
		where = append(where, "payment_method = "+arg(f.PaymentMethod))
	}
	if f.StartAt != nil {
		where = append(where, "created_at >= "+arg(*f.StartAt))
	}
	if f.EndAt != nil {
		where = append(where, "created_at <= "+arg(*f.EndAt))
	}
	if f.Q != "" {
		pattern := "%" + f.Q + "%"
		where = append(where, fmt.Sprintf("(topup_trade_no ILIKE %s OR card_charge_id ILIKE %s OR out_refund_no ILIKE %s)",
			arg(pattern), arg(pattern), arg(pattern)))
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 200
	}

	query := fmt.Sprintf(`SELECT %s FROM %s`, pgColumns, s.table)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT %s OFFSET %s", arg(limit), arg(f.Offset))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRefundStoreError, "list refund logs", err)
	}
	defer rows.Close()

	var out []RefundLog
	for rows.Next() {
		log, err := scanPGRow(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeRefundStoreError, "scan refund log", err)
		}
		out = append(out, log)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRefundStoreError, "iterate refund logs", err)
	}
	return out, nil
}

func (s *PostgresStore) AggregateUser(ctx context.Context, userID int64) (UserAggregates, error) {
	rows, err := s.countableRows(ctx, "user_id = $1", userID)
	if err != nil {
		return UserAggregates{}, err
	}
	return foldAggregates(rows), nil
}

func (s *PostgresStore) AggregateAll(ctx context.Context) (map[int64]UserAggregates, error) {
	rows, err := s.countableRows(ctx, "TRUE")
	if err != nil {
		return nil, err
	}
	byUser := make(map[int64][]RefundLog)
	for _, row := range rows {
		byUser[row.UserID] = append(byUser[row.UserID], row)
	}
	out := make(map[int64]UserAggregates, len(byUser))
	for uid, userRows := range byUser {
		out[uid] = foldAggregates(userRows)
	}
	return out, nil
}

// countableRows loads the pending+succeeded rows that count against balance.
func (s *PostgresStore) countableRows(ctx context.Context, cond string, args ...any) ([]RefundLog, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s AND status IN ('%s', '%s')`,
		pgColumns, s.table, cond, StatusPending, StatusSucceeded)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRefundStoreError, "aggregate refund logs", err)
	}
	defer rows.Close()

	var out []RefundLog
	for rows.Next() {
		log, err := scanPGRow(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeRefundStoreError, "scan refund log", err)
		}
		out = append(out, log)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRefundStoreError, "iterate refund logs", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type pgScanner interface {
	Scan(dest ...any) error
}

func scanPGRow(row pgScanner) (RefundLog, error) {
	var log RefundLog
	var quota string
	var executedAt sql.NullTime
	var rawRequest, rawResponse []byte

	err := row.Scan(&log.ID, &log.CreatedAt, &log.UserID, &log.TopUpTradeNo, &log.CardChargeID,
		&log.CardPaymentIntentID, &log.PaymentMethod, &log.Currency,
		&log.RefundMoney, &log.RefundMoneyMinor, &quota, &log.Provider, &log.OutRefundNo,
		&log.ProviderRefundNo, &log.Status, &log.ErrorMessage, &log.PerformedBy,
		&executedAt, &rawRequest, &rawResponse)
	if err != nil {
		return RefundLog{}, err
	}

	log.QuotaDelta, _ = new(big.Int).SetString(quota, 10)
	if log.QuotaDelta == nil {
		log.QuotaDelta = new(big.Int)
	}
	if executedAt.Valid {
		t := executedAt.Time
		log.ExecutedAt = &t
	}
	log.RawRequest = json.RawMessage(rawRequest)
	log.RawResponse = json.RawMessage(rawResponse)
	return log, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func jsonOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
