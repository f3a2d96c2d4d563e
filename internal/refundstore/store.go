// Package refundstore persists the append-mostly refund audit log. Rows are
// inserted as pending before any provider call so the idempotency key
// survives a crash, then settled to succeeded or failed.
//
// Three backends share the Store interface: PostgreSQL (production), MongoDB,
// and an in-memory store for tests and local development.
package refundstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store captures the persistence requirements for the refund audit log.
type Store interface {
	// Insert writes a new pending row. The row's ID and OutRefundNo must be set.
	Insert(ctx context.Context, row RefundLog) error
	// MarkSucceeded settles a pending row after the provider confirmed.
	MarkSucceeded(ctx context.Context, id, providerRefundNo string, rawResponse json.RawMessage, executedAt time.Time) error
	// MarkFailed settles a pending row after a provider failure.
	MarkFailed(ctx context.Context, id, errorMessage string, rawResponse json.RawMessage, executedAt time.Time) error

	Get(ctx context.Context, id string) (RefundLog, error)
	List(ctx context.Context, f Filter) ([]RefundLog, error)

	// AggregateUser returns one user's prior-refund totals per target
	// (pending + succeeded rows only).
	AggregateUser(ctx context.Context, userID int64) (UserAggregates, error)
	// AggregateAll returns the fleet-wide totals grouped by user.
	AggregateAll(ctx context.Context) (map[int64]UserAggregates, error)

	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	Backend       string // "postgres", "mongodb", or "memory"
	PostgresURL   string
	MongoURL      string
	MongoDatabase string
	TableName     string // table (postgres) or collection (mongodb) name
}

// New builds the configured backend.
func New(ctx context.Context, cfg Config) (Store, error) {
	table := cfg.TableName
	if table == "" {
		table = "refund_logs"
	}
	switch cfg.Backend {
	case "postgres":
		return NewPostgresStore(cfg.PostgresURL, table)
	case "mongodb":
		return NewMongoStore(ctx, cfg.MongoURL, cfg.MongoDatabase, table)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("refundstore: unknown backend %q", cfg.Backend)
	}
}
