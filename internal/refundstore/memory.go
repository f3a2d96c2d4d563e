package refundstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]RefundLog
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]RefundLog)}
}

func (s *MemoryStore) Insert(_ context.Context, row RefundLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	s.rows[row.ID] = row
	return nil
}

func (s *MemoryStore) MarkSucceeded(_ context.Context, id, providerRefundNo string, rawResponse json.RawMessage, executedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	row.Status = StatusSucceeded
	row.ProviderRefundNo = providerRefundNo
	row.RawResponse = rawResponse
	row.ExecutedAt = &executedAt
	s.rows[id] = row
	return nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id, errorMessage string, rawResponse json.RawMessage, executedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	row.Status = StatusFailed
	row.ErrorMessage = errorMessage
	row.RawResponse = rawResponse
	row.ExecutedAt = &executedAt
	s.rows[id] = row
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (RefundLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return RefundLog{}, ErrNotFound
	}
	return row, nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]RefundLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []RefundLog
	for _, row := range s.rows {
		if !matches(row, f) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AggregateUser(_ context.Context, userID int64) (UserAggregates, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []RefundLog
	for _, row := range s.rows {
		if row.UserID == userID {
			rows = append(rows, row)
		}
	}
	return foldAggregates(rows), nil
}

func (s *MemoryStore) AggregateAll(_ context.Context) (map[int64]UserAggregates, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byUser := make(map[int64][]RefundLog)
	for _, row := range s.rows {
		byUser[row.UserID] = append(byUser[row.UserID], row)
	}
	out := make(map[int64]UserAggregates, len(byUser))
	for uid, rows := range byUser {
		out[uid] = foldAggregates(rows)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func matches(row RefundLog, f Filter) bool {
	if f.UserID != nil && row.UserID != *f.UserID {
		return false
	}
	if f.Status != "" && row.Status != f.Status {
		return false
	}
	if f.PaymentMethod != "" && row.PaymentMethod != f.PaymentMethod {
		return false
	}
	if f.StartAt != nil && row.CreatedAt.Before(*f.StartAt) {
		return false
	}
	if f.EndAt != nil && row.CreatedAt.After(*f.EndAt) {
		return false
	}
	if f.Q != "" {
		q := strings.ToLower(f.Q)
		if !strings.Contains(strings.ToLower(row.TopUpTradeNo), q) &&
			!strings.Contains(strings.ToLower(row.CardChargeID), q) &&
			!strings.Contains(strings.ToLower(row.OutRefundNo), q) {
			return false
		}
	}
	return true
}
