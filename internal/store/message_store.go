package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/observer/coordinator/internal/coord"
	"github.com/observer/coordinator/internal/metrics"
)

// MessageStore persists chat messages, wrapped in its own circuit breaker
// independent of ChannelLookup's — a degraded message history store
// should not also block channel resolution, and vice versa.
type MessageStore struct {
	db      *DB
	breaker *gobreaker.CircuitBreaker
}

// NewMessageStore constructs a MessageStore backed by db.
func NewMessageStore(db *DB) *MessageStore {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "message_store",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerStateTransitions.WithLabelValues(name, to.String()).Inc()
		},
	})
	return &MessageStore{db: db, breaker: breaker}
}

// Append implements coord.MessageStore.
func (m *MessageStore) Append(ctx context.Context, userID, channelID, contents string) (*coord.MessageRecord, error) {
	result, err := m.breaker.Execute(func() (interface{}, error) {
		id := uuid.NewString()
		var record coord.MessageRecord
		var createdAt time.Time
		err := m.db.Pool.QueryRow(ctx, `
			INSERT INTO channel_messages (id, channel_id, user_id, contents, created_at)
			VALUES ($1, $2, $3, $4, now())
			RETURNING id, user_id, contents, created_at
		`, id, channelID, userID, contents).Scan(&record.ID, &record.UserID, &record.Contents, &createdAt)
		if err != nil {
			return nil, coord.Wrap(coord.KindPersistence, "insert chat message", err)
		}
		record.TimestampMS = createdAt.UnixMilli()
		return &record, nil
	})
	if err != nil {
		if ce, ok := err.(*coord.Error); ok {
			return nil, ce
		}
		return nil, coord.Wrap(coord.KindPersistence, "append chat message", err)
	}
	return result.(*coord.MessageRecord), nil
}
