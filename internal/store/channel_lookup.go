package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sony/gobreaker"

	"github.com/observer/coordinator/internal/coord"
	"github.com/observer/coordinator/internal/metrics"
)

// ChannelLookup resolves a channel id to its owning niche/lobby, wrapped
// in a circuit breaker so a degraded channel-ownership database does not
// cascade into every Join request blocking on its timeout (§5 "must
// tolerate transient errors").
type ChannelLookup struct {
	db      *DB
	breaker *gobreaker.CircuitBreaker
}

// NewChannelLookup constructs a ChannelLookup backed by db.
func NewChannelLookup(db *DB) *ChannelLookup {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "channel_lookup",
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
	return &ChannelLookup{db: db, breaker: breaker}
}

// Resolve implements coord.ChannelLookup.
func (c *ChannelLookup) Resolve(ctx context.Context, channelID string) (*coord.ChannelResolution, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		var res coord.ChannelResolution
		row := c.db.Pool.QueryRow(ctx, `
			SELECT channel_id, niche_id, lobby_id
			FROM channels WHERE channel_id = $1
		`, channelID)
		if err := row.Scan(&res.ChannelID, &res.NicheID, &res.LobbyID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, coord.ErrChannelNotFound
			}
			return nil, coord.Wrap(coord.KindPersistence, "scan channel row", err)
		}
		return &res, nil
	})
	if err != nil {
		if ce, ok := err.(*coord.Error); ok {
			return nil, ce
		}
		return nil, coord.Wrap(coord.KindPersistence, "resolve channel", err)
	}
	return result.(*coord.ChannelResolution), nil
}
