// Package live mirrors each vehicle's next-stop ETA into Redis so the
// realtime UI layer can read it without polling Postgres.
package live

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Keys expire if a vehicle stops producing predictions.
const etaTTL = 10 * time.Minute

type Store struct {
	client *redis.Client
}

func NewStore(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &Store{client: redis.NewClient(opts)}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error { return s.client.Close() }

// SetNextStopETA writes the vehicle's live next-stop ETA in minutes.
func (s *Store) SetNextStopETA(ctx context.Context, vehicleID string, etaMinutes int) error {
	key := "eta:next_stop:" + vehicleID
	if err := s.client.Set(ctx, key, etaMinutes, etaTTL).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Sink is anything that accepts a live next-stop ETA update.
type Sink interface {
	SetNextStopETA(ctx context.Context, vehicleID string, etaMinutes int) error
}

// Multi fans one update out to several sinks. Each sink is attempted even
// when an earlier one fails.
type Multi []Sink

func (m Multi) SetNextStopETA(ctx context.Context, vehicleID string, etaMinutes int) error {
	var errs []error
	for _, s := range m {
		if err := s.SetNextStopETA(ctx, vehicleID, etaMinutes); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
