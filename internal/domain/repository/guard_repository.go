package repository

import (
	"context"
	"time"

	"github.com/turtacn/sentinel/internal/domain/models"
)

// RateCounterStore keeps fixed-window request counters.
type RateCounterStore interface {
	// Increment bumps the counter for key and returns the new count and when the
	// current window ends. A counter whose window has passed starts over at 1.
	Increment(ctx context.Context, key string, window time.Duration) (int, time.Time, error)
}

// BlockStore keeps blocked client addresses.
type BlockStore interface {
	Block(ctx context.Context, entry *models.BlockEntry, ttl time.Duration) error
	Unblock(ctx context.Context, ip string) error
	IsBlocked(ctx context.Context, ip string) (bool, error)
	List(ctx context.Context) ([]*models.BlockEntry, error)
}
