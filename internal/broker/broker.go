package broker

import (
	"context"
	"errors"
	"time"

	"github.com/hemostat/internal/schema"
)

// ErrConnectFailed is returned when the redis connection cannot be
// established within the retry budget.
var ErrConnectFailed = errors.New("broker: connect retries exhausted")

// Handler consumes one decoded envelope. Handlers on the same channel are
// invoked serially in arrival order.
type Handler func(ctx context.Context, env schema.Envelope)

// Bus is the pub/sub side of the broker.
type Bus interface {
	Publish(ctx context.Context, channel string, env schema.Envelope) error
	Subscribe(ctx context.Context, channel string, h Handler) error
	Close() error
}

// Pipe batches store writes and publishes so they commit together.
type Pipe interface {
	SetJSON(key string, v any, ttl time.Duration)
	PushBounded(key string, v any, max int64, ttl time.Duration)
	Delete(keys ...string)
	Publish(channel string, env schema.Envelope)
}

// Store is the keyed shared-state side of the broker.
type Store interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// PushBounded prepends v to the list at key, trims it to max entries and
	// refreshes the TTL, all in one round trip.
	PushBounded(ctx context.Context, key string, v any, max int64, ttl time.Duration) error
	Range(ctx context.Context, key string, start, stop int64) ([]string, error)

	// SetNX stores val only when key is absent. Used for locks and dedup
	// markers.
	SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error)
	// ReleaseLock deletes key only while it still holds token.
	ReleaseLock(ctx context.Context, key, token string) error

	Keys(ctx context.Context, pattern string) ([]string, error)

	// Pipeline runs fn against a transactional pipe and commits it.
	Pipeline(ctx context.Context, fn func(Pipe) error) error
}

// Broker is the combined bus and store a redis connection provides.
type Broker interface {
	Bus
	Store
}
