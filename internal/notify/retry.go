package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/slack-go/slack"
)

// Retrier wraps a Notifier with bounded exponential-backoff retries. Rate
// limit responses carrying an explicit retry-after override the backoff.
type Retrier struct {
	next     Notifier
	attempts int
	base     time.Duration
	log      *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewRetrier(next Notifier, attempts int, base time.Duration, log *slog.Logger) *Retrier {
	return &Retrier{
		next:     next,
		attempts: attempts,
		base:     base,
		log:      log,
		sleep:    sleepCtx,
	}
}

func (r *Retrier) Send(ctx context.Context, m Message) error {
	delay := r.base
	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if attempt > 1 {
			wait := delay
			var rl *slack.RateLimitedError
			if errors.As(lastErr, &rl) && rl.RetryAfter > 0 {
				wait = rl.RetryAfter
			}
			if err := r.sleep(ctx, wait); err != nil {
				return err
			}
			delay *= 2
		}
		lastErr = r.next.Send(ctx, m)
		if lastErr == nil {
			return nil
		}
		r.log.Warn("notification delivery failed", "attempt", attempt, "error", lastErr)
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
