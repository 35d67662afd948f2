package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hemostat/internal/schema"
)

const (
	connectBaseDelay  = time.Second
	connectMaxDelay   = 30 * time.Second
	connectMaxRetries = 10
)

// releaseScript deletes the lock key only while the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Options configures the redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Redis implements Broker over a single go-redis client. Publish and store
// operations share the client; each subscription owns a dedicated PubSub.
type Redis struct {
	client *redis.Client
	log    *slog.Logger

	mu   sync.Mutex
	subs []*redis.PubSub
	wg   sync.WaitGroup
}

// Connect dials redis with exponential backoff, verifying each attempt with
// a ping. Delays double from one second and cap at thirty; after ten failed
// attempts the error is final.
func Connect(ctx context.Context, opts Options, log *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	delay := connectBaseDelay
	var lastErr error
	for attempt := 1; attempt <= connectMaxRetries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			log.Info("connected to redis", "addr", opts.Addr)
			return &Redis{client: client, log: log}, nil
		}
		lastErr = err
		log.Warn("redis connect failed",
			"attempt", attempt,
			"max_attempts", connectMaxRetries,
			"retry_in", delay.String(),
			"error", err)
		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > connectMaxDelay {
			delay = connectMaxDelay
		}
	}
	_ = client.Close()
	return nil, fmt.Errorf("%w: %v", ErrConnectFailed, lastErr)
}

// Publish sends the envelope on channel. Delivery is at-most-once; there is
// no replay for subscribers that were absent.
func (r *Redis) Publish(ctx context.Context, channel string, env schema.Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers h on channel. Messages are decoded and dispatched
// serially per channel; malformed payloads are logged and dropped. The
// subscription ends when ctx is cancelled.
func (r *Redis) Subscribe(ctx context.Context, channel string, h Handler) error {
	sub := r.client.Subscribe(ctx, channel)
	// Force the subscription onto the wire before returning.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	msgs := sub.Channel()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				env, err := schema.DecodeEnvelope([]byte(msg.Payload))
				if err != nil {
					r.log.Warn("dropping malformed message", "channel", channel, "error", err)
					continue
				}
				h(ctx, env)
			}
		}
	}()
	return nil
}

// Close tears down subscriptions and the client, waiting for dispatch
// goroutines to drain.
func (r *Redis) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	r.wg.Wait()
	return r.client.Close()
}

func (r *Redis) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (r *Redis) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del %v: %w", keys, err)
	}
	return nil
}

func (r *Redis) PushBounded(ctx context.Context, key string, v any, max int64, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, max-1)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	return vals, nil
}

func (r *Redis) SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, val, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) ReleaseLock(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return keys, nil
}

// Pipeline collects writes from fn and commits them in one MULTI/EXEC.
func (r *Redis) Pipeline(ctx context.Context, fn func(Pipe) error) error {
	pipe := r.client.TxPipeline()
	rp := &redisPipe{ctx: ctx, pipe: pipe}
	if err := fn(rp); err != nil {
		return err
	}
	if rp.err != nil {
		return rp.err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline exec: %w", err)
	}
	return nil
}

type redisPipe struct {
	ctx  context.Context
	pipe redis.Pipeliner
	err  error
}

func (p *redisPipe) SetJSON(key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		p.fail(fmt.Errorf("encode %s: %w", key, err))
		return
	}
	p.pipe.Set(p.ctx, key, raw, ttl)
}

func (p *redisPipe) PushBounded(key string, v any, max int64, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		p.fail(fmt.Errorf("encode %s: %w", key, err))
		return
	}
	p.pipe.LPush(p.ctx, key, raw)
	p.pipe.LTrim(p.ctx, key, 0, max-1)
	p.pipe.Expire(p.ctx, key, ttl)
}

func (p *redisPipe) Delete(keys ...string) {
	if len(keys) > 0 {
		p.pipe.Del(p.ctx, keys...)
	}
}

func (p *redisPipe) Publish(channel string, env schema.Envelope) {
	raw, err := env.Encode()
	if err != nil {
		p.fail(err)
		return
	}
	p.pipe.Publish(p.ctx, channel, raw)
}

func (p *redisPipe) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

var _ Broker = (*Redis)(nil)
