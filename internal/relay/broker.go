package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Broker is the shared bus every process connects to. RedisBroker is the
// production implementation; tests substitute an in-memory one.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	HSetWithTTL(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error

	Close() error
}

// Subscription is one pub/sub connection. Messages from every channel it
// holds arrive on Channel in publish order per channel.
type Subscription interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	Channel() <-chan *redis.Message
	Close() error
}

type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker connects to url and verifies the connection with a ping.
func NewRedisBroker(ctx context.Context, url string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisBroker{client: client}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channels...)
	if len(channels) > 0 {
		// Receive blocks until the server confirms, so a dead broker
		// surfaces here rather than as a silent empty channel.
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	}
	return &redisSubscription{ps: ps, ch: ps.Channel()}, nil
}

func (b *RedisBroker) SAdd(ctx context.Context, key, member string) error {
	return b.client.SAdd(ctx, key, member).Err()
}

func (b *RedisBroker) SRem(ctx context.Context, key, member string) error {
	return b.client.SRem(ctx, key, member).Err()
}

func (b *RedisBroker) SMembers(ctx context.Context, key string) ([]string, error) {
	return b.client.SMembers(ctx, key).Result()
}

func (b *RedisBroker) HSetWithTTL(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		args := make([]any, 0, 2*len(fields))
		for k, v := range fields {
			args = append(args, k, v)
		}
		p.HSet(ctx, key, args...)
		p.Expire(ctx, key, ttl)
		return nil
	})
	return err
}

// TryLock takes key for ttl if nobody holds it.
func (b *RedisBroker) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return ok, nil
}

var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// Unlock releases key only if owner still holds it.
func (b *RedisBroker) Unlock(ctx context.Context, key, owner string) error {
	err := unlockScript.Run(ctx, b.client, []string{key}, owner).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	ps *redis.PubSub
	ch <-chan *redis.Message
}

func (s *redisSubscription) Subscribe(ctx context.Context, channels ...string) error {
	return s.ps.Subscribe(ctx, channels...)
}

func (s *redisSubscription) Unsubscribe(ctx context.Context, channels ...string) error {
	return s.ps.Unsubscribe(ctx, channels...)
}

func (s *redisSubscription) Channel() <-chan *redis.Message { return s.ch }

func (s *redisSubscription) Close() error { return s.ps.Close() }
