package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// memBroker is an in-process Broker. Published messages are delivered to
// every open subscription holding the channel.
type memBroker struct {
	mu         sync.Mutex
	subs       []*memSub
	sets       map[string]map[string]struct{}
	hashes     map[string]map[string]string
	ttls       map[string]time.Duration
	publishErr error
	published  []*redis.Message
}

func newMemBroker() *memBroker {
	return &memBroker{
		sets:   make(map[string]map[string]struct{}),
		hashes: make(map[string]map[string]string),
		ttls:   make(map[string]time.Duration),
	}
}

// NewMemBroker hands the in-process broker to tests in other packages,
// so several relays can share it the way processes share Redis.
func NewMemBroker() *memBroker { return newMemBroker() }

// Holders counts the open subscriptions that receive channel.
func (b *memBroker) Holders(channel string) int {
	n := 0
	for _, s := range b.subscriptions() {
		s.mu.Lock()
		if !s.closed && s.channels[channel] {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

func (b *memBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	msg := &redis.Message{Channel: channel, Payload: string(payload)}
	b.published = append(b.published, msg)
	for _, s := range b.subs {
		s.deliver(msg)
	}
	return nil
}

func (b *memBroker) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &memSub{broker: b, channels: make(map[string]bool), ch: make(chan *redis.Message, 64)}
	for _, c := range channels {
		s.channels[c] = true
	}
	b.subs = append(b.subs, s)
	return s, nil
}

func (b *memBroker) subscriptions() []*memSub {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*memSub(nil), b.subs...)
}

func (b *memBroker) SAdd(ctx context.Context, key, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sets[key] == nil {
		b.sets[key] = make(map[string]struct{})
	}
	b.sets[key][member] = struct{}{}
	return nil
}

func (b *memBroker) SRem(ctx context.Context, key, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sets[key], member)
	return nil
}

func (b *memBroker) SMembers(ctx context.Context, key string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.sets[key]))
	for m := range b.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (b *memBroker) HSetWithTTL(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hashes[key] == nil {
		b.hashes[key] = make(map[string]string)
	}
	for k, v := range fields {
		b.hashes[key][k] = v
	}
	b.ttls[key] = ttl
	return nil
}

func (b *memBroker) Close() error { return nil }

type memSub struct {
	broker   *memBroker
	mu       sync.Mutex
	channels map[string]bool
	ch       chan *redis.Message
	closed   bool
}

func (s *memSub) deliver(msg *redis.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.channels[msg.Channel] {
		return
	}
	s.ch <- msg
}

func (s *memSub) Subscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range channels {
		s.channels[c] = true
	}
	return nil
}

func (s *memSub) Unsubscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range channels {
		delete(s.channels, c)
	}
	return nil
}

func (s *memSub) Channel() <-chan *redis.Message { return s.ch }

func (s *memSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

func (s *memSub) holds(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[channel]
}

// kill simulates the broker dropping the connection.
func (s *memSub) kill() { _ = s.Close() }

var errBrokerDown = errors.New("broker down")
