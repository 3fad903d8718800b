package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/studyhub/internal/apperr"
	"github.com/lalith-99/studyhub/internal/observ"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel layout on the broker. Hub keys are the channel names with the
// namespace prefix dropped.
const (
	roomChannelPrefix = "chat:room:"
	userChannelPrefix = "notify:user:"
	PresenceChannel   = "presence:updates"

	roomKeyPrefix = "room:"
	userKeyPrefix = "user:"
	PresenceKey   = "presence"
)

func RoomChannel(roomID uuid.UUID) string { return roomChannelPrefix + roomID.String() }
func UserChannel(userID uuid.UUID) string { return userChannelPrefix + userID.String() }

func RoomKey(roomID uuid.UUID) string { return roomKeyPrefix + roomID.String() }
func UserKey(userID uuid.UUID) string { return userKeyPrefix + userID.String() }

// ChannelForKey maps a hub key to its broker channel.
func ChannelForKey(key string) (string, bool) {
	switch {
	case key == PresenceKey:
		return PresenceChannel, true
	case strings.HasPrefix(key, roomKeyPrefix):
		return roomChannelPrefix + strings.TrimPrefix(key, roomKeyPrefix), true
	case strings.HasPrefix(key, userKeyPrefix):
		return userChannelPrefix + strings.TrimPrefix(key, userKeyPrefix), true
	}
	return "", false
}

// KeyForChannel is the inverse of ChannelForKey.
func KeyForChannel(channel string) (string, bool) {
	switch {
	case channel == PresenceChannel:
		return PresenceKey, true
	case strings.HasPrefix(channel, roomChannelPrefix):
		return roomKeyPrefix + strings.TrimPrefix(channel, roomChannelPrefix), true
	case strings.HasPrefix(channel, userChannelPrefix):
		return userKeyPrefix + strings.TrimPrefix(channel, userChannelPrefix), true
	}
	return "", false
}

// Envelope is the payload carried on every channel.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Sink receives every event the listener pulls off the broker. The hub
// implements it; BroadcastLocal must not block.
type Sink interface {
	BroadcastLocal(key, frameType string, data json.RawMessage)
}

// Relay bridges the local hub to the broker. One per process.
type Relay struct {
	broker         Broker
	sink           Sink
	logger         *zap.Logger
	publishTimeout time.Duration
	restartDelay   time.Duration

	mu       sync.Mutex
	channels map[string]int // channel -> local subscriber count
	sub      Subscription
}

func New(broker Broker, sink Sink, publishTimeout time.Duration, logger *zap.Logger) *Relay {
	return &Relay{
		broker:         broker,
		sink:           sink,
		logger:         logger.Named("relay"),
		publishTimeout: publishTimeout,
		restartDelay:   time.Second,
		channels:       make(map[string]int),
	}
}

// SetSink installs the local receiver when it could not be built before
// the relay. It must be called before Run.
func (r *Relay) SetSink(sink Sink) { r.sink = sink }

// Publish serializes {type, data} onto channel. It fails fast with a
// transient error when the broker does not answer within the timeout.
func (r *Relay) Publish(ctx context.Context, channel, eventType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return apperr.Internal(err, "encode %s event", eventType)
	}
	payload, err := json.Marshal(Envelope{Type: eventType, Data: raw})
	if err != nil {
		return apperr.Internal(err, "encode %s envelope", eventType)
	}
	return r.publishRaw(ctx, channel, eventType, payload)
}

func (r *Relay) publishRaw(ctx context.Context, channel, eventType string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()

	if err := r.broker.Publish(ctx, channel, payload); err != nil {
		observ.IncRelayPublishError()
		r.logger.Warn("publish failed",
			zap.String("channel", channel),
			zap.String("type", eventType),
			zap.Error(err),
		)
		return apperr.Transient(err, "publish %s", eventType)
	}
	return nil
}

// SubscribeKey starts receiving the broker channel behind a hub key. Calls
// are counted; the channel is dropped when every caller has unsubscribed.
func (r *Relay) SubscribeKey(ctx context.Context, key string) error {
	channel, ok := ChannelForKey(key)
	if !ok {
		return fmt.Errorf("no channel for hub key %q", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[channel]++
	if r.channels[channel] > 1 || r.sub == nil {
		// Run subscribes everything in r.channels when it (re)connects.
		return nil
	}
	if err := r.sub.Subscribe(ctx, channel); err != nil {
		r.logger.Warn("subscribe failed", zap.String("channel", channel), zap.Error(err))
		return apperr.Transient(err, "subscribe %s", channel)
	}
	return nil
}

func (r *Relay) UnsubscribeKey(ctx context.Context, key string) error {
	channel, ok := ChannelForKey(key)
	if !ok {
		return fmt.Errorf("no channel for hub key %q", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n, held := r.channels[channel]
	if !held {
		return nil
	}
	if n > 1 {
		r.channels[channel] = n - 1
		return nil
	}
	delete(r.channels, channel)
	if r.sub == nil {
		return nil
	}
	if err := r.sub.Unsubscribe(ctx, channel); err != nil {
		r.logger.Warn("unsubscribe failed", zap.String("channel", channel), zap.Error(err))
		return apperr.Transient(err, "unsubscribe %s", channel)
	}
	return nil
}

// Channels returns the channels currently registered, in no order.
func (r *Relay) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.channels))
	for ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

var errSubscriptionClosed = errors.New("subscription closed")

// Run is the listener. It returns only when ctx is done; any other exit
// of the inner loop, panics included, is logged and followed by a fresh
// subscription that replays every registered channel.
func (r *Relay) Run(ctx context.Context) error {
	for {
		err := r.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Error("listener stopped, restarting", zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.restartDelay):
		}
	}
}

func (r *Relay) listen(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("listener panic: %v", p)
		}
	}()

	r.mu.Lock()
	channels := make([]string, 0, len(r.channels))
	for ch := range r.channels {
		channels = append(channels, ch)
	}
	sub, err := r.broker.Subscribe(ctx, channels...)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.sub = sub
	r.mu.Unlock()

	r.logger.Info("listening", zap.Int("channels", len(channels)))

	defer func() {
		r.mu.Lock()
		if r.sub == sub {
			r.sub = nil
		}
		r.mu.Unlock()
		_ = sub.Close()
	}()

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errSubscriptionClosed
			}
			r.dispatch(msg)
		}
	}
}

func (r *Relay) dispatch(msg *redis.Message) {
	key, ok := KeyForChannel(msg.Channel)
	if !ok {
		r.logger.Debug("message on unknown channel", zap.String("channel", msg.Channel))
		return
	}

	var env Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Type == "" {
		r.logger.Warn("dropping malformed envelope", zap.String("channel", msg.Channel))
		return
	}
	if len(env.Data) == 0 {
		// Presence updates are published flat, without a data wrapper.
		env.Data = json.RawMessage(msg.Payload)
	}
	r.sink.BroadcastLocal(key, env.Type, env.Data)
}
