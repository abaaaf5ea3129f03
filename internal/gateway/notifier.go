package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"engagesync/internal/observability"

	"github.com/redis/go-redis/v9"
)

const roomChannelPrefix = "engage:room:"

// roomMessage is what travels over Redis between gateway instances. Origin is
// the id of the client that caused the broadcast; it is skipped on delivery.
type roomMessage struct {
	Origin string          `json:"origin,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

// Notifier publishes room frames into Redis channels so every gateway
// instance can deliver them to its own members.
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a new Notifier instance using the provided Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// Enabled reports whether a Redis client is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.rdb != nil
}

// PublishRoom sends frame to everyone in room key, except origin.
func (n *Notifier) PublishRoom(ctx context.Context, key, origin string, frame []byte) error {
	if !n.Enabled() {
		return nil
	}
	payload, err := json.Marshal(roomMessage{Origin: origin, Frame: frame})
	if err != nil {
		return fmt.Errorf("marshal room message: %w", err)
	}
	if err := n.rdb.Publish(ctx, roomChannelPrefix+key, payload).Err(); err != nil {
		observability.RedisErrorRate.WithLabelValues("publish").Inc()
		return err
	}
	return nil
}

// StartRoomSubscriber subscribes to `engage:room:*` and calls onMessage for
// each incoming message. It returns once the subscription is confirmed.
func (n *Notifier) StartRoomSubscriber(
	ctx context.Context, onMessage func(key, origin string, frame []byte),
) error {
	if !n.Enabled() {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, roomChannelPrefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		observability.RedisErrorRate.WithLabelValues("psubscribe").Inc()
		return fmt.Errorf("subscribe room channels: %w", err)
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							observability.GlobalLogger.Error("PANIC in room subscriber",
								slog.Any("panic", r),
								slog.String("stack", string(debug.Stack())))
						}
					}()
					var m roomMessage
					if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
						observability.GlobalLogger.Warn("invalid room message",
							slog.String("channel", msg.Channel),
							slog.String("error", err.Error()))
						return
					}
					onMessage(strings.TrimPrefix(msg.Channel, roomChannelPrefix), m.Origin, m.Frame)
				}()
			}
		}
	}()

	return nil
}
