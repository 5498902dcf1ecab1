package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix = "stream:"
	publishTTL    = 5 * time.Second
)

// redisPayload is the message published to Redis for cross-instance fan-out.
// Origin identifies the publishing instance so it can skip its own echoes;
// the local broadcast already delivered the event to local clients.
type redisPayload struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
	At     int64           `json:"at"`
}

// RedisPubSub bridges room events across instances via Redis pub/sub.
// Implements both Publisher and Subscriber.
type RedisPubSub struct {
	client     *redis.Client
	instanceID string
	logger     *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for stream events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	return &RedisPubSub{client: client, instanceID: uuid.New().String(), logger: logger}
}

// PublishStreamEvent publishes a fully-encoded envelope to the stream's channel.
func (r *RedisPubSub) PublishStreamEvent(streamID string, payload []byte) error {
	body, err := json.Marshal(redisPayload{
		Origin: r.instanceID,
		Data:   payload,
		At:     time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTTL)
	defer cancel()
	return r.client.Publish(ctx, channelPrefix+streamID, body).Err()
}

// SubscribeStream subscribes to a stream's channel and calls handler for each
// envelope published by another instance. Returns a cancel function.
func (r *RedisPubSub) SubscribeStream(streamID string, handler func(payload []byte)) (cancel func(), err error) {
	channel := channelPrefix + streamID
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p redisPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					r.logger.Warn("invalid redis payload", zap.String("channel", channel), zap.Error(err))
					continue
				}
				if p.Origin == r.instanceID {
					continue
				}
				handler(p.Data)
			}
		}
	}()
	return func() { cancelCtx() }, nil
}
