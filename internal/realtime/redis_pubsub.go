package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// channelPrefix keys broadcast topics by join token, never by the 4-digit
	// code: the code namespace is small enough to enumerate.
	channelPrefix = "party:"
	publishTTL    = 5 * time.Second
)

// Broadcast event names carried on party topics.
const (
	EventLocation        = "location"
	EventMemberLeft      = "member_left"
	EventPartyEnded      = "party_ended"
	EventRosterLocations = "roster_locations"
)

// LocationMessage is a single live position report.
type LocationMessage struct {
	UserID    string  `json:"user_id"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	AvatarURL string  `json:"avatar_url,omitempty"`
	At        int64   `json:"at,omitempty"` // unix millis, informational only
}

// redisPayload is the message published to Redis for cross-instance broadcast.
type redisPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// RedisPubSub bridges party topics onto Redis pub/sub. Delivery is
// at-most-once with no ordering guarantee; receivers drop anything stale.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for party events.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	return &RedisPubSub{client: client, logger: logger}
}

// PublishPartyEvent publishes an event to the party's Redis channel.
func (r *RedisPubSub) PublishPartyEvent(joinToken string, event string, payload []byte) error {
	channel := channelPrefix + joinToken
	body, err := json.Marshal(redisPayload{Event: event, Data: payload, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTTL)
	defer cancel()
	return r.client.Publish(ctx, channel, body).Err()
}

// SubscribeParty subscribes to a party's Redis channel and calls handler for
// each message. Returns a cancel function to stop the subscription.
func (r *RedisPubSub) SubscribeParty(joinToken string, handler func(event string, payload []byte)) (cancel func(), err error) {
	channel := channelPrefix + joinToken
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channel)
	_, err = pubsub.Receive(ctx)
	if err != nil {
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
					continue
				}
				handler(p.Event, p.Data)
			}
		}
	}()
	return func() { cancelCtx() }, nil
}
