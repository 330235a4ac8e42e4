package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	presencePrefix = "party:loc:"
	presenceTTL    = 7 * time.Hour // outlives the party TTL with margin; purged on end
)

// Presence stores each member's last known location per party in a Redis
// hash, so a late joiner sees positions before the next broadcast round.
// Volatile by design: keys expire and are purged on party teardown.
type Presence struct {
	client *redis.Client
	logger *zap.Logger
}

// NewPresence creates the last-known-location store.
func NewPresence(client *redis.Client, logger *zap.Logger) *Presence {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Presence{client: client, logger: logger}
}

func presenceKey(partyID uuid.UUID) string {
	return presencePrefix + partyID.String()
}

// Set overwrites the member's last known location.
func (p *Presence) Set(ctx context.Context, partyID uuid.UUID, msg LocationMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := presenceKey(partyID)
	pipe := p.client.Pipeline()
	pipe.HSet(ctx, key, msg.UserID, body)
	pipe.Expire(ctx, key, presenceTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Snapshot returns the last known location of every member.
func (p *Presence) Snapshot(ctx context.Context, partyID uuid.UUID) ([]LocationMessage, error) {
	entries, err := p.client.HGetAll(ctx, presenceKey(partyID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]LocationMessage, 0, len(entries))
	for _, raw := range entries {
		var msg LocationMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Remove deletes one member's entry (used when a member leaves).
func (p *Presence) Remove(ctx context.Context, partyID uuid.UUID, userID string) error {
	return p.client.HDel(ctx, presenceKey(partyID), userID).Err()
}

// Purge deletes the whole hash (used on party end/expiry).
func (p *Presence) Purge(ctx context.Context, partyID uuid.UUID) error {
	return p.client.Del(ctx, presenceKey(partyID)).Err()
}
