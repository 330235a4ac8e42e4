package models

import (
	"time"

	"github.com/google/uuid"
)

// PartyState is the lifecycle state of a ride party.
type PartyState string

const (
	PartyStateActive PartyState = "active"
	PartyStateEnded  PartyState = "ended"
)

// Party is an ephemeral group session scoping who can see whose live location.
type Party struct {
	ID        uuid.UUID  `json:"id"`
	JoinCode  string     `json:"join_code"`  // 4 ASCII digits, human-shareable
	JoinToken string     `json:"join_token"` // opaque, used for deep links and as the broadcast topic key
	HostID    uuid.UUID  `json:"host_user_id"`
	State     PartyState `json:"state"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// Expired reports whether the party is past its TTL at the given instant.
func (p *Party) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// Membership links a user to a party. A nil LeftAt means the membership is active.
type Membership struct {
	PartyID  uuid.UUID  `json:"party_id"`
	UserID   uuid.UUID  `json:"user_id"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}
