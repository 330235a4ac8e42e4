// Package partyclient is the device-side session controller for RideLink
// ride parties: it drives the authoritative lifecycle API, subscribes to the
// party's live-location topic, resolves member profiles in batches, and
// exposes the merged roster as immutable snapshots.
package partyclient

import (
	"context"
	"encoding/json"
	"time"
)

// State is the controller's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateCreating
	StateJoining
	StateJoined
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCreating:
		return "creating"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// Role is the caller's role within the joined party.
type Role int

const (
	RoleNone Role = iota
	RoleHost
	RoleMember
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleMember:
		return "member"
	default:
		return "none"
	}
}

// Party mirrors the authoritative party row.
type Party struct {
	ID        string    `json:"id"`
	JoinCode  string    `json:"join_code"`
	JoinToken string    `json:"join_token"`
	HostID    string    `json:"host_user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Profile is a member's resolved display identity.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Location is a member's last known position.
type Location struct {
	Lat       float64
	Lon       float64
	UpdatedAt time.Time
}

// Member is one roster entry. Location and Profile stay nil until the first
// broadcast arrives and the directory resolves, respectively; consumers show
// a fallback identity for an unresolved profile.
type Member struct {
	UserID   string
	IsSelf   bool
	Location *Location
	Profile  *Profile
}

// Snapshot is an immutable view of the controller state, delivered to the
// listener after every mutation.
type Snapshot struct {
	State     State
	Role      Role
	Party     *Party
	Roster    []Member // sorted by UserID
	LastError string
}

// Event is a single message received from or published to a party topic.
type Event struct {
	Name string
	Data json.RawMessage
}

// Directory is the authoritative lifecycle and profile API.
type Directory interface {
	CreateParty(ctx context.Context) (*Party, error)
	JoinByCode(ctx context.Context, code string) (*Party, error)
	JoinByToken(ctx context.Context, token string) (*Party, error)
	Leave(ctx context.Context, partyID string) error
	End(ctx context.Context, partyID string) error
	RegenCode(ctx context.Context, partyID string) (*Party, error)
	Members(ctx context.Context, partyID string) ([]string, error)
	FetchProfiles(ctx context.Context, ids []string) ([]Profile, error)
}

// Transport is the live-location publish/subscribe layer. Delivery is
// at-most-once with no ordering guarantee; the controller treats anything
// outside its roster as stale.
type Transport interface {
	Subscribe(topic string, handler func(Event)) (cancel func(), err error)
	Publish(topic string, event string, payload interface{}) error
}

// Topic names are keyed by the opaque join token, never the 4-digit code.
func topicFor(p *Party) string {
	return "party:" + p.JoinToken
}

// locationMessage is the wire schema on the location topic.
type locationMessage struct {
	UserID    string  `json:"user_id"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	AvatarURL string  `json:"avatar_url,omitempty"`
	At        int64   `json:"at,omitempty"`
}
