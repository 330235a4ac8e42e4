package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ridelink/backend/internal/party"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client represents a single device connection subscribed to a party topic.
type Client struct {
	ID        string
	PartyID   uuid.UUID
	JoinToken string
	UserID    uuid.UUID
	hub       *Hub
	presence  *Presence
	conn      *websocket.Conn
	send      chan WSMessage
	logger    *zap.Logger
}

// ServeWs handles the WebSocket upgrade for GET /ws?party=<joinToken>&token=<jwt>.
// Only active members of the party may subscribe; the join token alone is not
// an identity.
func ServeWs(hub *Hub, presence *Presence, parties *party.Service, logger *zap.Logger, jwtValidate func(token string) (userID string, err error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		joinToken := c.Query("party")
		token := c.Query("token")
		if joinToken == "" || token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "party and token required"})
			return
		}
		userIDStr, err := jwtValidate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		userID, err := uuid.Parse(userIDStr)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		p, err := parties.FindByToken(c.Request.Context(), joinToken)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "party not found"})
			return
		}
		memberIDs, err := activeMemberIDs(c.Request.Context(), parties, p.ID)
		if err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "not a party member"})
			return
		}
		if _, ok := memberIDs[userID.String()]; !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "not a party member"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:        uuid.New().String(),
			PartyID:   p.ID,
			JoinToken: joinToken,
			UserID:    userID,
			hub:       hub,
			presence:  presence,
			conn:      conn,
			send:      make(chan WSMessage, 64),
			logger:    logger,
		}
		hub.Register(client)
		client.sendPresenceSnapshot(memberIDs)
		go client.writePump()
		client.readPump()
	}
}

func activeMemberIDs(ctx context.Context, parties *party.Service, partyID uuid.UUID) (map[string]struct{}, error) {
	members, err := parties.Members(ctx, partyID)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(members))
	for _, m := range members {
		ids[m.UserID.String()] = struct{}{}
	}
	return ids, nil
}

// sendPresenceSnapshot pushes last known member locations to this client so
// it does not wait for the next broadcast round. Entries whose membership has
// already ended are dropped: a last-known location must not outlive it.
func (c *Client) sendPresenceSnapshot(memberIDs map[string]struct{}) {
	if c.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snapshot, err := c.presence.Snapshot(ctx, c.PartyID)
	if err != nil {
		return
	}
	current := snapshot[:0]
	for _, msg := range snapshot {
		if _, ok := memberIDs[msg.UserID]; ok {
			current = append(current, msg)
		}
	}
	if len(current) == 0 {
		return
	}
	c.hub.SendToClient(c.JoinToken, c.ID, EventRosterLocations, current)
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(8192)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		switch msg.Event {
		case EventLocation:
			var in struct {
				Lat       float64 `json:"lat"`
				Lon       float64 `json:"lon"`
				AvatarURL string  `json:"avatar_url,omitempty"`
			}
			if err := json.Unmarshal(msg.Data, &in); err != nil {
				continue
			}
			// The sender's identity comes from its validated connection; a
			// client cannot report positions for another user.
			out := LocationMessage{
				UserID:    c.UserID.String(),
				Lat:       in.Lat,
				Lon:       in.Lon,
				AvatarURL: in.AvatarURL,
				At:        time.Now().UnixMilli(),
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := c.presence.Set(ctx, c.PartyID, out); err != nil {
				c.logger.Debug("presence set", zap.Error(err))
			}
			cancel()
			c.hub.PublishToParty(c.JoinToken, EventLocation, out)
		default:
			// ignore
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
