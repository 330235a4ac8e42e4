package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Publisher publishes party events for cross-instance broadcast.
type Publisher interface {
	PublishPartyEvent(joinToken string, event string, payload []byte) error
}

// Subscriber subscribes to party topics and invokes handler for incoming events.
type Subscriber interface {
	SubscribeParty(joinToken string, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains joinToken -> set of device connections and fans out broadcast
// events. One Redis subscription per party, held while any local client is
// connected.
type Hub struct {
	parties map[string]map[string]*Client
	subs    map[string]func() // cancel Redis subscription per party
	mu      sync.RWMutex
	logger  *zap.Logger
	pub     Publisher
	sub     Subscriber
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger, pub Publisher, sub Subscriber) *Hub {
	return &Hub{
		parties: make(map[string]map[string]*Client),
		subs:    make(map[string]func()),
		logger:  logger,
		pub:     pub,
		sub:     sub,
	}
}

// Register adds a client to a party room. Starts the Redis subscription for
// this party if it is the first local client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.parties[c.JoinToken] == nil {
		h.parties[c.JoinToken] = make(map[string]*Client)
		if h.sub != nil {
			token := c.JoinToken
			cancel, err := h.sub.SubscribeParty(token, func(event string, payload []byte) {
				h.BroadcastToParty(token, event, json.RawMessage(payload))
			})
			if err == nil {
				h.subs[token] = cancel
			} else {
				h.logger.Warn("party subscription failed", zap.Error(err))
			}
		}
	}
	h.parties[c.JoinToken][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client joined party topic",
		zap.String("client_id", c.ID),
		zap.String("party_id", c.PartyID.String()),
	)
}

// Unregister removes a client from a party room. Cancels the Redis
// subscription when the last local client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.parties[c.JoinToken]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.parties, c.JoinToken)
			if cancel, ok := h.subs[c.JoinToken]; ok {
				cancel()
				delete(h.subs, c.JoinToken)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client left party topic",
		zap.String("client_id", c.ID),
		zap.String("party_id", c.PartyID.String()),
	)
}

// BroadcastToParty sends an event to all local clients in a party.
// Slow clients are skipped, not queued: location traffic is superseded by the
// next update anyway.
func (h *Hub) BroadcastToParty(joinToken string, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	// Copy the client set out under the lock; Register/Unregister mutate the
	// inner map concurrently.
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.parties[joinToken]))
	for _, c := range h.parties[joinToken] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// PublishToParty publishes to Redis only; the per-party subscription performs
// the local broadcast exactly once for all instances, including this one.
func (h *Hub) PublishToParty(joinToken string, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if h.pub != nil {
		if err := h.pub.PublishPartyEvent(joinToken, event, data); err != nil {
			h.logger.Debug("publish party event", zap.Error(err), zap.String("event", event))
		}
		return
	}
	h.BroadcastToParty(joinToken, event, json.RawMessage(data))
}

// SendToClient sends an event to a single client in a party.
func (h *Hub) SendToClient(joinToken, clientID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := WSMessage{Event: event, Data: data}
	h.mu.RLock()
	c, ok := h.parties[joinToken][clientID]
	h.mu.RUnlock()
	if !ok || c == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// ClientCount returns the number of connected clients for a party.
func (h *Hub) ClientCount(joinToken string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.parties[joinToken])
}
