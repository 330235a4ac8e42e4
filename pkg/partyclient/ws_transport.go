package partyclient

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// wsMessage mirrors the gateway's WebSocket envelope.
type wsMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WSTransport is a Transport over the realtime gateway's WebSocket endpoint.
// One connection per subscription; the gateway scopes each connection to a
// single party.
type WSTransport struct {
	baseURL string // ws:// or wss:// origin of the gateway
	token   string // bearer JWT, passed as a query parameter on dial
	dialer  *websocket.Dialer
	logger  *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSTransport creates a transport dialing the gateway at baseURL.
func NewWSTransport(baseURL, token string, logger *zap.Logger) *WSTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  logger,
	}
}

// Subscribe dials the gateway for the party behind topic and pumps incoming
// envelopes into handler until cancel is called or the connection drops.
// Handler runs on the read goroutine; it must not block.
func (t *WSTransport) Subscribe(topic string, handler func(Event)) (func(), error) {
	joinToken := strings.TrimPrefix(topic, "party:")

	u := fmt.Sprintf("%s/ws?party=%s&token=%s",
		t.baseURL, url.QueryEscape(joinToken), url.QueryEscape(t.token))
	conn, _, err := t.dialer.Dial(u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial gateway: %v", ErrNetworkFailure, err)
	}

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			conn.Close()
		})
	}

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	go t.pingLoop(conn, done)
	go func() {
		defer cancel()
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				select {
				case <-done:
				default:
					t.logger.Debug("read party stream", zap.Error(err))
				}
				return
			}
			handler(Event{Name: msg.Event, Data: msg.Data})
		}
	}()

	return cancel, nil
}

func (t *WSTransport) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			t.mu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// Publish sends an envelope up the active subscription's connection.
func (t *WSTransport) Publish(topic string, event string, payload interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("%w: not subscribed", ErrNetworkFailure)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := t.conn.WriteJSON(wsMessage{Event: event, Data: raw}); err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	return nil
}

var _ Transport = (*WSTransport)(nil)
