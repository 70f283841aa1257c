// Package transport carries session traffic over WebSocket. It is the
// only part of the system that knows how bytes move; the gateway and
// recovery engine see connections purely through their IDs.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"realtime-gateway/internal/fingerprint"
	"realtime-gateway/internal/gateway"
	"realtime-gateway/internal/message"
	"realtime-gateway/internal/recovery"
	"realtime-gateway/internal/util"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
)

// ErrNoLiveConnection is returned when a session has no currently
// attached connection.
var ErrNoLiveConnection = errors.New("session has no live connection")

type conn struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

// Hub upgrades connections, runs one reader goroutine per connection
// feeding the gateway in arrival order, and maps sessions to their
// current connection for outbound pushes.
type Hub struct {
	mu       sync.Mutex
	conns    map[string]*conn
	sessions map[string]string // sessionID -> connectionID

	gw       *gateway.Gateway
	engine   *recovery.Engine
	upgrader websocket.Upgrader
}

func NewHub(gw *gateway.Gateway, engine *recovery.Engine, allowedOrigins []string) *Hub {
	return &Hub{
		conns:    make(map[string]*conn),
		sessions: make(map[string]string),
		gw:       gw,
		engine:   engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true // non-browser client
				}
				for _, allowed := range allowedOrigins {
					if origin == allowed {
						return true
					}
				}
				return false
			},
		},
	}
}

// SetRecoveryEngine wires the recovery engine after construction,
// breaking the hub/engine construction cycle.
func (h *Hub) SetRecoveryEngine(engine *recovery.Engine) {
	h.engine = engine
}

// HandleConnection upgrades the request and serves the connection until
// it closes. Intended to run on the HTTP handler goroutine.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &conn{id: uuid.New().String(), ws: ws}

	h.mu.Lock()
	h.conns[c.id] = c
	total := len(h.conns)
	h.mu.Unlock()

	h.gw.Register(c.id, fingerprint.Metadata{
		Origin:          r.Header.Get("Origin"),
		ClientSignature: r.UserAgent(),
		Protocol:        r.Header.Get("Sec-WebSocket-Protocol"),
	})

	util.Info("client connected",
		zap.String("connection_id", c.id),
		zap.Int("total_connections", total))

	ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	h.readLoop(c)
}

// readLoop processes inbound frames in arrival order; ordering within a
// connection is therefore preserved by construction.
func (h *Hub) readLoop(c *conn) {
	defer h.drop(c)

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongTimeout))

		result := h.gw.HandleInbound(context.Background(), c.id, raw)
		if !result.Accepted {
			reply := map[string]any{
				"type":   "error",
				"code":   result.Code,
				"reason": result.Reason,
			}
			if result.RetryAfter > 0 {
				reply["retry_after_ms"] = result.RetryAfter.Milliseconds()
			}
			if err := c.writeJSON(reply); err != nil {
				return
			}
			continue
		}

		switch result.Message.Type {
		case message.TypePing:
			if err := c.writeJSON(map[string]any{"type": "pong"}); err != nil {
				return
			}
		case message.TypeAuth:
			if result.Authenticated {
				if err := c.writeJSON(map[string]any{"type": "auth_ok"}); err != nil {
					return
				}
			}
		case message.TypeSession:
			sid := result.Message.SessionID()
			if result.Message.Session.Action == "end" && sid != "" {
				h.unbindSession(sid)
				if h.engine != nil {
					h.engine.EndSession(sid)
				}
			} else if sid != "" {
				h.bindSession(sid, c.id)
			}
		default:
			if sid := result.Message.SessionID(); sid != "" {
				h.bindSession(sid, c.id)
			}
		}
	}
}

func (h *Hub) bindSession(sessionID, connectionID string) {
	h.mu.Lock()
	h.sessions[sessionID] = connectionID
	h.mu.Unlock()
}

func (h *Hub) unbindSession(sessionID string) {
	h.mu.Lock()
	delete(h.sessions, sessionID)
	h.mu.Unlock()
}

// drop removes a closed connection and signals the recovery engine if a
// session was riding on it.
func (h *Hub) drop(c *conn) {
	state, _ := h.gw.ConnectionState(c.id)

	h.mu.Lock()
	delete(h.conns, c.id)
	var lostSession string
	if state.SessionID != "" && h.sessions[state.SessionID] == c.id {
		lostSession = state.SessionID
	}
	h.mu.Unlock()

	h.gw.Close(c.id)
	c.ws.Close()

	util.Info("client disconnected", zap.String("connection_id", c.id))

	if lostSession != "" && h.engine != nil {
		h.engine.HandleConnectionLoss(lostSession, state.Identity)
	}
}

// SendToSession pushes a payload to the connection currently bound to a
// session. Outbound messages are produced by trusted code, so only the
// transport write applies here; typed outbound traffic goes through
// Gateway.ValidateOutbound first.
func (h *Hub) SendToSession(sessionID string, payload any) error {
	h.mu.Lock()
	connID, ok := h.sessions[sessionID]
	var c *conn
	if ok {
		c = h.conns[connID]
	}
	h.mu.Unlock()

	if c == nil {
		return fmt.Errorf("%w: %s", ErrNoLiveConnection, sessionID)
	}
	return c.writeJSON(payload)
}

// Reconnect reports whether the session has been re-attached by the
// client. The server cannot dial a browser; recovery succeeds when the
// client has re-established a connection carrying the session.
func (h *Hub) Reconnect(_ context.Context, sessionID string) error {
	h.mu.Lock()
	connID, ok := h.sessions[sessionID]
	_, live := h.conns[connID]
	h.mu.Unlock()

	if !ok || !live {
		return fmt.Errorf("%w: %s", ErrNoLiveConnection, sessionID)
	}
	return nil
}

// Verify confirms the re-attached connection is still responsive after
// the settling window by sending a control ping.
func (h *Hub) Verify(_ context.Context, sessionID string) error {
	h.mu.Lock()
	connID, ok := h.sessions[sessionID]
	c := h.conns[connID]
	h.mu.Unlock()

	if !ok || c == nil {
		return fmt.Errorf("%w: %s", ErrNoLiveConnection, sessionID)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
		return fmt.Errorf("connection unresponsive: %w", err)
	}
	return nil
}

// ActiveConnections reports the live connection count.
func (h *Hub) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
