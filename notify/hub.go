package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"escrowflow/auth"
)

var ErrUndelivered = errors.New("notify: no connected recipient accepted the message")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

type client struct {
	actor auth.Actor
	conn  *websocket.Conn
	send  chan []byte
}

// Hub fans notifications out to websocket connections keyed by user id.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:  logger,
		clients: make(map[string]map[*client]struct{}),
	}
}

// ServeWS upgrades the request and registers the connection for actor.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", actor.ID, "error", err)
		return
	}
	c := &client{actor: actor, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)
	go h.writePump(c)
	go h.readPump(c)
}

// Connected reports the number of open connections for a user.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Deliver sends m to every connection of its recipients. Recipients that are
// offline are skipped; an error means every targeted connection was congested.
func (h *Hub) Deliver(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("notify: encode message: %w", err)
	}

	h.mu.RLock()
	targets := h.targetsLocked(m)
	sent := 0
	var congested []*client
	for _, c := range targets {
		select {
		case c.send <- payload:
			sent++
		default:
			congested = append(congested, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range congested {
		h.logger.Warn("dropping congested websocket client", "user_id", c.actor.ID)
		h.unregister(c)
	}
	if len(targets) > 0 && sent == 0 {
		return ErrUndelivered
	}
	return nil
}

// Push is Deliver for messages that are worthless unless a recipient is connected
// right now, such as verification codes.
func (h *Hub) Push(ctx context.Context, m Message) error {
	h.mu.RLock()
	n := len(h.targetsLocked(m))
	h.mu.RUnlock()
	if n == 0 {
		return ErrUndelivered
	}
	return h.Deliver(ctx, m)
}

// targetsLocked must be called with h.mu held.
func (h *Hub) targetsLocked(m Message) []*client {
	seen := make(map[*client]struct{})
	var out []*client
	add := func(c *client) {
		if _, ok := seen[c]; ok {
			return
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	for _, id := range m.UserIDs {
		for c := range h.clients[id] {
			add(c)
		}
	}
	if m.Admins {
		for _, set := range h.clients {
			for c := range set {
				if c.actor.IsAdmin() {
					add(c)
				}
			}
		}
	}
	return out
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.actor.ID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.actor.ID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.actor.ID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.actor.ID)
	}
	close(c.send)
}

// readPump discards inbound frames and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
