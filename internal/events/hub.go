package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/regintel/blacklist/internal/models"
)

// Event types pushed to operator dashboards.
const (
	TypeCollectionStarted  = "collection.started"
	TypeCollectionFinished = "collection.finished"
	TypeCollectionFailed   = "collection.failed"
	TypeSweepCompleted     = "sweep.completed"
	TypeStatusChanged      = "status.changed"
)

// Event is one lifecycle notification.
type Event struct {
	Type      string    `json:"type"`
	Service   string    `json:"service,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Client is one connected websocket subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Hub fans collection lifecycle events out to websocket subscribers.
// Slow clients are dropped rather than allowed to stall the loop.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewHub builds a hub that accepts upgrades from allowedOrigins
// ("*" or empty list allows same-host requests only).
func NewHub(allowedOrigins []string) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		// Same-host browsers send an Origin matching the Host header.
		return strings.Contains(origin, r.Host)
	}
}

// Run pumps the hub until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Debug().Str("client", client.id).Msg("Event subscriber connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			log.Debug().Str("client", client.id).Msg("Event subscriber disconnected")

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					h.mu.Lock()
					delete(h.clients, client)
					close(client.send)
					h.mu.Unlock()
				}
			}

		case <-pingTicker.C:
			h.publish(Event{Type: "ping", Timestamp: time.Now()})

		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// HandleWebSocket upgrades a request and attaches it to the hub.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
		id:   fmt.Sprintf("sub-%d", time.Now().UnixNano()),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// ClientCount reports connected subscribers, for the health payload.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PublishCollectionStarted announces a job entering its run.
func (h *Hub) PublishCollectionStarted(service string, trigger models.TriggerType) {
	h.publish(Event{
		Type:      TypeCollectionStarted,
		Service:   service,
		Data:      map[string]string{"trigger": string(trigger)},
		Timestamp: time.Now(),
	})
}

// PublishCollectionFinished announces a successful run with its tallies.
func (h *Hub) PublishCollectionFinished(service string, result models.UpsertResult, duration time.Duration) {
	h.publish(Event{
		Type:    TypeCollectionFinished,
		Service: service,
		Data: map[string]any{
			"inserted":    result.Inserted,
			"updated":     result.Updated,
			"failed":      result.Failed,
			"duration_ms": duration.Milliseconds(),
		},
		Timestamp: time.Now(),
	})
}

// PublishCollectionFailed announces a failed run.
func (h *Hub) PublishCollectionFailed(service, reason string) {
	h.publish(Event{
		Type:      TypeCollectionFailed,
		Service:   service,
		Data:      map[string]string{"error": reason},
		Timestamp: time.Now(),
	})
}

// PublishSweepCompleted announces a lifecycle sweep's tallies.
func (h *Hub) PublishSweepCompleted(expired, stale int64) {
	h.publish(Event{
		Type:      TypeSweepCompleted,
		Data:      map[string]int64{"expired": expired, "stale": stale},
		Timestamp: time.Now(),
	})
}

// PublishStatusChanged announces a service state transition.
func (h *Hub) PublishStatusChanged(service string, state models.ServiceState) {
	h.publish(Event{
		Type:      TypeStatusChanged,
		Service:   service,
		Data:      map[string]string{"status": string(state)},
		Timestamp: time.Now(),
	})
}

func (h *Hub) publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", ev.Type).Msg("Failed to marshal event")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Warn().Str("type", ev.Type).Msg("Event broadcast channel full, dropping")
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("client", c.id).Msg("Websocket read error")
			}
			return
		}
		// Subscribers are read-only; inbound frames just refresh deadlines.
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
