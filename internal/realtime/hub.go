package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
)

// Client is one websocket connection watching a single board.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	boardID string
	userID  string
}

func NewClient(hub *Hub, conn *websocket.Conn, boardID, userID string) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 32),
		boardID: boardID,
		userID:  userID,
	}
}

// ReadPump discards inbound frames (the stream is one-way) and detects
// disconnects.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// WritePump pumps events from the hub to the peer with keepalive pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

type room struct {
	clients map[*Client]bool
	sub     *Subscription
}

// Hub fans board events out to websocket clients. It holds one bus
// subscription per board with at least one viewer and cancels it when the
// last viewer leaves.
type Hub struct {
	bus    Bus
	logger *zap.Logger

	register   chan *Client
	unregister chan *Client
	forward    chan Event
	rooms      map[string]*room
	// done is closed when Run exits so pump goroutines blocked on forward
	// can bail out instead of leaking.
	done chan struct{}
}

func NewHub(bus Bus, logger *zap.Logger) *Hub {
	return &Hub{
		bus:        bus,
		logger:     logger,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		forward:    make(chan Event, 64),
		rooms:      make(map[string]*room),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Register(client *Client)   { h.register <- client }
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// Run owns all room state. It exits when ctx is done, cancelling every
// subscription.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for _, rm := range h.rooms {
			rm.sub.Cancel()
			for client := range rm.clients {
				close(client.send)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			rm, ok := h.rooms[client.boardID]
			if !ok {
				sub, err := h.bus.Subscribe(ctx, client.boardID)
				if err != nil {
					h.logger.Error("subscribe board stream failed",
						zap.String("board_id", client.boardID), zap.Error(err))
					close(client.send)
					continue
				}
				rm = &room{clients: make(map[*Client]bool), sub: sub}
				h.rooms[client.boardID] = rm
				go h.pump(client.boardID, sub)
			}
			rm.clients[client] = true

		case client := <-h.unregister:
			rm, ok := h.rooms[client.boardID]
			if !ok || !rm.clients[client] {
				continue
			}
			delete(rm.clients, client)
			close(client.send)
			if len(rm.clients) == 0 {
				rm.sub.Cancel()
				delete(h.rooms, client.boardID)
			}

		case event := <-h.forward:
			rm, ok := h.rooms[event.BoardID]
			if !ok {
				continue
			}
			encoded, err := json.Marshal(event)
			if err != nil {
				h.logger.Warn("encode event failed", zap.Error(err))
				continue
			}
			for client := range rm.clients {
				select {
				case client.send <- encoded:
				default:
					// Slow client; drop the connection rather than block.
					delete(rm.clients, client)
					close(client.send)
				}
			}
			if len(rm.clients) == 0 {
				rm.sub.Cancel()
				delete(h.rooms, event.BoardID)
			}
		}
	}
}

func (h *Hub) pump(boardID string, sub *Subscription) {
	for event := range sub.Events() {
		select {
		case h.forward <- event:
		case <-h.done:
			return
		}
	}
	h.logger.Debug("board stream closed", zap.String("board_id", boardID))
}
